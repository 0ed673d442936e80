package leadflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the map-backed Store used by unit tests and embedded
// setups. It honors the same contracts as the SQL stores: append-only
// checkpoints, nullable correlation keys, duplicate-active-key rejection.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint
	threads     map[string]*ThreadEntry
	events      map[string][]*AuditEvent
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*Checkpoint),
		threads:     make(map[string]*ThreadEntry),
		events:      make(map[string][]*AuditEvent),
		nextEventID: 1,
	}
}

func (s *MemoryStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.checkpoints[cp.ThreadID]
	cp.Seq = int64(len(chain)) + 1
	cp.CreatedAt = time.Now()

	stored := *cp
	s.checkpoints[cp.ThreadID] = append(chain, &stored)

	return cp.Seq, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.checkpoints[threadID]
	if len(chain) == 0 {
		return nil, ErrEntityNotFound
	}

	cp := *chain[len(chain)-1]

	return &cp, nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.checkpoints[threadID]
	out := make([]Checkpoint, 0, len(chain))
	for _, cp := range chain {
		out = append(out, *cp)
	}

	return out, nil
}

func (s *MemoryStore) CreateThread(ctx context.Context, entry *ThreadEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.threads {
		if existing.Status != ThreadStatusActive {
			continue
		}
		if entry.ClientEmail != nil && existing.ClientEmail != nil && *entry.ClientEmail == *existing.ClientEmail {
			return ErrDuplicateCorrelation
		}
		if entry.OrganizationID != nil && existing.OrganizationID != nil && *entry.OrganizationID == *existing.OrganizationID {
			return ErrDuplicateCorrelation
		}
		if entry.EnvelopeID != nil && existing.EnvelopeID != nil && *entry.EnvelopeID == *existing.EnvelopeID {
			return ErrDuplicateCorrelation
		}
	}

	now := time.Now()
	entry.Status = ThreadStatusActive
	entry.CreatedAt = now
	entry.UpdatedAt = now

	stored := *entry
	s.threads[entry.ID] = &stored

	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (*ThreadEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.threads[threadID]
	if !ok {
		return nil, ErrEntityNotFound
	}

	out := *entry

	return &out, nil
}

func (s *MemoryStore) FindThread(ctx context.Context, criteria ThreadCriteria) (*ThreadEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.threads {
		if entry.Status != ThreadStatusActive {
			continue
		}
		if criteria.Email != "" && entry.ClientEmail != nil && *entry.ClientEmail == criteria.Email {
			out := *entry
			return &out, nil
		}
		if criteria.OrganizationID != "" && entry.OrganizationID != nil && *entry.OrganizationID == criteria.OrganizationID {
			out := *entry
			return &out, nil
		}
		if criteria.EnvelopeID != "" && entry.EnvelopeID != nil && *entry.EnvelopeID == criteria.EnvelopeID {
			out := *entry
			return &out, nil
		}
	}

	return nil, ErrEntityNotFound
}

func (s *MemoryStore) UpdateThreadKeys(ctx context.Context, threadID string, keys ThreadKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.threads[threadID]
	if !ok {
		return ErrEntityNotFound
	}

	if keys.ClientEmail != "" {
		entry.ClientEmail = &keys.ClientEmail
	}
	if keys.OrganizationID != "" {
		entry.OrganizationID = &keys.OrganizationID
	}
	if keys.EnvelopeID != "" {
		entry.EnvelopeID = &keys.EnvelopeID
	}
	entry.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) MarkThreadCompleted(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.threads[threadID]
	if !ok {
		return ErrEntityNotFound
	}

	entry.Status = ThreadStatusCompleted
	entry.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) MarkRemindersExhausted(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.threads[threadID]
	if !ok {
		return ErrEntityNotFound
	}

	entry.RemindersExhausted = true
	entry.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) ListActiveThreads(ctx context.Context) ([]ThreadEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ThreadEntry, 0)
	for _, entry := range s.threads {
		if entry.Status == ThreadStatusActive {
			out = append(out, *entry)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (s *MemoryStore) LogEvent(
	ctx context.Context,
	threadID, stepName, eventType string,
	actor Actor,
	payload any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := &AuditEvent{
		ID:        s.nextEventID,
		ThreadID:  threadID,
		StepName:  stepName,
		EventType: eventType,
		Actor:     actor,
		Payload:   payloadJSON,
		CreatedAt: time.Now(),
	}

	s.events[threadID] = append(s.events[threadID], event)
	s.nextEventID++

	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, threadID string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[threadID]
	out := make([]AuditEvent, 0, len(events))
	for _, event := range events {
		out = append(out, *event)
	}

	return out, nil
}
