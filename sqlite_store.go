package leadflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a lightweight Store backed by SQLite, suitable for tests
// and single-process deployments.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serialize writes for SQLite
}

// NewSQLiteInMemoryStore creates an in-memory SQLite database and initializes the schema.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	_, _ = db.Exec("PRAGMA foreign_keys=ON;")
	_, _ = db.Exec("PRAGMA busy_timeout=5000;")
	// single connection keeps :memory: consistent and avoids locks
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := RunSQLiteMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	const q = `INSERT INTO checkpoints (thread_id, seq, state, next_step, awaiting_input, prompt, done, created_at)
		VALUES(?, COALESCE((SELECT MAX(seq) FROM checkpoints WHERE thread_id = ?), 0) + 1, ?, ?, ?, ?, ?, ?)`

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, q,
		cp.ThreadID, cp.ThreadID, stateJSON, cp.NextStep, cp.AwaitingInput, cp.Prompt, cp.Done, now,
	); err != nil {
		return 0, err
	}

	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM checkpoints WHERE thread_id = ?`, cp.ThreadID,
	).Scan(&seq); err != nil {
		return 0, err
	}

	cp.Seq = seq
	cp.CreatedAt = now

	return seq, nil
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	const q = `SELECT thread_id, seq, state, next_step, awaiting_input, prompt, done, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`

	cp, err := scanSQLiteCheckpoint(s.db.QueryRowContext(ctx, q, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	const q = `SELECT thread_id, seq, state, next_step, awaiting_input, prompt, done, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		cp, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, *cp)
	}

	return checkpoints, rows.Err()
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteCheckpoint(row sqlRow) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var stateJSON []byte

	err := row.Scan(
		&cp.ThreadID, &cp.Seq, &stateJSON, &cp.NextStep,
		&cp.AwaitingInput, &cp.Prompt, &cp.Done, &cp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return cp, nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, entry *ThreadEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// SQLite has no partial unique indexes pre-3.8 guarantees we rely on in
	// Postgres, so uniqueness of active correlation keys is checked up front.
	if err := s.checkActiveKeys(ctx, entry); err != nil {
		return err
	}

	now := time.Now()
	const q = `INSERT INTO threads (id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, 0, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.ClientEmail, entry.OrganizationID, entry.EnvelopeID,
		ThreadStatusActive, now, now,
	); err != nil {
		return err
	}

	entry.Status = ThreadStatusActive
	entry.CreatedAt = now
	entry.UpdatedAt = now

	return nil
}

func (s *SQLiteStore) checkActiveKeys(ctx context.Context, entry *ThreadEntry) error {
	check := func(column string, value *string) error {
		if value == nil || *value == "" {
			return nil
		}

		var count int
		q := fmt.Sprintf(`SELECT COUNT(*) FROM threads WHERE status = 'active' AND %s = ?`, column)
		if err := s.db.QueryRowContext(ctx, q, *value).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateCorrelation
		}

		return nil
	}

	if err := check("client_email", entry.ClientEmail); err != nil {
		return err
	}
	if err := check("organization_id", entry.OrganizationID); err != nil {
		return err
	}

	return check("envelope_id", entry.EnvelopeID)
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*ThreadEntry, error) {
	const q = `SELECT id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at
		FROM threads WHERE id = ?`

	entry, err := scanSQLiteThread(s.db.QueryRowContext(ctx, q, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return entry, nil
}

func (s *SQLiteStore) FindThread(ctx context.Context, criteria ThreadCriteria) (*ThreadEntry, error) {
	const q = `SELECT id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at
		FROM threads
		WHERE status = 'active'
		  AND ((? <> '' AND client_email = ?)
			OR (? <> '' AND organization_id = ?)
			OR (? <> '' AND envelope_id = ?))
		ORDER BY created_at LIMIT 1`

	entry, err := scanSQLiteThread(s.db.QueryRowContext(ctx, q,
		criteria.Email, criteria.Email,
		criteria.OrganizationID, criteria.OrganizationID,
		criteria.EnvelopeID, criteria.EnvelopeID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return entry, nil
}

func scanSQLiteThread(row sqlRow) (*ThreadEntry, error) {
	entry := &ThreadEntry{}

	err := row.Scan(
		&entry.ID, &entry.ClientEmail, &entry.OrganizationID, &entry.EnvelopeID,
		&entry.Status, &entry.RemindersExhausted, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func (s *SQLiteStore) UpdateThreadKeys(ctx context.Context, threadID string, keys ThreadKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `UPDATE threads SET
		client_email    = CASE WHEN ? <> '' THEN ? ELSE client_email END,
		organization_id = CASE WHEN ? <> '' THEN ? ELSE organization_id END,
		envelope_id     = CASE WHEN ? <> '' THEN ? ELSE envelope_id END,
		updated_at      = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q,
		keys.ClientEmail, keys.ClientEmail,
		keys.OrganizationID, keys.OrganizationID,
		keys.EnvelopeID, keys.EnvelopeID,
		time.Now(), threadID,
	)
	if err != nil {
		return err
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrEntityNotFound
	}

	return nil
}

func (s *SQLiteStore) MarkThreadCompleted(ctx context.Context, threadID string) error {
	return s.setThreadFlag(ctx, threadID, `status = 'completed'`)
}

func (s *SQLiteStore) MarkRemindersExhausted(ctx context.Context, threadID string) error {
	return s.setThreadFlag(ctx, threadID, `reminders_exhausted = 1`)
}

func (s *SQLiteStore) setThreadFlag(ctx context.Context, threadID, assignment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := fmt.Sprintf(`UPDATE threads SET %s, updated_at = ? WHERE id = ?`, assignment)

	res, err := s.db.ExecContext(ctx, q, time.Now(), threadID)
	if err != nil {
		return err
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrEntityNotFound
	}

	return nil
}

func (s *SQLiteStore) ListActiveThreads(ctx context.Context) ([]ThreadEntry, error) {
	const q = `SELECT id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at
		FROM threads WHERE status = 'active' ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ThreadEntry
	for rows.Next() {
		entry, err := scanSQLiteThread(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}

func (s *SQLiteStore) LogEvent(
	ctx context.Context,
	threadID, stepName, eventType string,
	actor Actor,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	const q = `INSERT INTO audit_events (thread_id, step_name, event_type, actor, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q, threadID, stepName, eventType, actor, payloadJSON, time.Now())

	return err
}

func (s *SQLiteStore) GetEvents(ctx context.Context, threadID string) ([]AuditEvent, error) {
	const q = `SELECT id, thread_id, step_name, event_type, actor, payload, created_at
		FROM audit_events WHERE thread_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var event AuditEvent
		if err := rows.Scan(
			&event.ID, &event.ThreadID, &event.StepName, &event.EventType,
			&event.Actor, &event.Payload, &event.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
