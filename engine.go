package leadflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine drives threads through the graph. It is the sole owner of
// checkpoint writes: steps own only the partial update they return, the
// registry and the sweeper only touch thread metadata.
//
// Suspension is structural — a checkpoint marked "awaiting input" — so a
// paused thread holds no process resources and survives restarts; the store
// is the only authority on where a thread is waiting.
type Engine struct {
	graph     *Graph
	store     Store
	txManager TxManager
	metrics   *Metrics
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*threadLock
}

// threadLock is a refcounted per-thread mutex. The table entry lives only
// while Advance calls for the thread are in flight, so the map stays
// bounded in a long-lived process.
type threadLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(graph *Graph, opts ...EngineOption) *Engine {
	engine := &Engine{
		graph: graph,
		now:   time.Now,
		locks: make(map[string]*threadLock),
	}

	for _, opt := range opts {
		opt(engine)
	}

	if engine.store == nil {
		engine.store = NewMemoryStore()
	}
	if engine.txManager == nil {
		engine.txManager = NewMemoryTxManager()
	}

	return engine
}

// StartThread creates a thread with a seed StateDocument at the graph's
// entry step and returns its id. It does not run any step; call Advance to
// kick the thread off.
func (engine *Engine) StartThread(ctx context.Context, seed SeedFields) (string, error) {
	threadID := uuid.NewString()

	doc := StateDocument{
		ClientName:     seed.ClientName,
		ClientEmail:    seed.ClientEmail,
		ClientPhone:    seed.ClientPhone,
		Source:         seed.Source,
		Stage:          StageNew,
		LastActivityAt: engine.now(),
	}

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		entry := &ThreadEntry{
			ID:     threadID,
			Status: ThreadStatusActive,
		}
		if seed.ClientEmail != "" {
			entry.ClientEmail = &seed.ClientEmail
		}

		if err := engine.store.CreateThread(ctx, entry); err != nil {
			return fmt.Errorf("create thread: %w", err)
		}

		cp := &Checkpoint{
			ThreadID: threadID,
			State:    doc,
			NextStep: engine.graph.Entry(),
		}
		if _, err := engine.store.AppendCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("append checkpoint: %w", err)
		}

		engine.audit(ctx, threadID, "", EventThreadStarted, ActorSystem, map[string]any{
			KeyStage: doc.Stage,
		})

		return nil
	})
	if err != nil {
		return "", err
	}

	engine.metrics.threadStarted()

	return threadID, nil
}

// ResumeThread locates a paused thread by correlation criteria and advances
// it with the given input. A criteria set matching nothing is a soft miss.
func (engine *Engine) ResumeThread(ctx context.Context, criteria ThreadCriteria, resume *ResumeInput) (Outcome, error) {
	if criteria.Empty() {
		return "", fmt.Errorf("%w: empty criteria", ErrNoMatchingThread)
	}

	entry, err := engine.store.FindThread(ctx, criteria)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			log.Printf("resume: no matching thread for criteria %+v", criteria)

			return "", ErrNoMatchingThread
		}

		return "", fmt.Errorf("find thread: %w", err)
	}

	return engine.Advance(ctx, entry.ID, resume)
}

// Advance loads the thread's latest checkpoint and runs steps until one
// suspends, fails, or a terminal step completes. A per-thread lock wraps
// the whole read-modify-append sequence, so a duplicate webhook and a
// sweeper reminder racing each other serialize; the loser sees the thread
// already past its suspension point and gets OutcomeStaleResume.
func (engine *Engine) Advance(ctx context.Context, threadID string, resume *ResumeInput) (Outcome, error) {
	lock := engine.acquireLock(threadID)
	defer engine.releaseLock(threadID, lock)

	var (
		outcome Outcome
		stepErr error
	)

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = engine.advance(ctx, threadID, resume)

		// A step failure is an outcome, not a transaction failure: the
		// errored checkpoint must commit so the retry starts from it.
		var execErr *StepExecutionError
		if errors.As(err, &execErr) {
			stepErr = err

			return nil
		}

		return err
	})
	if err == nil {
		err = stepErr
	}

	engine.metrics.advance(outcome)

	return outcome, err
}

func (engine *Engine) advance(ctx context.Context, threadID string, resume *ResumeInput) (Outcome, error) {
	cp, err := engine.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("latest checkpoint: %w", err)
	}

	if cp.Done {
		if resume != nil {
			engine.audit(ctx, threadID, "", EventStaleResume, ActorSystem, map[string]any{
				KeyAction: resume.Action,
			})

			return OutcomeStaleResume, nil
		}

		return OutcomeCompleted, nil
	}

	if resume != nil {
		current, ok := engine.graph.Step(cp.NextStep)
		if !ok {
			return "", fmt.Errorf("step not registered: %q", cp.NextStep)
		}

		// Delivery keys off the step, not the awaiting flag: a thread
		// errored at its suspension point has AwaitingInput unset but the
		// input is still pending there.
		if !current.accepts(resume.Action) {
			if engine.graph.ActionKnown(resume.Action) {
				// The input was meant for a suspension point the
				// thread has already moved past (or not reached).
				engine.audit(ctx, threadID, cp.NextStep, EventStaleResume, ActorSystem, map[string]any{
					KeyAction: resume.Action,
				})

				return OutcomeStaleResume, nil
			}

			return "", fmt.Errorf("%w: action %q matches no suspension point", ErrInvalidResumeInput, resume.Action)
		}
	}

	doc := cp.State
	current := cp.NextStep

	for {
		def, ok := engine.graph.Step(current)
		if !ok {
			return "", fmt.Errorf("step not registered: %q", current)
		}

		stepCtx := &executionContext{threadID: threadID, stepName: current, store: engine.store}
		result := runStep(current, def.Fn, ctx, stepCtx, doc, resume)
		resume = nil

		switch result.kind {
		case resultFailed:
			if errors.Is(result.err, ErrInvalidResumeInput) {
				// Caller error: surface it, persist nothing.
				return "", result.err
			}

			msg := result.err.Error()
			doc.Error = &msg
			doc.LastActivityAt = engine.now()

			failed := &Checkpoint{
				ThreadID: threadID,
				State:    doc,
				NextStep: current,
			}
			if _, err := engine.store.AppendCheckpoint(ctx, failed); err != nil {
				return "", fmt.Errorf("append checkpoint: %w", err)
			}

			engine.audit(ctx, threadID, current, EventStepFailed, ActorSystem, map[string]any{
				KeyError: msg,
			})

			return OutcomeErrored, &StepExecutionError{Step: current, Err: result.err}

		case resultSuspended:
			doc.Error = nil
			doc = result.update.Apply(doc)
			doc.LastActivityAt = engine.now()

			suspended := &Checkpoint{
				ThreadID:      threadID,
				State:         doc,
				NextStep:      current,
				AwaitingInput: true,
				Prompt:        result.prompt,
			}
			if _, err := engine.store.AppendCheckpoint(ctx, suspended); err != nil {
				return "", fmt.Errorf("append checkpoint: %w", err)
			}

			engine.syncRegistry(ctx, threadID, doc)
			engine.audit(ctx, threadID, current, EventStepSuspended, ActorSystem, map[string]any{
				KeyPrompt: result.prompt,
				KeyStage:  doc.Stage,
			})

			return OutcomePaused, nil

		case resultCompleted:
			doc.Error = nil
			doc = result.update.Apply(doc)
			doc.LastActivityAt = engine.now()

			engine.audit(ctx, threadID, current, EventStepCompleted, ActorSystem, map[string]any{
				KeyStage: doc.Stage,
			})

			if def.Terminal {
				final := &Checkpoint{
					ThreadID: threadID,
					State:    doc,
					Done:     true,
				}
				if _, err := engine.store.AppendCheckpoint(ctx, final); err != nil {
					return "", fmt.Errorf("append checkpoint: %w", err)
				}

				engine.syncRegistry(ctx, threadID, doc)

				if err := engine.store.MarkThreadCompleted(ctx, threadID); err != nil {
					return "", fmt.Errorf("mark thread completed: %w", err)
				}

				engine.audit(ctx, threadID, current, EventThreadCompleted, ActorSystem, map[string]any{
					KeyStage: doc.Stage,
				})

				return OutcomeCompleted, nil
			}

			next, routed := engine.graph.nextAfter(def, doc)
			if routed {
				engine.audit(ctx, threadID, current, EventEdgeRouted, ActorSystem, map[string]any{
					KeyDecision: doc.AdminDecision,
					KeyBranch:   next,
				})
				// The decision token is consumed by the edge that read it.
				doc.AdminDecision = ""
			}

			advanced := &Checkpoint{
				ThreadID: threadID,
				State:    doc,
				NextStep: next,
			}
			if _, err := engine.store.AppendCheckpoint(ctx, advanced); err != nil {
				return "", fmt.Errorf("append checkpoint: %w", err)
			}

			engine.syncRegistry(ctx, threadID, doc)

			current = next
		}
	}
}

// State returns the latest persisted StateDocument for a thread.
func (engine *Engine) State(ctx context.Context, threadID string) (*StateDocument, error) {
	cp, err := engine.store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}

	return &cp.State, nil
}

// Checkpoints returns a thread's full checkpoint chain, oldest first.
func (engine *Engine) Checkpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	return engine.store.ListCheckpoints(ctx, threadID)
}

// Events returns a thread's audit trail, oldest first.
func (engine *Engine) Events(ctx context.Context, threadID string) ([]AuditEvent, error) {
	return engine.store.GetEvents(ctx, threadID)
}

// syncRegistry pushes correlation keys the state has learned into the
// registry, so later external events can find the thread by them.
func (engine *Engine) syncRegistry(ctx context.Context, threadID string, doc StateDocument) {
	keys := ThreadKeys{
		ClientEmail:    doc.ClientEmail,
		OrganizationID: doc.OrganizationID,
		EnvelopeID:     doc.EnvelopeID,
	}
	if keys.Empty() {
		return
	}

	if err := engine.store.UpdateThreadKeys(ctx, threadID, keys); err != nil {
		log.Printf("registry update failed: thread=%s: %v", threadID, err)
	}
}

// audit is best-effort: a failed write goes to the secondary log channel
// and the thread proceeds regardless.
func (engine *Engine) audit(ctx context.Context, threadID, stepName, eventType string, actor Actor, payload any) {
	if err := engine.store.LogEvent(ctx, threadID, stepName, eventType, actor, payload); err != nil {
		log.Printf("audit log failed: thread=%s event=%s: %v", threadID, eventType, err)
	}
}

func (engine *Engine) acquireLock(threadID string) *threadLock {
	engine.mu.Lock()
	lock, ok := engine.locks[threadID]
	if !ok {
		lock = &threadLock{}
		engine.locks[threadID] = lock
	}
	lock.refs++
	engine.mu.Unlock()

	lock.mu.Lock()

	return lock
}

func (engine *Engine) releaseLock(threadID string, lock *threadLock) {
	lock.mu.Unlock()

	engine.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(engine.locks, threadID)
	}
	engine.mu.Unlock()
}
