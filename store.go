package leadflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*StoreImpl)(nil)

type StoreImpl struct {
	db Tx
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: pool}
}

func (store *StoreImpl) AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error) {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO leadflow.checkpoints (thread_id, seq, state, next_step, awaiting_input, prompt, done, created_at)
VALUES ($1,
	COALESCE((SELECT MAX(seq) FROM leadflow.checkpoints WHERE thread_id = $1), 0) + 1,
	$2, $3, $4, $5, $6, $7)
RETURNING seq, created_at`

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	err = executor.QueryRow(ctx, query,
		cp.ThreadID, stateJSON, cp.NextStep, cp.AwaitingInput, cp.Prompt, cp.Done, time.Now(),
	).Scan(&cp.Seq, &cp.CreatedAt)
	if err != nil {
		return 0, err
	}

	return cp.Seq, nil
}

func (store *StoreImpl) LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT thread_id, seq, state, next_step, awaiting_input, prompt, done, created_at
FROM leadflow.checkpoints
WHERE thread_id = $1
ORDER BY seq DESC
LIMIT 1`

	cp, err := scanCheckpoint(executor.QueryRow(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return cp, nil
}

func (store *StoreImpl) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT thread_id, seq, state, next_step, awaiting_input, prompt, done, created_at
FROM leadflow.checkpoints
WHERE thread_id = $1
ORDER BY seq`

	rows, err := executor.Query(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}

		checkpoints = append(checkpoints, *cp)
	}

	return checkpoints, rows.Err()
}

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
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

func (store *StoreImpl) CreateThread(ctx context.Context, entry *ThreadEntry) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO leadflow.threads (id, client_email, organization_id, envelope_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
RETURNING created_at, updated_at`

	err := executor.QueryRow(ctx, query,
		entry.ID, entry.ClientEmail, entry.OrganizationID, entry.EnvelopeID,
		ThreadStatusActive, time.Now(),
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCorrelation
		}

		return err
	}

	entry.Status = ThreadStatusActive

	return nil
}

func (store *StoreImpl) GetThread(ctx context.Context, threadID string) (*ThreadEntry, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at
FROM leadflow.threads
WHERE id = $1`

	entry, err := scanThread(executor.QueryRow(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return entry, nil
}

func (store *StoreImpl) FindThread(ctx context.Context, criteria ThreadCriteria) (*ThreadEntry, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at
FROM leadflow.threads
WHERE status = 'active'
  AND (($1 <> '' AND client_email = $1)
	OR ($2 <> '' AND organization_id = $2)
	OR ($3 <> '' AND envelope_id = $3))
ORDER BY created_at
LIMIT 1`

	entry, err := scanThread(executor.QueryRow(ctx, query,
		criteria.Email, criteria.OrganizationID, criteria.EnvelopeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}

	return entry, nil
}

func scanThread(row pgx.Row) (*ThreadEntry, error) {
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

func (store *StoreImpl) UpdateThreadKeys(ctx context.Context, threadID string, keys ThreadKeys) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE leadflow.threads
SET client_email    = CASE WHEN $2 <> '' THEN $2 ELSE client_email END,
	organization_id = CASE WHEN $3 <> '' THEN $3 ELSE organization_id END,
	envelope_id     = CASE WHEN $4 <> '' THEN $4 ELSE envelope_id END,
	updated_at      = $5
WHERE id = $1`

	tag, err := executor.Exec(ctx, query,
		threadID, keys.ClientEmail, keys.OrganizationID, keys.EnvelopeID, time.Now())
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrEntityNotFound
	}

	return nil
}

func (store *StoreImpl) MarkThreadCompleted(ctx context.Context, threadID string) error {
	return store.setThreadFlag(ctx, threadID, `status = 'completed'`)
}

func (store *StoreImpl) MarkRemindersExhausted(ctx context.Context, threadID string) error {
	return store.setThreadFlag(ctx, threadID, `reminders_exhausted = TRUE`)
}

func (store *StoreImpl) setThreadFlag(ctx context.Context, threadID, assignment string) error {
	executor := store.getExecutor(ctx)

	query := fmt.Sprintf(`UPDATE leadflow.threads SET %s, updated_at = $2 WHERE id = $1`, assignment)

	tag, err := executor.Exec(ctx, query, threadID, time.Now())
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrEntityNotFound
	}

	return nil
}

func (store *StoreImpl) ListActiveThreads(ctx context.Context) ([]ThreadEntry, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, client_email, organization_id, envelope_id, status, reminders_exhausted, created_at, updated_at
FROM leadflow.threads
WHERE status = 'active'
ORDER BY created_at`

	rows, err := executor.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ThreadEntry
	for rows.Next() {
		entry, err := scanThread(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}

func (store *StoreImpl) LogEvent(
	ctx context.Context,
	threadID, stepName, eventType string,
	actor Actor,
	payload any,
) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO leadflow.audit_events (thread_id, step_name, event_type, actor, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = executor.Exec(ctx, query, threadID, stepName, eventType, actor, payloadJSON, time.Now())

	return err
}

func (store *StoreImpl) GetEvents(ctx context.Context, threadID string) ([]AuditEvent, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, thread_id, step_name, event_type, actor, payload, created_at
FROM leadflow.audit_events
WHERE thread_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var event AuditEvent
		err := rows.Scan(
			&event.ID, &event.ThreadID, &event.StepName, &event.EventType,
			&event.Actor, &event.Payload, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (store *StoreImpl) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
