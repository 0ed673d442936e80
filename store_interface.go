package leadflow

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the durable layer: append-only checkpoints, the correlation
// registry, and the append-only audit trail. Single-thread checkpoint
// ordering is enforced by the engine's per-thread lock, not by the store;
// the store only guarantees that different threads do not interfere.
type Store interface {
	// Checkpoints
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error)
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Correlation registry
	CreateThread(ctx context.Context, entry *ThreadEntry) error
	GetThread(ctx context.Context, threadID string) (*ThreadEntry, error)
	FindThread(ctx context.Context, criteria ThreadCriteria) (*ThreadEntry, error)
	UpdateThreadKeys(ctx context.Context, threadID string, keys ThreadKeys) error
	MarkThreadCompleted(ctx context.Context, threadID string) error
	MarkRemindersExhausted(ctx context.Context, threadID string) error
	ListActiveThreads(ctx context.Context) ([]ThreadEntry, error)

	// Audit trail
	LogEvent(ctx context.Context, threadID, stepName, eventType string, actor Actor, payload any) error
	GetEvents(ctx context.Context, threadID string) ([]AuditEvent, error)
}

// Tx is the query executor shared by pgxpool.Pool and pgx.Tx, so store
// methods run against whichever the context carries.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type TxManager interface {
	ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error
}
