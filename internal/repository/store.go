package repository

import (
	"context"
	"time"

	"github.com/hookq/hookq/internal/domain"
)

// ActionStore is the durable side of the queue. The dispatcher and the
// worker depend on this interface, not on a concrete database, so tests
// can run against SQLite while production runs Postgres.
type ActionStore interface {
	// InsertBatch writes jobs as pending, silently dropping any whose
	// signature collides with a non-completed row created within the
	// dedupe window. Returns the number actually inserted.
	InsertBatch(ctx context.Context, jobs []*domain.Job) (int, error)

	// ClaimBatch transactionally selects up to limit due pending rows,
	// ordered by priority DESC then scheduled_at ASC, and flips them to
	// running. The lock clause depends on the backend dialect.
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error)

	// CompleteBatch marks ids completed and appends one log row per id.
	CompleteBatch(ctx context.Context, ids []int64) error

	// FailBatch marks the keys of failures failed, logging each message.
	FailBatch(ctx context.Context, failures map[int64]string) error

	// ReleaseBatch flips running rows back to pending. No log row.
	ReleaseBatch(ctx context.Context, ids []int64) error

	// RetryStale reverts running rows untouched for longer than timeout
	// back to pending. Returns the number of rows recovered.
	RetryStale(ctx context.Context, timeout time.Duration) (int, error)

	GetByID(ctx context.Context, id int64) (*domain.Job, error)
	CountByStatus(ctx context.Context, status domain.Status) (int, error)
	Logs(ctx context.Context, actionID int64) ([]*domain.JobLog, error)

	// PruneLogs deletes log rows older than the retention horizon.
	PruneLogs(ctx context.Context, olderThan time.Duration) (int64, error)
}
