package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hookq/hookq/internal/domain"
)

const completedMessage = "Action completed successfully"

// Store implements repository.ActionStore on database/sql. Every
// multi-statement operation runs inside one transaction; on abort the
// database rolls back and the job keeps its prior state.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "action_store"),
		now:     time.Now,
	}
}

// unavailable tags err with domain.ErrStoreUnavailable so callers can
// tell connection trouble from contract errors.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(err, domain.ErrStoreUnavailable))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const jobColumns = `id, action, callback, payload, status, priority, recurring,
	signature, scheduled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Action, &j.Callback, &j.Payload, &j.Status, &j.Priority,
		&j.Recurring, &j.Signature, &j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// InsertBatch writes jobs as pending. Before inserting it looks up
// existing signatures whose status is not yet completed and whose
// created_at falls inside the dedupe window; colliding inputs are
// dropped silently, as are duplicates within the batch itself.
func (s *Store) InsertBatch(ctx context.Context, jobs []*domain.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("insert batch: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	sigs := make([]any, 0, len(jobs)+1)
	for _, j := range jobs {
		sigs = append(sigs, j.Signature)
	}
	sigs = append(sigs, now-domain.DedupeWindowSec)

	query := s.dialect.rebind(fmt.Sprintf(
		`SELECT signature FROM actions
		 WHERE signature IN (%s)
		   AND status IN ('pending', 'running')
		   AND created_at > ?`, placeholders(len(jobs))))
	rows, err := tx.QueryContext(ctx, query, sigs...)
	if err != nil {
		return 0, unavailable("insert batch: dedupe lookup", err)
	}
	seen := make(map[int64]bool)
	for rows.Next() {
		var sig int64
		if err := rows.Scan(&sig); err != nil {
			rows.Close()
			return 0, fmt.Errorf("insert batch: scan signature: %w", err)
		}
		seen[sig] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, unavailable("insert batch: dedupe lookup", err)
	}

	insert := s.dialect.rebind(
		`INSERT INTO actions
			(action, callback, payload, status, priority, recurring,
			 signature, scheduled_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	inserted := 0
	for _, j := range jobs {
		if seen[j.Signature] {
			continue
		}
		seen[j.Signature] = true

		scheduledAt := j.ScheduledAt
		if scheduledAt == 0 {
			scheduledAt = now
		}
		_, err := tx.ExecContext(ctx, insert,
			j.Action, j.Callback, j.Payload, domain.StatusPending,
			domain.ClampPriority(j.Priority), j.Recurring, j.Signature,
			scheduledAt, now,
		)
		if err != nil {
			return 0, unavailable("insert batch: insert", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("insert batch: commit", err)
	}
	return inserted, nil
}

// ClaimBatch selects up to limit due pending rows under the dialect's
// lock clause and flips them to running, all in one transaction. An
// empty result commits cleanly.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("claim batch: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.dialect.rebind(
		`SELECT `+jobColumns+`
		 FROM actions
		 WHERE status = 'pending' AND scheduled_at <= ?
		 ORDER BY priority DESC, scheduled_at ASC
		 LIMIT ?`) + s.dialect.lockClause()

	rows, err := tx.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, unavailable("claim batch: select", err)
	}
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim batch: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("claim batch: select", err)
	}

	if len(jobs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, unavailable("claim batch: commit", err)
		}
		return nil, nil
	}

	ids := make([]any, 0, len(jobs)+1)
	ids = append(ids, now)
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	update := s.dialect.rebind(fmt.Sprintf(
		`UPDATE actions SET status = 'running', updated_at = ?
		 WHERE id IN (%s)`, placeholders(len(jobs))))
	if _, err := tx.ExecContext(ctx, update, ids...); err != nil {
		return nil, unavailable("claim batch: update", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("claim batch: commit", err)
	}

	for _, j := range jobs {
		j.Status = domain.StatusRunning
		ts := now
		j.UpdatedAt = &ts
	}
	return jobs, nil
}

// CompleteBatch marks ids completed and appends one log row per id.
// An empty id list is a no-op returning success.
func (s *Store) CompleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("complete batch: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	update := s.dialect.rebind(fmt.Sprintf(
		`UPDATE actions SET status = 'completed', updated_at = ?
		 WHERE id IN (%s)`, placeholders(len(ids))))
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return unavailable("complete batch: update", err)
	}

	insert := s.dialect.rebind(
		`INSERT INTO action_logs (action_id, status, message, created_at)
		 VALUES (?, ?, ?, ?)`)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, insert, id, domain.StatusCompleted, completedMessage, now); err != nil {
			return unavailable("complete batch: log", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("complete batch: commit", err)
	}
	return nil
}

// FailBatch marks the given jobs failed, logging the serialised error
// payload for each.
func (s *Store) FailBatch(ctx context.Context, failures map[int64]string) error {
	if len(failures) == 0 {
		return nil
	}
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("fail batch: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := s.dialect.rebind(
		`UPDATE actions SET status = 'failed', updated_at = ? WHERE id = ?`)
	insert := s.dialect.rebind(
		`INSERT INTO action_logs (action_id, status, message, created_at)
		 VALUES (?, ?, ?, ?)`)

	for id, message := range failures {
		if _, err := tx.ExecContext(ctx, update, now, id); err != nil {
			return unavailable("fail batch: update", err)
		}
		if _, err := tx.ExecContext(ctx, insert, id, domain.StatusFailed, message, now); err != nil {
			return unavailable("fail batch: log", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("fail batch: commit", err)
	}
	return nil
}

// ReleaseBatch flips running rows back to pending so another worker can
// claim them. No log row is written.
func (s *Store) ReleaseBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.now().Unix()

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	query := s.dialect.rebind(fmt.Sprintf(
		`UPDATE actions SET status = 'pending', updated_at = ?
		 WHERE id IN (%s) AND status = 'running'`, placeholders(len(ids))))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return unavailable("release batch", err)
	}
	return nil
}

// RetryStale reverts running rows whose updated_at predates the timeout
// back to pending. Idempotent: a second call with no intervening claim
// recovers nothing.
func (s *Store) RetryStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.now().Unix()
	cutoff := now - int64(timeout.Seconds())

	query := s.dialect.rebind(
		`UPDATE actions SET status = 'pending', updated_at = ?
		 WHERE status = 'running' AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, query, now, cutoff)
	if err != nil {
		return 0, unavailable("retry stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry stale: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	query := s.dialect.rebind(`SELECT ` + jobColumns + ` FROM actions WHERE id = ?`)
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	query := s.dialect.rebind(`SELECT COUNT(*) FROM actions WHERE status = ?`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, status).Scan(&n); err != nil {
		return 0, unavailable("count by status", err)
	}
	return n, nil
}

func (s *Store) Logs(ctx context.Context, actionID int64) ([]*domain.JobLog, error) {
	query := s.dialect.rebind(
		`SELECT id, action_id, status, message, created_at
		 FROM action_logs WHERE action_id = ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, actionID)
	if err != nil {
		return nil, unavailable("list logs", err)
	}
	defer rows.Close()

	var logs []*domain.JobLog
	for rows.Next() {
		var l domain.JobLog
		if err := rows.Scan(&l.ID, &l.ActionID, &l.Status, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("list logs: scan: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// PruneLogs deletes log rows older than the retention horizon. Wired as
// the maintenance.prune_logs recurring action.
func (s *Store) PruneLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Unix() - int64(olderThan.Seconds())
	query := s.dialect.rebind(`DELETE FROM action_logs WHERE created_at < ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, unavailable("prune logs", err)
	}
	return res.RowsAffected()
}
