package sqlstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookq/hookq/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(db, DialectSQLite, logger)

	current := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return current }
	return s, &current
}

func testJob(action string, priority int, scheduledAt int64, n int) *domain.Job {
	payload := []byte(fmt.Sprintf(`{"n":%d}`, n))
	callback := "github.com/example/app.Handle"
	return &domain.Job{
		Action:      action,
		Callback:    callback,
		Payload:     payload,
		Priority:    priority,
		Signature:   domain.Signature(action, callback, payload),
		ScheduledAt: scheduledAt,
	}
}

func TestInsertBatchDedupeWindow(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	j := testJob("user.signup", 10, 0, 1)

	// identical signature twice in one batch: one row
	n, err := s.InsertBatch(ctx, []*domain.Job{j, testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a second call inside the window collides with the pending row
	n, err = s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// outside the window the duplicate is allowed again
	*clock = clock.Add((domain.DedupeWindowSec + 1) * time.Second)
	n, err = s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.CountByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestInsertBatchCompletedRowsDoNotBlock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)

	jobs, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, s.CompleteBatch(ctx, []int64{jobs[0].ID}))

	// the completed copy is no longer inside the dedupe scope
	n, err := s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertBatchClampsAndDefaults(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	n, err := s.InsertBatch(ctx, []*domain.Job{testJob("order.created", 9000, 0, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	jobs, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.MaxPriority, jobs[0].Priority)
	assert.Equal(t, clock.Unix(), jobs[0].ScheduledAt)
}

func TestClaimBatchOrderAndTransition(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	var jobs []*domain.Job
	for i := 1; i <= 30; i++ {
		jobs = append(jobs, testJob("work.item", i, clock.Unix(), i))
	}
	n, err := s.InsertBatch(ctx, jobs)
	require.NoError(t, err)
	require.Equal(t, 30, n)

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 10)

	// priority DESC within the batch
	for i := 0; i < len(claimed)-1; i++ {
		assert.GreaterOrEqual(t, claimed[i].Priority, claimed[i+1].Priority)
	}
	assert.Equal(t, 30, claimed[0].Priority)
	assert.Equal(t, 21, claimed[9].Priority)

	for _, j := range claimed {
		assert.Equal(t, domain.StatusRunning, j.Status)
		require.NotNil(t, j.UpdatedAt)
		assert.Equal(t, clock.Unix(), *j.UpdatedAt)
	}

	running, err := s.CountByStatus(ctx, domain.StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, 10, running)

	// a second claim never sees running rows
	second, err := s.ClaimBatch(ctx, 30)
	require.NoError(t, err)
	assert.Len(t, second, 20)
}

func TestClaimBatchConcurrentWorkersDisjoint(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	var jobs []*domain.Job
	for i := 1; i <= 100; i++ {
		jobs = append(jobs, testJob("work.item", 1+i%200, clock.Unix(), i))
	}
	n, err := s.InsertBatch(ctx, jobs)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	// several workers drain the table together; every job must be
	// delivered to exactly one of them
	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(ctx, 10)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				ids := make([]int64, 0, len(batch))
				for _, j := range batch {
					ids = append(ids, j.ID)
				}
				if !assert.NoError(t, s.CompleteBatch(ctx, ids)) {
					return
				}
				mu.Lock()
				claimed = append(claimed, ids...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 100)
	seen := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		assert.False(t, seen[id], "job %d delivered twice", id)
		seen[id] = true
	}

	done, err := s.CountByStatus(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 100, done)
	pending, err := s.CountByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestClaimBatchSkipsFutureJobs(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{
		testJob("work.item", 10, clock.Unix()+600, 1),
	})
	require.NoError(t, err)

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	*clock = clock.Add(601 * time.Second)
	claimed, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestCompleteBatchWritesLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	claimed, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	require.NoError(t, s.CompleteBatch(ctx, []int64{id}))

	job, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status)

	logs, err := s.Logs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.StatusCompleted, logs[0].Status)
	require.NotNil(t, logs[0].Message)
	assert.Equal(t, "Action completed successfully", *logs[0].Message)

	// empty id list is a successful no-op
	assert.NoError(t, s.CompleteBatch(ctx, nil))
}

func TestFailBatchWritesLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	claimed, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	id := claimed[0].ID

	require.NoError(t, s.FailBatch(ctx, map[int64]string{id: `{"message":"boom"}`}))

	job, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)

	logs, err := s.Logs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Message)
	assert.Contains(t, *logs[0].Message, "boom")
}

func TestReleaseBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{testJob("work.item", 10, 0, 1)})
	require.NoError(t, err)
	claimed, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	id := claimed[0].ID

	require.NoError(t, s.ReleaseBatch(ctx, []int64{id}))

	job, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)

	// released rows carry no log
	logs, err := s.Logs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// claimable again
	again, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, id, again[0].ID)
}

func TestRetryStaleIdempotent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{testJob("work.item", 10, 0, 1)})
	require.NoError(t, err)
	claimed, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	id := claimed[0].ID

	// not yet stale
	n, err := s.RetryStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	*clock = clock.Add(3700 * time.Second)
	n, err = s.RetryStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
	require.NotNil(t, job.UpdatedAt)
	assert.Equal(t, clock.Unix(), *job.UpdatedAt)

	// second call with no intervening claim recovers nothing
	n, err = s.RetryStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneLogs(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []*domain.Job{testJob("user.signup", 10, 0, 1)})
	require.NoError(t, err)
	claimed, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	id := claimed[0].ID
	require.NoError(t, s.CompleteBatch(ctx, []int64{id}))

	// inside retention: nothing pruned
	n, err := s.PruneLogs(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	*clock = clock.Add(40 * 24 * time.Hour)
	n, err = s.PruneLogs(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	logs, err := s.Logs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestGetByIDNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetByID(context.Background(), 424242)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
