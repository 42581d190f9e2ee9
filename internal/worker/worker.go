// Package worker pulls batches of claimed jobs from the store, executes
// them through the callback registry, records outcomes and reschedules
// recurring work.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/hookq/hookq/internal/cache"
	"github.com/hookq/hookq/internal/domain"
	"github.com/hookq/hookq/internal/metrics"
	"github.com/hookq/hookq/internal/registry"
	"github.com/hookq/hookq/internal/repository"
	"github.com/hookq/hookq/internal/schedule"
)

// RetryCacheKey throttles stale recovery to once per batch timeout.
const RetryCacheKey = "actions_retry"

// maxSoftDeadline caps the per-run wall clock even when the host allows
// longer executions.
const maxSoftDeadline = 30 * time.Minute

type Config struct {
	BatchSize    int           // rows claimed per transaction
	BatchTimeout time.Duration // stale-job recovery horizon
	MaxExecution time.Duration // host-imposed execution cap
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Hour
	}
	if c.MaxExecution <= 0 {
		c.MaxExecution = maxSoftDeadline
	}
	return c
}

// softDeadline is min(maxExecution, 30 min) − 5 s: the worker stops
// claiming and releases unprocessed jobs before the host kills it.
func (c Config) softDeadline() time.Duration {
	d := c.MaxExecution
	if d > maxSoftDeadline {
		d = maxSoftDeadline
	}
	return d - 5*time.Second
}

type Worker struct {
	store    repository.ActionStore
	registry *registry.Registry
	cache    cache.Cache
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

func New(store repository.ActionStore, reg *registry.Registry, c cache.Cache, logger *slog.Logger, cfg Config) *Worker {
	return &Worker{
		store:    store,
		registry: reg,
		cache:    c,
		logger:   logger.With("component", "worker"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Run is one worker invocation: recover stale jobs if due, then loop
// claiming batches until the table is drained or the soft deadline
// passes. Jobs claimed but not started by the deadline are released.
func (w *Worker) Run(ctx context.Context) error {
	start := w.now()
	deadline := w.cfg.softDeadline()

	w.maybeRetryStale(ctx)

	for w.now().Sub(start) < deadline {
		jobs, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(jobs) == 0 {
			break
		}
		metrics.JobsClaimedTotal.Add(float64(len(jobs)))

		for i, job := range jobs {
			if w.now().Sub(start) >= deadline {
				remaining := make([]int64, 0, len(jobs)-i)
				for _, j := range jobs[i:] {
					remaining = append(remaining, j.ID)
				}
				if err := w.store.ReleaseBatch(ctx, remaining); err != nil {
					return fmt.Errorf("release at deadline: %w", err)
				}
				metrics.JobsReleasedTotal.Add(float64(len(remaining)))
				w.logger.Info("soft deadline reached, released remaining jobs", "count", len(remaining))
				return nil
			}
			w.runJob(ctx, job)
		}
	}
	return nil
}

// maybeRetryStale runs stale recovery at most once per batch timeout,
// coordinated across workers through the cache.
func (w *Worker) maybeRetryStale(ctx context.Context) {
	ts := strconv.FormatInt(w.now().Unix(), 10)
	if !w.cache.Add(RetryCacheKey, ts, w.cfg.BatchTimeout) {
		return
	}
	n, err := w.store.RetryStale(ctx, w.cfg.BatchTimeout)
	if err != nil {
		// hand the throttle back so the next run retries instead of
		// waiting out the TTL
		w.cache.Delete(RetryCacheKey)
		w.logger.Warn("retry stale", "error", err)
		return
	}
	if n > 0 {
		metrics.StaleRetriedTotal.Add(float64(n))
		w.logger.Info("recovered stale jobs", "count", n)
	}
}

// runJob executes one claimed job and records the outcome. A handler
// error fails that one job only, never the batch.
func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	started := w.now()
	err := w.invoke(ctx, job)
	elapsed := w.now().Sub(started)

	if err != nil {
		metrics.JobExecutionDuration.WithLabelValues("failure").Observe(elapsed.Seconds())
		metrics.JobsFinishedTotal.WithLabelValues("failed").Inc()
		w.fail(ctx, job, err)
		return
	}

	// Compute the next run before completing so a bad recurring rule
	// fails the job instead of leaving it completed without a successor.
	var next int64
	if job.Recurring != "" {
		next, err = schedule.NextRun(job.ScheduledAt, job.Recurring, w.now().Unix())
		if err != nil {
			metrics.JobsFinishedTotal.WithLabelValues("failed").Inc()
			w.fail(ctx, job, fmt.Errorf("reschedule: %w", err))
			return
		}
	}

	if err := w.store.CompleteBatch(ctx, []int64{job.ID}); err != nil {
		w.logger.Error("complete job", "job_id", job.ID, "error", err)
		return
	}
	metrics.JobExecutionDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	metrics.JobsFinishedTotal.WithLabelValues("completed").Inc()

	if job.Recurring != "" {
		clone := &domain.Job{
			Action:      job.Action,
			Callback:    job.Callback,
			Payload:     job.Payload,
			Status:      domain.StatusPending,
			Priority:    job.Priority,
			Recurring:   job.Recurring,
			Signature:   job.Signature,
			ScheduledAt: next,
		}
		if _, err := w.store.InsertBatch(ctx, []*domain.Job{clone}); err != nil {
			w.logger.Error("reschedule recurring job", "job_id", job.ID, "error", err)
		}
	}
}

// invoke resolves the job's handler and runs it. Panics are recovered
// into errors carrying the stack.
func (w *Worker) invoke(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	if job.Callback == domain.ClosureKey {
		var box domain.ClosureBox
		if err := json.Unmarshal(job.Payload, &box); err != nil {
			return fmt.Errorf("decode closure box: %w", err)
		}
		h, ok := w.registry.ResolveClosure(box.Name)
		if !ok {
			return fmt.Errorf("closure %q: %w", box.Name, domain.ErrHandlerNotFound)
		}
		return h(ctx, box.Args)
	}

	h, ok := w.registry.Lookup(job.Action, job.Callback)
	if !ok {
		return fmt.Errorf("callback %q for action %q: %w", job.Callback, job.Action, domain.ErrHandlerNotFound)
	}
	return h(ctx, json.RawMessage(job.Payload))
}

// fail records the serialised failure report for one job.
func (w *Worker) fail(ctx context.Context, job *domain.Job, cause error) {
	report := domain.FailureReport{
		Message:  cause.Error(),
		FailedAt: w.now().Unix(),
	}
	var pe *panicError
	if errors.As(cause, &pe) {
		report.Trace = string(pe.stack)
	}
	msg, err := json.Marshal(report)
	if err != nil {
		msg = []byte(cause.Error())
	}
	if err := w.store.FailBatch(ctx, map[int64]string{job.ID: string(msg)}); err != nil {
		w.logger.Error("fail job", "job_id", job.ID, "error", err)
		return
	}
	w.logger.Warn("job failed", "job_id", job.ID, "action", job.Action, "error", cause)
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}
