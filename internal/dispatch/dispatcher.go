// Package dispatch is the user-facing surface of the queue: registering
// handlers, triggering actions, buffering deferred jobs, and the
// end-of-request flush/spawn protocol.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hookq/hookq/internal/cache"
	"github.com/hookq/hookq/internal/domain"
	"github.com/hookq/hookq/internal/metrics"
	"github.com/hookq/hookq/internal/registry"
	"github.com/hookq/hookq/internal/repository"
	"github.com/hookq/hookq/internal/schedule"
)

// SpawnCacheKey throttles worker spawns: at most one per batch interval.
const SpawnCacheKey = "actions_spawn"

// shutdownStaleHorizon is the recovery horizon for the opportunistic
// stale retry that runs on roughly 1 in 100 shutdowns.
const shutdownStaleHorizon = time.Hour

type Config struct {
	// BatchInterval is the minimum gap between worker spawns and the
	// TTL of the spawn-throttle cache entry.
	BatchInterval time.Duration
}

// Dispatcher buffers deferred jobs during a request and hands them to
// the store at flush time. It holds no ambient global state: the host
// signals the end of a request by calling Shutdown.
type Dispatcher struct {
	registry *registry.Registry
	store    repository.ActionStore
	cache    cache.Cache
	spawner  *Spawner
	logger   *slog.Logger
	cfg      Config

	now  func() time.Time
	roll func(n int) int // 1-in-n dice for the shutdown stale retry

	mu             sync.Mutex
	buf            []*domain.Job
	hasPendingJobs bool
}

func New(reg *registry.Registry, store repository.ActionStore, c cache.Cache, spawner *Spawner, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 30 * time.Second
	}
	return &Dispatcher{
		registry: reg,
		store:    store,
		cache:    c,
		spawner:  spawner,
		logger:   logger.With("component", "dispatcher"),
		cfg:      cfg,
		now:      time.Now,
		roll:     rand.Intn,
	}
}

// Register proxies to the callback registry.
func (d *Dispatcher) Register(action string, h registry.Handler, priority int, instant bool) error {
	_, err := d.registry.Register(action, h, priority, instant)
	return err
}

// RegisterClosure names a function literal so it can be deferred.
func (d *Dispatcher) RegisterClosure(name string, h registry.Handler) {
	d.registry.RegisterClosure(name, h)
}

// Trigger runs the instant handlers for action synchronously, in
// ascending priority order, then buffers one job per deferred handler.
// A handler error propagates to the caller; triggers do not swallow.
func (d *Dispatcher) Trigger(ctx context.Context, action string, args any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}

	for _, group := range d.registry.InstantGroups(action) {
		for _, e := range group.Entries {
			if err := e.Handler(ctx, raw); err != nil {
				return fmt.Errorf("instant handler %s: %w", e.Key, err)
			}
		}
	}

	now := d.now().Unix()
	var jobs []*domain.Job
	for _, group := range d.registry.DeferredGroups(action) {
		for _, e := range group.Entries {
			job, err := buildJob(action, e, raw, group.Priority, now, "")
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
	}
	if len(jobs) > 0 {
		d.buffer(jobs)
	}
	return nil
}

// ScheduleOnce buffers exactly one job for h, bypassing the registry.
// scheduledAt accepts unix seconds or a date string (empty means now);
// recurring is a decimal interval or a relative offset (empty means
// one-shot).
func (d *Dispatcher) ScheduleOnce(ctx context.Context, action string, h registry.Handler, args any, priority int, scheduledAt, recurring string) error {
	if len(action) > domain.MaxActionLen {
		return domain.ErrActionNameTooLong
	}
	now := d.now()
	at, err := schedule.ResolveScheduledAt(scheduledAt, now)
	if err != nil {
		return err
	}
	if err := schedule.ValidateRecurring(recurring, now); err != nil {
		return err
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}

	key := registry.KeyFor(h)
	entry := registry.Entry{Key: key, Handler: h}
	if registry.IsClosureKey(key) {
		name, ok := d.registry.ClosureName(h)
		if !ok {
			return domain.ErrClosureNotRegistered
		}
		entry.ClosureName = name
	} else if _, ok := d.registry.Lookup(action, key); !ok {
		// Make the handler resolvable when the job is executed in a
		// later process.
		if _, err := d.registry.Register(action, h, priority, false); err != nil {
			return err
		}
	}

	job, err := buildJob(action, entry, raw, priority, at, recurring)
	if err != nil {
		return err
	}
	d.buffer([]*domain.Job{job})
	return nil
}

func (d *Dispatcher) buffer(jobs []*domain.Job) {
	d.mu.Lock()
	d.buf = append(d.buf, jobs...)
	d.hasPendingJobs = true
	d.mu.Unlock()
	metrics.JobsBufferedTotal.Add(float64(len(jobs)))
}

// Flush writes the buffered jobs via InsertBatch, which applies the
// dedupe window. On store failure the jobs return to the buffer.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	jobs := d.buf
	d.buf = nil
	d.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}
	inserted, err := d.store.InsertBatch(ctx, jobs)
	if err != nil {
		d.mu.Lock()
		d.buf = append(jobs, d.buf...)
		d.mu.Unlock()
		return fmt.Errorf("flush: %w", err)
	}
	metrics.JobsInsertedTotal.Add(float64(inserted))
	return nil
}

// Shutdown is the request-ended hook. It opportunistically recovers
// stale jobs, flushes the buffer, and fires the spawn request that
// starts a worker after the response has gone out. At most one spawn
// goes out per batch interval.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	if d.roll(100) == 0 {
		if n, err := d.store.RetryStale(ctx, shutdownStaleHorizon); err != nil {
			d.logger.Warn("shutdown stale retry", "error", err)
		} else if n > 0 {
			d.logger.Info("shutdown stale retry recovered jobs", "count", n)
		}
	}

	d.mu.Lock()
	pending := d.hasPendingJobs
	empty := len(d.buf) == 0
	d.mu.Unlock()
	if empty && !pending {
		return
	}

	if err := d.Flush(ctx); err != nil {
		d.logger.Error("shutdown flush", "error", err)
		return
	}

	if !pending {
		return
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	if !d.cache.Add(SpawnCacheKey, ts, d.cfg.BatchInterval) {
		return // a spawn already went out this interval
	}
	d.spawner.Spawn(ctx)

	d.mu.Lock()
	d.hasPendingJobs = false
	d.mu.Unlock()
}

// HasPendingJobs reports whether this request produced deferred work.
func (d *Dispatcher) HasPendingJobs() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPendingJobs
}

func marshalArgs(args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("serialise args: %w", err)
	}
	if len(raw) > domain.MaxPayloadLen {
		return nil, domain.ErrPayloadTooLarge
	}
	return raw, nil
}

// buildJob turns one deferred registration into a bufferable row. For a
// registered closure the callback is the sentinel key and the payload
// carries the ClosureBox envelope.
func buildJob(action string, e registry.Entry, raw json.RawMessage, priority int, scheduledAt int64, recurring string) (*domain.Job, error) {
	callback := e.Key
	payload := []byte(raw)
	if registry.IsClosureKey(e.Key) {
		if e.ClosureName == "" {
			return nil, domain.ErrClosureNotRegistered
		}
		box, err := json.Marshal(domain.ClosureBox{Name: e.ClosureName, Args: raw})
		if err != nil {
			return nil, fmt.Errorf("serialise closure box: %w", err)
		}
		if len(box) > domain.MaxPayloadLen {
			return nil, domain.ErrPayloadTooLarge
		}
		callback = domain.ClosureKey
		payload = box
	}

	return &domain.Job{
		Action:      action,
		Callback:    callback,
		Payload:     payload,
		Status:      domain.StatusPending,
		Priority:    domain.ClampPriority(priority),
		Recurring:   recurring,
		Signature:   domain.Signature(action, callback, payload),
		ScheduledAt: scheduledAt,
	}, nil
}
