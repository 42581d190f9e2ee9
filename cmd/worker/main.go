// worker runs the batch loop as a resident process for deployments that
// prefer a standing worker over HTTP-spawned ones. Handlers executed
// here must be registered below, the same way the server registers them.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/hookq/hookq/config"
	"github.com/hookq/hookq/internal/cache"
	ctxlog "github.com/hookq/hookq/internal/log"
	"github.com/hookq/hookq/internal/metrics"
	"github.com/hookq/hookq/internal/registry"
	"github.com/hookq/hookq/internal/storage/sqlstore"
	"github.com/hookq/hookq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	metrics.Register()

	store := sqlstore.New(db, sqlstore.DialectForDriver(cfg.DatabaseDriver), logger)
	reg := registry.New()
	registerHandlers(reg, store, logger)

	w := worker.New(store, reg, cache.NewMemory(), logger, worker.Config{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout(),
		MaxExecution: cfg.MaxExecution(),
	})

	logger.Info("worker started", "batch_size", cfg.BatchSize, "interval", cfg.BatchInterval())

	ticker := time.NewTicker(cfg.BatchInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shut down")
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				logger.Error("worker run", "error", err)
			}
		}
	}
}

// registerHandlers binds every handler this deployment executes. Keep in
// sync with the server's registrations.
func registerHandlers(reg *registry.Registry, store *sqlstore.Store, logger *slog.Logger) {
	reg.RegisterClosure("maintenance.prune_logs", func(ctx context.Context, args json.RawMessage) error {
		var p struct {
			RetentionDays int `json:"retention_days"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return err
		}
		n, err := store.PruneLogs(ctx, time.Duration(p.RetentionDays)*24*time.Hour)
		if err != nil {
			return err
		}
		logger.Info("pruned action logs", "count", n)
		return nil
	})

	// jobs inserted by cmd/seed
	reg.RegisterClosure("seed.echo", func(_ context.Context, args json.RawMessage) error {
		logger.Info("seed echo", "args", string(args))
		return nil
	})
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
