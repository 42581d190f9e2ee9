package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookq/hookq/config"
	"github.com/hookq/hookq/internal/cache"
	"github.com/hookq/hookq/internal/dispatch"
	"github.com/hookq/hookq/internal/health"
	ctxlog "github.com/hookq/hookq/internal/log"
	"github.com/hookq/hookq/internal/metrics"
	"github.com/hookq/hookq/internal/registry"
	"github.com/hookq/hookq/internal/storage/sqlstore"
	httptransport "github.com/hookq/hookq/internal/transport/http"
	"github.com/hookq/hookq/internal/transport/http/handler"
	"github.com/hookq/hookq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	db, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	metrics.Register()
	checker := health.NewChecker(db, logger, prometheus.DefaultRegisterer)

	store := sqlstore.New(db, sqlstore.DialectForDriver(cfg.DatabaseDriver), logger)
	reg := registry.New()
	ttl := cache.NewMemory()

	spawner := dispatch.NewSpawner(cfg.WorkerURL, cfg.ActionKey, logger)
	dispatcher := dispatch.New(reg, store, ttl, spawner, logger, dispatch.Config{
		BatchInterval: cfg.BatchInterval(),
	})
	w := worker.New(store, reg, ttl, logger, worker.Config{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout(),
		MaxExecution: cfg.MaxExecution(),
	})

	registerMaintenance(ctx, dispatcher, store, cfg, logger)

	runHandler := handler.NewRunHandler(w, cfg.ActionKey, cfg.ActionSecret, logger)
	router := httptransport.NewRouter(logger, runHandler, checker, dispatcher)

	srv := http.Server{Addr: ":" + cfg.Port, Handler: router}
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dispatcher.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

// registerMaintenance wires the queue's own upkeep: a recurring deferred
// job that prunes old action_logs rows.
func registerMaintenance(ctx context.Context, d *dispatch.Dispatcher, store *sqlstore.Store, cfg *config.Config, logger *slog.Logger) {
	pruneLogs := func(ctx context.Context, args json.RawMessage) error {
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
	}
	d.RegisterClosure("maintenance.prune_logs", pruneLogs)

	args := map[string]int{"retention_days": cfg.LogRetentionDays}
	if err := d.ScheduleOnce(ctx, "maintenance.prune_logs", pruneLogs, args, 1, "", "86400"); err != nil {
		logger.Error("schedule log pruning", "error", err)
		return
	}
	if err := d.Flush(ctx); err != nil {
		logger.Error("flush maintenance jobs", "error", err)
	}
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
