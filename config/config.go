package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port        string `env:"PORT" envDefault:"8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"pgx" validate:"oneof=pgx sqlite"`
	DatabaseURL    string `env:"DATABASE_URL,required" validate:"required"`

	// ActionKey signs the HMAC spawn key; ActionSecret is the shared
	// secret for the header-authenticated scheme.
	ActionKey    string `env:"ACTION_KEY" envDefault:"default"`
	ActionSecret string `env:"ACTION_SECRET"`

	BatchSize        int    `env:"BATCH_SIZE" envDefault:"10" validate:"min=1,max=1000"`
	BatchIntervalSec int    `env:"BATCH_INTERVAL_SEC" envDefault:"30" validate:"min=1"`
	BatchTimeoutSec  int    `env:"BATCH_TIMEOUT_SEC" envDefault:"7200" validate:"min=60"`
	MaxExecutionSec  int    `env:"MAX_EXECUTION_SEC" envDefault:"1800" validate:"min=10"`
	WorkerURL        string `env:"WORKER_URL" envDefault:"http://127.0.0.1:8080/actions/run" validate:"url"`

	LogRetentionDays int `env:"LOG_RETENTION_DAYS" envDefault:"30" validate:"min=1"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalSec) * time.Second
}

func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSec) * time.Second
}

func (c *Config) MaxExecution() time.Duration {
	return time.Duration(c.MaxExecutionSec) * time.Second
}
