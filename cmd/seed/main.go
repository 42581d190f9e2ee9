// seed inserts 100 pending demo jobs across the full priority range
// into the local dev database, for watching claim order and worker
// throughput. The jobs resolve to the "seed.echo" closure, which
// cmd/worker registers. Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/hookq/hookq/config"
	"github.com/hookq/hookq/internal/domain"
	"github.com/hookq/hookq/internal/storage/sqlstore"
)

const (
	seedAction  = "seed.echo"
	echoClosure = "seed.echo"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := sqlstore.New(db, sqlstore.DialectForDriver(cfg.DatabaseDriver), logger)

	jobs := make([]*domain.Job, 0, 100)
	for i := 1; i <= 100; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		box, _ := json.Marshal(domain.ClosureBox{Name: echoClosure, Args: payload})
		jobs = append(jobs, &domain.Job{
			Action:    seedAction,
			Callback:  domain.ClosureKey,
			Payload:   box,
			Priority:  i,
			Signature: domain.Signature(seedAction, domain.ClosureKey, box),
		})
	}

	inserted, err := store.InsertBatch(ctx, jobs)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	fmt.Printf("seeded %d jobs\n", inserted)
}
