// Command outbox-sweeper runs the retention sweeper as its own process,
// so row deletion never competes with serving traffic for pool capacity.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/config"
	"github.com/veloplane/tenantkit/internal/db"
	"github.com/veloplane/tenantkit/internal/housekeeping"
	"github.com/veloplane/tenantkit/internal/metrics"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "tenantkit-sweeper").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	met := metrics.New(prometheus.NewRegistry())
	sweeper := housekeeping.NewSweeper(pool, housekeeping.Config{
		Interval:  cfg.SweepInterval,
		Retention: cfg.SweepRetention,
		BatchSize: cfg.SweepBatchSize,
	}, met)

	sweeper.Run(ctx)
}
