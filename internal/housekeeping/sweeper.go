// Package housekeeping removes rows that have served their purpose:
// published outbox entries past retention, expired dedupe records, and
// expired idempotency snapshots. Deletes run in bounded batches so a
// backlog never turns into one long table lock.
package housekeeping

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/metrics"
)

// Config tunes the sweeper.
type Config struct {
	Interval  time.Duration // time between sweep passes
	Retention time.Duration // how long published outbox rows are kept
	BatchSize int           // max rows deleted per statement
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Minute,
		Retention: 7 * 24 * time.Hour,
		BatchSize: 10000,
	}
}

// Sweeper deletes aged rows on a fixed interval.
type Sweeper struct {
	DB  *pgxpool.Pool
	Cfg Config
	Met *metrics.Metrics

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewSweeper wires a sweeper with defaults filled in.
func NewSweeper(db *pgxpool.Pool, cfg Config, met *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if met == nil {
		met = metrics.NewNop()
	}
	return &Sweeper{DB: db, Cfg: cfg, Met: met, Now: time.Now}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	log.Ctx(ctx).Info().
		Dur("interval", s.Cfg.Interval).
		Dur("retention", s.Cfg.Retention).
		Int("batch_size", s.Cfg.BatchSize).
		Msg("sweeper started")

	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.Cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over all three tables. Each table drains in
// batches until a batch comes back smaller than the limit.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.Now()
	cutoff := now.Add(-s.Cfg.Retention)

	s.drain(ctx, "outbox", `
		DELETE FROM outbox
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'PUBLISHED' AND published_at < $1
			LIMIT $2
		)
	`, cutoff)

	s.drain(ctx, "dedupe_event", `
		DELETE FROM dedupe_event
		WHERE (tenant_id, event_id, version) IN (
			SELECT tenant_id, event_id, version FROM dedupe_event
			WHERE expires_at < $1
			LIMIT $2
		)
	`, now)

	s.drain(ctx, "idempotency_record", `
		DELETE FROM idempotency_record
		WHERE (tenant_id, request_key) IN (
			SELECT tenant_id, request_key FROM idempotency_record
			WHERE expires_at < $1
			LIMIT $2
		)
	`, now)
}

func (s *Sweeper) drain(ctx context.Context, table, sql string, boundary time.Time) {
	total := int64(0)
	for {
		tag, err := s.DB.Exec(ctx, sql, boundary, s.Cfg.BatchSize)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("table", table).Msg("sweep batch failed")
			return
		}
		n := tag.RowsAffected()
		total += n
		s.Met.SweptRows.WithLabelValues(table).Add(float64(n))
		if n < int64(s.Cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		log.Ctx(ctx).Info().Str("table", table).Int64("rows", total).Msg("swept aged rows")
	}
}
