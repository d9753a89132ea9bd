package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/auth"
	"github.com/veloplane/tenantkit/internal/bus"
	"github.com/veloplane/tenantkit/internal/config"
	"github.com/veloplane/tenantkit/internal/consistency"
	"github.com/veloplane/tenantkit/internal/ctoken"
	"github.com/veloplane/tenantkit/internal/db"
	"github.com/veloplane/tenantkit/internal/dedupe"
	"github.com/veloplane/tenantkit/internal/httpapi"
	"github.com/veloplane/tenantkit/internal/idempotency"
	"github.com/veloplane/tenantkit/internal/intake"
	"github.com/veloplane/tenantkit/internal/metrics"
	"github.com/veloplane/tenantkit/internal/orders"
	"github.com/veloplane/tenantkit/internal/outbox"
	"github.com/veloplane/tenantkit/internal/watermark"
)

func main() {
	// Local overrides first; missing .env is the normal production case.
	_ = godotenv.Load()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "tenantkit").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	met := metrics.New(registry)

	signer := buildSigner(cfg)

	// Watermarks and the dedupe fast path move to Redis when an address is
	// configured; a single pod runs fine on the in-process stores.
	var marks watermark.Store = watermark.NewMemoryStore()
	var dedupeCache dedupe.Cache = dedupe.NewMemoryCache()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
		}
		marks = watermark.NewRedisStore(rdb, "")
		dedupeCache = dedupe.NewRedisCache(rdb, "")
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis-backed watermarks and dedupe cache")
	}

	engine := consistency.NewEngine(marks, signer, consistency.Config{
		TokenTTL:       cfg.TokenTTL,
		ClockSkew:      cfg.ClockSkew,
		RYWMaxWait:     cfg.RYWMaxWait,
		RYWInitialPoll: cfg.RYWInitialPoll,
		RYWMaxPoll:     cfg.RYWMaxPoll,
	}, met)

	dedupeEngine := dedupe.NewEngine(
		dedupe.NewPGStore(pool),
		dedupeCache,
		dedupe.StaticProvider{Policy: dedupe.Policy{
			MinAcceptedVersion: cfg.MinAcceptedVersion,
			ReplayWindow:       cfg.ReplayWindow,
			MaxFutureSkew:      cfg.MaxFutureSkew,
		}},
		dedupe.Config{TTL: cfg.DedupeTTL},
		met,
	)

	publisher := buildPublisher(ctx, cfg)
	defer closePublisher(publisher)

	outboxStore := outbox.NewPGStore(pool)
	drainer := outbox.NewDrainer(outboxStore, publisher, outbox.DrainerConfig{
		BatchSize:   cfg.OutboxBatchSize,
		Parallelism: cfg.OutboxParallelism,
		MaxAttempts: cfg.OutboxMaxAttempts,
		BaseBackoff: cfg.OutboxBaseBackoff,
		MaxBackoff:  cfg.OutboxMaxBackoff,
	}, met)
	scheduler := outbox.NewScheduler(drainer, outbox.SchedulerConfig{
		InitialDelay:     cfg.OutboxInitialDelay,
		Interval:         cfg.OutboxInterval,
		BurstBatches:     cfg.OutboxBurstBatches,
		MaxBurstDuration: cfg.OutboxMaxBurstDuration,
		IdleSleep:        cfg.OutboxIdleSleep,
	})
	scheduler.Start(ctx)

	srv := &httpapi.Server{
		Engine:       engine,
		Orders:       orders.NewPGService(pool, outboxStore, cfg.OutboxTopic),
		Idempotency:  idempotency.NewPGStore(pool),
		Intake:       intake.NewPGService(pool, dedupeEngine, outboxStore),
		DefaultTopic: cfg.OutboxTopic,
		Registry:     registry,
	}
	if cfg.JWTSecret != "" || cfg.JWTDevMode {
		srv.JWT = &auth.JWTCfg{HS256Secret: cfg.JWTSecret, DevMode: cfg.JWTDevMode}
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	scheduler.Stop()

	log.Info().Msg("server stopped")
}

// buildSigner loads the rotation key set from SIGNING_KEYS. Development
// falls back to a fixed key so the binary starts with no configuration.
func buildSigner(cfg *config.Config) ctoken.Signer {
	spec := cfg.SigningKeys
	active := cfg.SigningActiveKID
	if spec == "" {
		if cfg.Env != "dev" {
			log.Fatal().Msg("SIGNING_KEYS is required outside dev")
		}
		log.Warn().Msg("SIGNING_KEYS not set, using the dev key")
		spec = "dev:tenantkit-dev-only"
		active = "dev"
	}
	keys, err := ctoken.ParseKeySet(spec)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid SIGNING_KEYS")
	}
	if active == "" {
		log.Fatal().Msg("SIGNING_ACTIVE_KID is required when SIGNING_KEYS is set")
	}
	signer, err := ctoken.NewHMACSigner(active, keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build signer")
	}
	return signer
}

// buildPublisher connects Pub/Sub when a project is configured; otherwise
// the drainer publishes into an in-process fake, which keeps local dev
// runnable without emulators.
func buildPublisher(ctx context.Context, cfg *config.Config) bus.Publisher {
	if cfg.PubSubProjectID == "" {
		if cfg.Env != "dev" {
			log.Fatal().Msg("PUBSUB_PROJECT_ID is required outside dev")
		}
		log.Warn().Msg("PUBSUB_PROJECT_ID not set, publishing to an in-process fake")
		return bus.NewFakePublisher()
	}
	pub, err := bus.NewPubSubPublisher(ctx, cfg.PubSubProjectID, 10*time.Second)
	if err != nil {
		log.Fatal().Err(err).Str("project", cfg.PubSubProjectID).Msg("failed to create pub/sub publisher")
	}
	log.Info().Str("project", cfg.PubSubProjectID).Msg("pub/sub publisher connected")
	return pub
}

func closePublisher(p bus.Publisher) {
	if c, ok := p.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("publisher close error")
		}
	}
}
