// Package config loads runtime configuration from the environment. Every
// knob has a default that works for local development; production deploys
// override via env vars (or a .env file loaded by the binary).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration for the server binary.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string
	RedisAddr   string // optional; empty keeps watermarks and dedupe cache in-process

	PubSubProjectID string // optional; empty swaps the publisher for a log-only fake
	OutboxTopic     string

	SigningKeys      string // "kid:secret,kid2:secret2"
	SigningActiveKID string

	JWTSecret  string
	JWTDevMode bool

	TokenTTL       time.Duration
	ClockSkew      time.Duration
	RYWMaxWait     time.Duration
	RYWInitialPoll time.Duration
	RYWMaxPoll     time.Duration

	DedupeTTL          time.Duration
	MinAcceptedVersion uint64
	ReplayWindow       time.Duration
	MaxFutureSkew      time.Duration

	OutboxBatchSize        int
	OutboxParallelism      int
	OutboxMaxAttempts      int
	OutboxBaseBackoff      time.Duration
	OutboxMaxBackoff       time.Duration
	OutboxInitialDelay     time.Duration
	OutboxInterval         time.Duration
	OutboxBurstBatches     int
	OutboxMaxBurstDuration time.Duration
	OutboxIdleSleep        time.Duration

	SweepInterval  time.Duration
	SweepRetention time.Duration
	SweepBatchSize int
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", k, err)
	}
	return n, nil
}

func envUint(k string, def uint64) (uint64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", k, err)
	}
	return n, nil
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", k, err)
	}
	return d, nil
}

func envBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Load reads the configuration from the environment. It returns an error
// on the first malformed value rather than silently using a default.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8081"),

		DatabaseURL: env("DATABASE_URL", ""),
		RedisAddr:   env("REDIS_ADDR", ""),

		PubSubProjectID: env("PUBSUB_PROJECT_ID", ""),
		OutboxTopic:     env("OUTBOX_TOPIC", "orders"),

		SigningKeys:      env("SIGNING_KEYS", ""),
		SigningActiveKID: env("SIGNING_ACTIVE_KID", ""),

		JWTSecret:  env("JWT_HS256_SECRET", ""),
		JWTDevMode: envBool("JWT_DEV_MODE", false),
	}

	var err error
	type durField struct {
		dst *time.Duration
		key string
		def time.Duration
	}
	for _, f := range []durField{
		{&cfg.TokenTTL, "TOKEN_TTL", 5 * time.Minute},
		{&cfg.ClockSkew, "CLOCK_SKEW", 30 * time.Second},
		{&cfg.RYWMaxWait, "RYW_MAX_WAIT", 2 * time.Second},
		{&cfg.RYWInitialPoll, "RYW_INITIAL_POLL", 5 * time.Millisecond},
		{&cfg.RYWMaxPoll, "RYW_MAX_POLL", 50 * time.Millisecond},
		{&cfg.DedupeTTL, "DEDUPE_TTL", 14 * 24 * time.Hour},
		{&cfg.ReplayWindow, "DEDUPE_REPLAY_WINDOW", 7 * 24 * time.Hour},
		{&cfg.MaxFutureSkew, "DEDUPE_MAX_FUTURE_SKEW", 5 * time.Minute},
		{&cfg.OutboxBaseBackoff, "OUTBOX_BASE_BACKOFF", time.Second},
		{&cfg.OutboxMaxBackoff, "OUTBOX_MAX_BACKOFF", 5 * time.Minute},
		{&cfg.OutboxInitialDelay, "OUTBOX_INITIAL_DELAY", 2 * time.Second},
		{&cfg.OutboxInterval, "OUTBOX_INTERVAL", 500 * time.Millisecond},
		{&cfg.OutboxMaxBurstDuration, "OUTBOX_MAX_BURST_DURATION", 10 * time.Second},
		{&cfg.OutboxIdleSleep, "OUTBOX_IDLE_SLEEP", 2 * time.Second},
		{&cfg.SweepInterval, "SWEEP_INTERVAL", 10 * time.Minute},
		{&cfg.SweepRetention, "SWEEP_RETENTION", 7 * 24 * time.Hour},
	} {
		if *f.dst, err = envDuration(f.key, f.def); err != nil {
			return nil, err
		}
	}

	type intField struct {
		dst *int
		key string
		def int
	}
	for _, f := range []intField{
		{&cfg.OutboxBatchSize, "OUTBOX_BATCH_SIZE", 100},
		{&cfg.OutboxParallelism, "OUTBOX_PARALLELISM", 8},
		{&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", 5},
		{&cfg.OutboxBurstBatches, "OUTBOX_BURST_BATCHES", 4},
		{&cfg.SweepBatchSize, "SWEEP_BATCH_SIZE", 10000},
	} {
		if *f.dst, err = envInt(f.key, f.def); err != nil {
			return nil, err
		}
	}

	if cfg.MinAcceptedVersion, err = envUint("DEDUPE_MIN_ACCEPTED_VERSION", 0); err != nil {
		return nil, err
	}

	return cfg, nil
}
