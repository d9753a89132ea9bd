// Package dedupe decides, per (tenant, eventId, version), whether a
// consumer may apply side effects. Admission fences run first; survivors
// go through a first-writer-wins insert so that exactly one concurrent
// caller ever sees ACCEPT_FIRST_SEEN for a key.
//
// The durable store is the source of truth; the cache only short-circuits
// known duplicates. When the store is unreachable the engine fails closed:
// better a quarantined event than a duplicated side effect.
package dedupe

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/metrics"
	"github.com/veloplane/tenantkit/internal/tenant"
)

// Decision is the outcome of CheckAndMark.
type Decision string

const (
	AcceptFirstSeen               Decision = "ACCEPT_FIRST_SEEN"
	Duplicate                     Decision = "DUPLICATE"
	QuarantineTooOldVersion       Decision = "QUARANTINE_TOO_OLD_VERSION"
	QuarantineOutsideReplayWindow Decision = "QUARANTINE_OUTSIDE_REPLAY_WINDOW"
	QuarantineFutureSkew          Decision = "QUARANTINE_FUTURE_SKEW"
	QuarantineStoreError          Decision = "QUARANTINE_STORE_ERROR"
)

// Quarantined reports whether the decision routes the event to the
// consumer's quarantine path.
func (d Decision) Quarantined() bool {
	switch d {
	case QuarantineTooOldVersion, QuarantineOutsideReplayWindow, QuarantineFutureSkew, QuarantineStoreError:
		return true
	}
	return false
}

// minTTL is the floor for dedupe row retention. Replays inside a week must
// always hit an existing row.
const minTTL = 7 * 24 * time.Hour

// CheckRequest describes one observed event.
type CheckRequest struct {
	Tenant  tenant.ID
	EventID string
	Version uint64
	// EventTS is the producer timestamp; zero means unknown, which skips
	// the time-based fences.
	EventTS time.Time
	// Family selects the fence policy; blank uses the tenant default.
	Family string
	// OperatorReplay marks a deliberate replay: the replay-window fence is
	// skipped so operators can re-drive old events.
	OperatorReplay bool
}

// Config tunes the engine.
type Config struct {
	// TTL for dedupe rows; raised to the 7-day floor.
	TTL time.Duration
}

// Engine evaluates fences and records first observations.
type Engine struct {
	store  Store
	cache  Cache // nil disables the fast path
	policy PolicyProvider
	ttl    time.Duration
	met    *metrics.Metrics

	// Now is the engine clock; tests may replace it.
	Now func() time.Time
}

// NewEngine wires a dedupe engine. cache may be nil; a nil policy means
// no fences (everything is admitted, dedupe only).
func NewEngine(store Store, cache Cache, policy PolicyProvider, cfg Config, met *metrics.Metrics) *Engine {
	if policy == nil {
		policy = StaticProvider{}
	}
	if met == nil {
		met = metrics.NewNop()
	}
	ttl := cfg.TTL
	if ttl < minTTL {
		ttl = minTTL
	}
	return &Engine{store: store, cache: cache, policy: policy, ttl: ttl, met: met, Now: time.Now}
}

// WithTxStore returns a copy of the engine whose first-writer insert runs
// against store, with the shared cache detached: a cache mark must never
// outlive a rollback of the surrounding transaction. Callers populate the
// cache with MarkSeen after the transaction commits.
func (e *Engine) WithTxStore(store Store) *Engine {
	cp := *e
	cp.store = store
	cp.cache = nil
	return &cp
}

// MarkSeen records key in the duplicate cache, if one is configured.
// Transactional callers use it after a successful commit.
func (e *Engine) MarkSeen(ctx context.Context, key Key) {
	if e.cache != nil {
		e.cache.MarkSeen(ctx, CacheKey(key), e.ttl)
	}
}

// CheckAndMark runs the fences and, when they pass, the first-writer-wins
// insert. Fence order is fixed: version floor, then future skew, then
// replay window. Time fences are skipped entirely when the event carries
// no timestamp.
func (e *Engine) CheckAndMark(ctx context.Context, req CheckRequest) Decision {
	now := e.Now()
	pol := e.policy.PolicyFor(req.Tenant.String(), req.Family)

	decision := e.evaluate(ctx, req, pol, now)
	e.met.DedupeDecisions.WithLabelValues(req.Tenant.String(), req.Family, string(decision)).Inc()
	return decision
}

func (e *Engine) evaluate(ctx context.Context, req CheckRequest, pol Policy, now time.Time) Decision {
	key := Key{TenantID: req.Tenant.String(), EventID: req.EventID, Version: req.Version}

	if req.Version < pol.MinAcceptedVersion {
		return QuarantineTooOldVersion
	}
	if !req.EventTS.IsZero() {
		if pol.MaxFutureSkew > 0 && req.EventTS.After(now.Add(pol.MaxFutureSkew)) {
			return QuarantineFutureSkew
		}
		if pol.ReplayWindow > 0 && !req.OperatorReplay && req.EventTS.Before(now.Add(-pol.ReplayWindow)) {
			return QuarantineOutsideReplayWindow
		}
	}

	cacheKey := CacheKey(key)
	if e.cache != nil && e.cache.Seen(ctx, cacheKey) {
		// Fast path: known duplicate, skip the insert. The counter bump is
		// best-effort.
		if err := e.store.BumpSeen(ctx, key, now); err != nil {
			log.Debug().Err(err).Str("event_hash", cacheKey).Msg("dedupe seen-count bump failed")
		}
		return Duplicate
	}

	start := e.Now()
	inserted, err := e.store.Insert(ctx, key, now, now.Add(e.ttl))
	e.met.DedupeStoreLatency.Observe(e.Now().Sub(start).Seconds())
	if err != nil {
		// Fail closed: without the durable register we cannot rule out a
		// duplicate side effect.
		log.Error().Err(err).
			Str("tenant_id", key.TenantID).
			Str("event_hash", cacheKey).
			Uint64("version", key.Version).
			Msg("dedupe store unavailable, quarantining")
		return QuarantineStoreError
	}

	if e.cache != nil {
		e.cache.MarkSeen(ctx, cacheKey, e.ttl)
	}

	if !inserted {
		if err := e.store.BumpSeen(ctx, key, now); err != nil {
			log.Debug().Err(err).Str("event_hash", cacheKey).Msg("dedupe seen-count bump failed")
		}
		return Duplicate
	}
	return AcceptFirstSeen
}

// TTL returns the effective row retention the engine writes with.
func (e *Engine) TTL() time.Duration { return e.ttl }
