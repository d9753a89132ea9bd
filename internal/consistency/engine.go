// Package consistency implements the request-scoped consistency engine:
// causality token validation, per-tenant watermark seeding, fresh token
// emission and the read-your-writes wait.
package consistency

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/ctoken"
	"github.com/veloplane/tenantkit/internal/metrics"
	"github.com/veloplane/tenantkit/internal/tenant"
	"github.com/veloplane/tenantkit/internal/watermark"
)

// ErrNoScope is returned when EmitToken or MarkWriteNow is called outside
// an open request scope. This is a programming error, not a request error.
var ErrNoScope = errors.New("consistency: no open request scope")

// Config tunes token validation and the read-your-writes wait.
type Config struct {
	TokenTTL       time.Duration // max token age before it is treated as absent
	ClockSkew      time.Duration // tolerated clock skew on top of TokenTTL
	RYWMaxWait     time.Duration // absolute deadline for the read-your-writes wait
	RYWInitialPoll time.Duration // first poll interval, doubled each round
	RYWMaxPoll     time.Duration // ceiling for the poll interval
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TokenTTL:       5 * time.Minute,
		ClockSkew:      30 * time.Second,
		RYWMaxWait:     2 * time.Second,
		RYWInitialPoll: 5 * time.Millisecond,
		RYWMaxPoll:     50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
	if c.RYWMaxWait <= 0 {
		c.RYWMaxWait = d.RYWMaxWait
	}
	if c.RYWInitialPoll <= 0 {
		c.RYWInitialPoll = d.RYWInitialPoll
	}
	if c.RYWMaxPoll < c.RYWInitialPoll {
		c.RYWMaxPoll = d.RYWMaxPoll
	}
	return c
}

// Request carries the consistency-relevant inputs of one HTTP request.
// Token fields hold the raw header values; blank means absent.
type Request struct {
	Tenant           tenant.ID
	IfConsistentWith string // If-Consistent-With header
	PriorToken       string // X-Consistency-Token header
	IfMatch          string // If-Match header, forwarded to the handler untouched
}

// Engine validates tokens, seeds watermarks and answers read-your-writes
// waits. One engine serves the whole process; state lives in the injected
// watermark store and in per-request scopes.
type Engine struct {
	marks  watermark.Store
	signer ctoken.Signer
	cfg    Config
	met    *metrics.Metrics

	// Now is the engine clock; tests may replace it.
	Now func() time.Time
}

// NewEngine wires an engine. A nil met falls back to an unregistered bundle.
func NewEngine(marks watermark.Store, signer ctoken.Signer, cfg Config, met *metrics.Metrics) *Engine {
	if met == nil {
		met = metrics.NewNop()
	}
	return &Engine{
		marks:  marks,
		signer: signer,
		cfg:    cfg.withDefaults(),
		met:    met,
		Now:    time.Now,
	}
}

// OpenRequest opens a request scope: it parses and validates both incoming
// tokens (invalid ones are counted and treated as absent, never an error),
// seeds the tenant watermark from a valid prior token, and installs the
// scope into the returned context. The caller must Close the scope on every
// exit path. Only watermark store failures surface as errors.
func (e *Engine) OpenRequest(ctx context.Context, req Request) (context.Context, *Scope, error) {
	sc := &Scope{
		tenantID:  req.Tenant,
		startedAt: e.Now(),
		ifMatch:   req.IfMatch,
		parent:    FromContext(ctx),
	}

	if tok, ok := e.parseToken(req.Tenant, req.IfConsistentWith); ok {
		sc.ifConsistentWith = tok
		sc.hasICW = true
	}
	if tok, ok := e.parseToken(req.Tenant, req.PriorToken); ok {
		sc.priorToken = tok
		sc.hasPrior = true
		// Causality from the client's last observed response: the tenant
		// watermark must be at least what we once acknowledged to them.
		if _, err := e.marks.AdvanceAtLeast(ctx, req.Tenant.String(), tok.Watermark); err != nil {
			return ctx, nil, err
		}
	}

	return withScope(ctx, sc), sc, nil
}

// parseToken validates one compact token for this request's tenant.
// Every rejection is treated as an absent token and counted by reason.
func (e *Engine) parseToken(tnt tenant.ID, compact string) (ctoken.Token, bool) {
	if compact == "" {
		return ctoken.Token{}, false
	}
	tok, ok := ctoken.ParseAndVerify(compact, e.signer)
	if !ok {
		e.rejectToken(tnt, "malformed")
		return ctoken.Token{}, false
	}
	if tok.Tenant != tnt {
		// Cross-tenant tokens are silently dropped; the counter is the
		// only signal.
		e.rejectToken(tnt, "tenant_mismatch")
		return ctoken.Token{}, false
	}
	if tok.IssuedAt <= 0 || tok.Watermark <= 0 {
		e.rejectToken(tnt, "bad_watermark")
		return ctoken.Token{}, false
	}
	if age := e.Now().UnixMilli() - tok.IssuedAt; age > (e.cfg.TokenTTL + e.cfg.ClockSkew).Milliseconds() {
		e.rejectToken(tnt, "expired")
		return ctoken.Token{}, false
	}
	return tok, true
}

func (e *Engine) rejectToken(tnt tenant.ID, reason string) {
	e.met.TokensRejected.WithLabelValues(tnt.String(), reason).Inc()
	log.Debug().Str("tenant_id", tnt.String()).Str("reason", reason).Msg("consistency token rejected")
}

// EmitToken builds and signs a fresh token bound to the tenant's current
// watermark. entityVersion 0 means no version is attached. A tenant with no
// recorded writes has no causality to carry: EmitToken returns "" and the
// caller omits the header, since a zero-watermark token would fail
// validation on its way back in. Requires an open scope.
func (e *Engine) EmitToken(ctx context.Context, entityVersion uint64) (string, error) {
	sc := FromContext(ctx)
	if sc == nil {
		return "", ErrNoScope
	}
	wm, err := e.marks.Current(ctx, sc.tenantID.String())
	if err != nil {
		return "", err
	}
	if wm <= 0 {
		return "", nil
	}
	return ctoken.Encode(ctoken.Token{
		Tenant:    sc.tenantID,
		IssuedAt:  e.Now().UnixMilli(),
		Watermark: wm,
		Version:   entityVersion,
	}, e.signer)
}

// MarkWriteNow advances the tenant watermark to the current time. Handlers
// must call it after every successful write a later read-your-writes needs
// to observe. Requires an open scope.
func (e *Engine) MarkWriteNow(ctx context.Context) (int64, error) {
	sc := FromContext(ctx)
	if sc == nil {
		return 0, ErrNoScope
	}
	return e.marks.AdvanceToNow(ctx, sc.tenantID.String())
}

// AwaitConsistency is the read-your-writes guard. When the scope carries an
// If-Consistent-With token it waits until the tenant watermark reaches the
// token's watermark or the deadline elapses. Returns true when the read is
// consistent, false on timeout (the caller proceeds best-effort). Context
// cancellation and watermark store errors propagate.
func (e *Engine) AwaitConsistency(ctx context.Context) (bool, error) {
	sc := FromContext(ctx)
	if sc == nil {
		return false, ErrNoScope
	}
	tok, ok := sc.IfConsistentWith()
	if !ok {
		return true, nil
	}
	return e.waitForWatermark(ctx, sc.tenantID, tok.Watermark)
}

func (e *Engine) waitForWatermark(ctx context.Context, tnt tenant.ID, target int64) (bool, error) {
	start := e.Now()
	deadline := start.Add(e.cfg.RYWMaxWait)
	poll := e.cfg.RYWInitialPoll

	for {
		cur, err := e.marks.Current(ctx, tnt.String())
		if err != nil {
			return false, err
		}
		if cur >= target {
			e.met.RYWWaits.WithLabelValues("satisfied").Observe(e.Now().Sub(start).Seconds())
			return true, nil
		}

		remaining := deadline.Sub(e.Now())
		if remaining <= 0 {
			e.met.RYWWaits.WithLabelValues("timeout").Observe(e.Now().Sub(start).Seconds())
			e.met.RYWTimeouts.WithLabelValues(tnt.String()).Inc()
			log.Warn().
				Str("tenant_id", tnt.String()).
				Int64("target_wm", target).
				Int64("current_wm", cur).
				Dur("waited", e.Now().Sub(start)).
				Msg("read-your-writes wait timed out, proceeding stale")
			return false, nil
		}

		wait := poll
		if wait > remaining {
			wait = remaining
		}
		if wait < time.Millisecond {
			// Sub-millisecond remainder: yielding beats arming a timer.
			runtime.Gosched()
		} else {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.met.RYWWaits.WithLabelValues("canceled").Observe(e.Now().Sub(start).Seconds())
				return false, ctx.Err()
			case <-timer.C:
			}
		}

		if poll < e.cfg.RYWMaxPoll {
			poll *= 2
			if poll > e.cfg.RYWMaxPoll {
				poll = e.cfg.RYWMaxPoll
			}
		}
	}
}
