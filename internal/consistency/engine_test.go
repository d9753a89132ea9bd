package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/veloplane/tenantkit/internal/ctoken"
	"github.com/veloplane/tenantkit/internal/tenant"
	"github.com/veloplane/tenantkit/internal/watermark"
)

var (
	acme  = tenant.MustParse("acme")
	other = tenant.MustParse("other")
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *watermark.MemoryStore, ctoken.Signer) {
	t.Helper()
	signer, err := ctoken.NewHMACSigner("k1", map[string][]byte{"k1": []byte("test-secret")})
	if err != nil {
		t.Fatalf("NewHMACSigner: %v", err)
	}
	marks := watermark.NewMemoryStore()
	return NewEngine(marks, signer, cfg, nil), marks, signer
}

func mustEncode(t *testing.T, signer ctoken.Signer, tok ctoken.Token) string {
	t.Helper()
	compact, err := ctoken.Encode(tok, signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return compact
}

func TestOpenRequestSeedsWatermarkFromPriorToken(t *testing.T) {
	e, marks, signer := newTestEngine(t, Config{})
	ctx := context.Background()

	prior := mustEncode(t, signer, ctoken.Token{
		Tenant: acme, IssuedAt: time.Now().UnixMilli(), Watermark: 1000,
	})

	ctx, sc, err := e.OpenRequest(ctx, Request{Tenant: acme, PriorToken: prior})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	defer sc.Close()

	if _, ok := sc.PriorToken(); !ok {
		t.Fatal("prior token not installed in scope")
	}
	if wm, _ := marks.Current(ctx, "acme"); wm != 1000 {
		t.Errorf("watermark after open = %d, want 1000 (seeded from prior token)", wm)
	}
	if wm, _ := marks.Current(ctx, "other"); wm != 0 {
		t.Errorf("other tenant watermark = %d, want 0", wm)
	}
}

func TestOpenRequestTokenValidation(t *testing.T) {
	e, _, signer := newTestEngine(t, Config{TokenTTL: time.Minute, ClockSkew: time.Second})
	now := time.Now().UnixMilli()

	tests := []struct {
		name    string
		compact string
		wantOK  bool
	}{
		{"valid", mustEncode(t, signer, ctoken.Token{Tenant: acme, IssuedAt: now, Watermark: 500}), true},
		{"absent", "", false},
		{"malformed", "CT1.bogus", false},
		{"cross tenant", mustEncode(t, signer, ctoken.Token{Tenant: other, IssuedAt: now, Watermark: 500}), false},
		{"expired", mustEncode(t, signer, ctoken.Token{Tenant: acme, IssuedAt: now - (2 * time.Minute).Milliseconds(), Watermark: 500}), false},
		{"zero issued-at", mustEncode(t, signer, ctoken.Token{Tenant: acme, IssuedAt: 0, Watermark: 500}), false},
		{"zero watermark", mustEncode(t, signer, ctoken.Token{Tenant: acme, IssuedAt: now, Watermark: 0}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Invalid tokens behave exactly like absent tokens: the scope
			// opens without error and carries no If-Consistent-With.
			_, sc, err := e.OpenRequest(context.Background(), Request{Tenant: acme, IfConsistentWith: tt.compact})
			if err != nil {
				t.Fatalf("OpenRequest: %v", err)
			}
			defer sc.Close()

			if _, ok := sc.IfConsistentWith(); ok != tt.wantOK {
				t.Errorf("IfConsistentWith ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestEmitTokenRoundTrip(t *testing.T) {
	e, marks, signer := newTestEngine(t, Config{})
	ctx := context.Background()
	marks.AdvanceAtLeast(ctx, "acme", 4321)

	ctx, sc, err := e.OpenRequest(ctx, Request{Tenant: acme})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	defer sc.Close()

	compact, err := e.EmitToken(ctx, 255)
	if err != nil {
		t.Fatalf("EmitToken: %v", err)
	}
	tok, ok := ctoken.ParseAndVerify(compact, signer)
	if !ok {
		t.Fatal("emitted token does not verify")
	}
	if tok.Tenant != acme || tok.Watermark != 4321 || tok.Version != 255 {
		t.Errorf("emitted token = %+v", tok)
	}
}

func TestEmitTokenNoWritesYet(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	ctx, sc, err := e.OpenRequest(context.Background(), Request{Tenant: acme})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	defer sc.Close()

	// A tenant with no recorded writes has watermark 0. A token carrying
	// it would be rejected as invalid on its way back in, so none is
	// issued.
	compact, err := e.EmitToken(ctx, 7)
	if err != nil {
		t.Fatalf("EmitToken: %v", err)
	}
	if compact != "" {
		t.Errorf("EmitToken with zero watermark = %q, want empty", compact)
	}
}

func TestEmitTokenAndMarkWriteRequireScope(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	if _, err := e.EmitToken(ctx, 0); err != ErrNoScope {
		t.Errorf("EmitToken without scope: err = %v, want ErrNoScope", err)
	}
	if _, err := e.MarkWriteNow(ctx); err != ErrNoScope {
		t.Errorf("MarkWriteNow without scope: err = %v, want ErrNoScope", err)
	}
}

func TestMarkWriteNowAdvancesWatermark(t *testing.T) {
	e, marks, _ := newTestEngine(t, Config{})

	ctx, sc, err := e.OpenRequest(context.Background(), Request{Tenant: acme})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	defer sc.Close()

	before := time.Now().UnixMilli()
	wm, err := e.MarkWriteNow(ctx)
	if err != nil {
		t.Fatalf("MarkWriteNow: %v", err)
	}
	if wm < before {
		t.Errorf("MarkWriteNow = %d, want >= %d", wm, before)
	}
	if cur, _ := marks.Current(ctx, "acme"); cur != wm {
		t.Errorf("Current = %d, want %d", cur, wm)
	}
}

func TestNestedScopes(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	ctx, outer, err := e.OpenRequest(context.Background(), Request{Tenant: acme, IfMatch: `"ff"`})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	defer outer.Close()

	inner0 := FromContext(ctx)
	if inner0 != outer {
		t.Fatal("FromContext did not return the opened scope")
	}

	nestedCtx, nested, err := e.OpenRequest(ctx, Request{Tenant: other})
	if err != nil {
		t.Fatalf("nested OpenRequest: %v", err)
	}
	if nested.Parent() != outer {
		t.Error("nested scope does not reference its parent")
	}
	if got := FromContext(nestedCtx); got != nested {
		t.Error("FromContext inside nested context != nested scope")
	}

	// Closing the nested scope restores the parent, even on the derived
	// context. Close is idempotent.
	nested.Close()
	nested.Close()
	if got := FromContext(nestedCtx); got != outer {
		t.Errorf("FromContext after nested close = %v, want outer scope", got)
	}
	if outer.IfMatch() != `"ff"` {
		t.Errorf("IfMatch = %q", outer.IfMatch())
	}
}

func openWithICW(t *testing.T, e *Engine, signer ctoken.Signer, wm int64) (context.Context, *Scope) {
	t.Helper()
	icw := mustEncode(t, signer, ctoken.Token{Tenant: acme, IssuedAt: time.Now().UnixMilli(), Watermark: wm})
	ctx, sc, err := e.OpenRequest(context.Background(), Request{Tenant: acme, IfConsistentWith: icw})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	return ctx, sc
}

func TestAwaitConsistencyImmediate(t *testing.T) {
	e, marks, signer := newTestEngine(t, Config{RYWMaxWait: 200 * time.Millisecond})
	marks.AdvanceAtLeast(context.Background(), "acme", 1000)

	ctx, sc := openWithICW(t, e, signer, 1000)
	defer sc.Close()

	start := time.Now()
	ok, err := e.AwaitConsistency(ctx)
	if err != nil || !ok {
		t.Fatalf("AwaitConsistency = (%v, %v), want (true, nil)", ok, err)
	}
	if waited := time.Since(start); waited > 50*time.Millisecond {
		t.Errorf("satisfied wait took %v, want immediate", waited)
	}
}

func TestAwaitConsistencyWaitsForAdvance(t *testing.T) {
	e, marks, signer := newTestEngine(t, Config{
		RYWMaxWait:     400 * time.Millisecond,
		RYWInitialPoll: 5 * time.Millisecond,
		RYWMaxPoll:     20 * time.Millisecond,
	})
	marks.AdvanceAtLeast(context.Background(), "acme", 900)

	ctx, sc := openWithICW(t, e, signer, 1000)
	defer sc.Close()

	go func() {
		time.Sleep(40 * time.Millisecond)
		marks.AdvanceAtLeast(context.Background(), "acme", 1000)
	}()

	start := time.Now()
	ok, err := e.AwaitConsistency(ctx)
	waited := time.Since(start)
	if err != nil || !ok {
		t.Fatalf("AwaitConsistency = (%v, %v), want (true, nil)", ok, err)
	}
	if waited < 30*time.Millisecond || waited > 300*time.Millisecond {
		t.Errorf("waited %v, want roughly 40ms", waited)
	}
}

func TestAwaitConsistencyTimeout(t *testing.T) {
	e, marks, signer := newTestEngine(t, Config{
		RYWMaxWait:     150 * time.Millisecond,
		RYWInitialPoll: 5 * time.Millisecond,
	})
	marks.AdvanceAtLeast(context.Background(), "acme", 900)

	ctx, sc := openWithICW(t, e, signer, 1000)
	defer sc.Close()

	start := time.Now()
	ok, err := e.AwaitConsistency(ctx)
	waited := time.Since(start)
	if err != nil {
		t.Fatalf("AwaitConsistency: %v", err)
	}
	if ok {
		t.Fatal("AwaitConsistency = true, want timeout (false)")
	}
	if waited < 140*time.Millisecond || waited > 500*time.Millisecond {
		t.Errorf("timed-out wait took %v, want ~150ms", waited)
	}
}

func TestAwaitConsistencyCancellation(t *testing.T) {
	e, marks, signer := newTestEngine(t, Config{
		RYWMaxWait:     5 * time.Second,
		RYWInitialPoll: 5 * time.Millisecond,
	})
	marks.AdvanceAtLeast(context.Background(), "acme", 900)

	ctx, sc := openWithICW(t, e, signer, 1000)
	defer sc.Close()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	ok, err := e.AwaitConsistency(ctx)
	if ok || err != context.Canceled {
		t.Fatalf("AwaitConsistency after cancel = (%v, %v), want (false, context.Canceled)", ok, err)
	}
}

func TestAwaitConsistencyNoToken(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx, sc, err := e.OpenRequest(context.Background(), Request{Tenant: acme})
	if err != nil {
		t.Fatalf("OpenRequest: %v", err)
	}
	defer sc.Close()

	// Without an If-Consistent-With token there is nothing to wait for.
	if ok, err := e.AwaitConsistency(ctx); !ok || err != nil {
		t.Fatalf("AwaitConsistency = (%v, %v), want (true, nil)", ok, err)
	}
}
