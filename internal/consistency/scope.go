package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/veloplane/tenantkit/internal/ctoken"
	"github.com/veloplane/tenantkit/internal/tenant"
)

type scopeCtxKey struct{}

// Scope is the per-request consistency state. It is installed into the
// request context by Engine.OpenRequest and read back by every engine
// operation. Scopes stack: opening a nested scope records the parent, and
// the caller keeps working with the outer context after Close.
type Scope struct {
	tenantID  tenant.ID
	startedAt time.Time

	ifConsistentWith ctoken.Token
	hasICW           bool
	priorToken       ctoken.Token
	hasPrior         bool
	ifMatch          string // raw If-Match, forwarded untouched to write handlers

	parent *Scope

	mu     sync.Mutex
	closed bool
}

// Tenant returns the tenant this scope was opened for.
func (s *Scope) Tenant() tenant.ID { return s.tenantID }

// StartedAt returns when the scope was opened.
func (s *Scope) StartedAt() time.Time { return s.startedAt }

// IfConsistentWith returns the parsed If-Consistent-With token when the
// request carried a valid one.
func (s *Scope) IfConsistentWith() (ctoken.Token, bool) {
	return s.ifConsistentWith, s.hasICW
}

// PriorToken returns the parsed X-Consistency-Token when the request
// carried a valid one.
func (s *Scope) PriorToken() (ctoken.Token, bool) {
	return s.priorToken, s.hasPrior
}

// IfMatch returns the raw If-Match header value. The engine never enforces
// it; the resource handler does, using its own version data.
func (s *Scope) IfMatch() string { return s.ifMatch }

// Parent returns the enclosing scope, if this one was opened nested.
func (s *Scope) Parent() *Scope { return s.parent }

// Close marks the scope closed. It is idempotent and safe on all exit
// paths; nesting is restored by the caller discarding the derived context.
func (s *Scope) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FromContext returns the innermost open scope, or nil when no scope was
// opened on this context. A closed scope defers to its parent so that a
// handler that closed a nested scope early keeps operating on the outer one.
func FromContext(ctx context.Context) *Scope {
	sc, _ := ctx.Value(scopeCtxKey{}).(*Scope)
	for sc != nil && sc.Closed() {
		sc = sc.parent
	}
	return sc
}

func withScope(ctx context.Context, sc *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, sc)
}
