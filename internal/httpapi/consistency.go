package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/consistency"
	"github.com/veloplane/tenantkit/internal/tenant"
)

// Header names the boundary speaks. All lookups are case-insensitive via
// net/http's canonicalization.
const (
	HeaderIfConsistentWith = "If-Consistent-With"
	HeaderConsistencyToken = "X-Consistency-Token"
	HeaderConsistencyStale = "X-Consistency-Stale"
)

// responseAdvice is the per-request channel from handler to boundary:
// handlers expose the entity version their response body carries, the
// boundary turns it into an ETag and includes it in the emitted token.
type responseAdvice struct {
	mu            sync.Mutex
	entityVersion uint64
}

type adviceCtxKey struct{}

// SetEntityVersion records the positive entity version the response body
// exposes. No-op outside the consistency middleware or for version 0.
func SetEntityVersion(ctx context.Context, version uint64) {
	adv, _ := ctx.Value(adviceCtxKey{}).(*responseAdvice)
	if adv == nil || version == 0 {
		return
	}
	adv.mu.Lock()
	adv.entityVersion = version
	adv.mu.Unlock()
}

func (a *responseAdvice) version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entityVersion
}

// ConsistencyMiddleware is the boundary adapter for the consistency engine.
// Per request it opens a scope from the consistency headers, runs the
// read-your-writes wait for safe reads, and on success emits the fresh
// token, the strong ETag and the Vary header. Must run after
// TenantMiddleware.
func ConsistencyMiddleware(eng *consistency.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipBoundary(r) {
				next.ServeHTTP(w, r)
				return
			}

			tnt := tenant.FromContext(r.Context())
			if tnt.IsZero() {
				// TenantMiddleware rejects these before us; reaching here
				// means the route is wired without it.
				writeError(w, http.StatusBadRequest, "tenant not resolved")
				return
			}

			ctx, scope, err := eng.OpenRequest(r.Context(), consistency.Request{
				Tenant:           tnt,
				IfConsistentWith: r.Header.Get(HeaderIfConsistentWith),
				PriorToken:       r.Header.Get(HeaderConsistencyToken),
				IfMatch:          r.Header.Get("If-Match"),
			})
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Msg("failed to open consistency scope")
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			defer scope.Close()

			adv := &responseAdvice{}
			ctx = context.WithValue(ctx, adviceCtxKey{}, adv)
			r = r.WithContext(ctx)

			stale := false
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				ok, err := eng.AwaitConsistency(ctx)
				if err != nil {
					if ctx.Err() != nil {
						// Client went away mid-wait; nothing to respond to.
						return
					}
					log.Ctx(ctx).Error().Err(err).Msg("read-your-writes wait failed")
					writeError(w, http.StatusInternalServerError, "internal error")
					return
				}
				stale = !ok
			}

			cw := &consistencyWriter{
				ResponseWriter: w,
				req:            r,
				eng:            eng,
				advice:         adv,
				stale:          stale,
			}
			next.ServeHTTP(cw, r)
			// A handler that never wrote is an implicit 200.
			cw.ensureHeader()
		})
	}
}

// consistencyWriter finalizes consistency headers at the moment the status
// line is committed, the last point response headers can change.
type consistencyWriter struct {
	http.ResponseWriter
	req    *http.Request
	eng    *consistency.Engine
	advice *responseAdvice
	stale  bool

	wroteHeader bool
}

func (cw *consistencyWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.finalize(code)
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *consistencyWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so streaming handlers keep
// working behind the boundary. Headers finalize first, as flushing
// commits them.
func (cw *consistencyWriter) Flush() {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *consistencyWriter) ensureHeader() {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
}

func (cw *consistencyWriter) finalize(code int) {
	h := cw.Header()
	mergeVary(h, HeaderIfConsistentWith)

	if cw.stale {
		h.Set(HeaderConsistencyStale, "true")
	}
	if code < 200 || code >= 300 {
		return
	}

	version := cw.advice.version()
	if version > 0 && h.Get("ETag") == "" {
		h.Set("ETag", FormatETag(version))
	}
	if h.Get(HeaderConsistencyToken) == "" {
		tok, err := cw.eng.EmitToken(cw.req.Context(), version)
		if err != nil {
			log.Ctx(cw.req.Context()).Error().Err(err).Msg("failed to emit consistency token")
			return
		}
		// Empty means the tenant has no watermark yet; no header to emit.
		if tok != "" {
			h.Set(HeaderConsistencyToken, tok)
		}
	}
}
