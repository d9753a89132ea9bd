package httpapi

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/tenant"
)

// Paths the boundary never touches: error and favicon exactly, plus the
// internal/health prefixes.
var (
	skipExact    = map[string]bool{"/error": true, "/favicon.ico": true}
	skipPrefixes = []string{"/actuator", "/internal", "/_internal"}
)

// skipBoundary reports whether the request bypasses tenant resolution and
// the consistency middleware: CORS preflights and the allowlisted paths.
func skipBoundary(r *http.Request) bool {
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		return true
	}
	if skipExact[r.URL.Path] {
		return true
	}
	for _, p := range skipPrefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// TenantMiddleware resolves and validates the canonical tenant header.
// Outside the allowlist the header is required; a missing or malformed
// value is a 400, never a 500.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipBoundary(r) {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get(tenant.CanonicalHeader)
		if raw == "" {
			writeError(w, http.StatusBadRequest, "missing "+tenant.CanonicalHeader+" header")
			return
		}
		id, err := tenant.Parse(raw)
		if err != nil {
			log.Warn().
				Str("path", r.URL.Path).
				Err(err).
				Msg("tenant header rejected")
			writeError(w, http.StatusBadRequest, "invalid tenant id")
			return
		}

		ctx := tenant.WithContext(r.Context(), id)
		logger := log.Ctx(ctx).With().Str("tenant_id", id.String()).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
