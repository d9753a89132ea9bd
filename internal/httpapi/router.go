package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/auth"
	"github.com/veloplane/tenantkit/internal/consistency"
	"github.com/veloplane/tenantkit/internal/idempotency"
	"github.com/veloplane/tenantkit/internal/intake"
	"github.com/veloplane/tenantkit/internal/orders"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Engine      *consistency.Engine
	Orders      orders.Service
	Idempotency idempotency.Store // optional; nil disables request replay

	// Intake backs the event intake endpoint; nil disables it.
	Intake       intake.Service
	DefaultTopic string

	// JWT enables bearer authentication when non-nil. Authentication is a
	// boundary collaborator; the consistency substrate never reads it.
	JWT *auth.JWTCfg

	// Registry exposes /internal/metrics when non-nil.
	Registry *prometheus.Registry
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health and metrics sit under the internal prefix, which the tenant
	// and consistency middlewares skip.
	r.Get("/internal/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	if s.Registry != nil {
		r.Method(http.MethodGet, "/internal/metrics",
			promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if s.JWT != nil {
			r.Use(auth.Middleware(*s.JWT))
		}
		r.Use(TenantMiddleware)
		r.Use(ConsistencyMiddleware(s.Engine))

		r.Get("/v1/orders/{id}", s.GetOrder)
		r.Put("/v1/orders/{id}", s.PutOrder)

		if s.Intake != nil {
			r.Post("/v1/events", s.PostEvent)
		}
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
