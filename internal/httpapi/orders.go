package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/consistency"
	"github.com/veloplane/tenantkit/internal/idempotency"
	"github.com/veloplane/tenantkit/internal/orders"
	"github.com/veloplane/tenantkit/internal/tenant"
)

// idempotencyTTL bounds how long a remembered response can be replayed.
const idempotencyTTL = 24 * time.Hour

// parseIDParam extracts and validates the order id from the URL.
func parseIDParam(r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// GetOrder handles GET /v1/orders/{id}. The consistency middleware has
// already run the read-your-writes wait; this handler only exposes the
// entity version so the boundary can emit the ETag and token.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnt := tenant.FromContext(ctx)

	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.Orders.Get(ctx, tnt.String(), id)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Stringer("order_id", id).Msg("failed to load order")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	SetEntityVersion(ctx, o.Version)
	writeJSON(w, http.StatusOK, o)
}

// PutOrder handles PUT /v1/orders/{id}: If-Match enforcement, optional
// idempotent replay, the co-committed write, and the watermark advance.
func (s *Server) PutOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnt := tenant.FromContext(ctx)
	scope := consistency.FromContext(ctx)

	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	// Idempotent replay: a retried request with the same key gets the
	// remembered response; the same key with a different body is a
	// client bug.
	requestKey := r.Header.Get("Idempotency-Key")
	requestHash := idempotency.HashRequest(r.Method, r.URL.Path, body)
	if s.Idempotency != nil && requestKey != "" {
		rec, err := s.Idempotency.Recall(ctx, tnt.String(), requestKey)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("idempotency recall failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if rec != nil {
			if rec.RequestHash != requestHash {
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with different request")
				return
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			w.Write(rec.ResponseSnapshot)
			return
		}
	}

	// The engine forwards the raw If-Match; enforcing it is this
	// handler's job.
	expected, hasPrecondition := ParseIfMatch(scope.IfMatch())
	if scope.IfMatch() != "" && scope.IfMatch() != "*" && !hasPrecondition {
		writeError(w, http.StatusBadRequest, "malformed If-Match header")
		return
	}

	o, err := s.Orders.Put(ctx, tnt.String(), id, data, expected)
	var mismatch *orders.VersionMismatchError
	if errors.As(err, &mismatch) {
		if mismatch.Current > 0 {
			w.Header().Set("ETag", FormatETag(mismatch.Current))
		}
		writeError(w, http.StatusPreconditionFailed, "version precondition failed")
		return
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Stringer("order_id", id).Msg("failed to write order")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// The write is committed: later reads carrying the emitted token must
	// observe it.
	if _, err := s.Engine.MarkWriteNow(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to advance watermark after write")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	SetEntityVersion(ctx, o.Version)

	if s.Idempotency != nil && requestKey != "" {
		snapshot, _ := json.Marshal(o)
		now := time.Now()
		if _, err := s.Idempotency.Remember(ctx, idempotency.Record{
			TenantID:         tnt.String(),
			RequestKey:       requestKey,
			RequestHash:      requestHash,
			HTTPMethod:       r.Method,
			HTTPPath:         r.URL.Path,
			ResponseSnapshot: snapshot,
			StatusCode:       http.StatusOK,
			CreatedAt:        now,
			ExpiresAt:        now.Add(idempotencyTTL),
		}); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("idempotency remember failed")
		}
	}

	writeJSON(w, http.StatusOK, o)
}
