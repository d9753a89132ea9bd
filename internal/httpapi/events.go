package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/dedupe"
	"github.com/veloplane/tenantkit/internal/outbox"
	"github.com/veloplane/tenantkit/internal/tenant"
)

// eventIntake is the POST /v1/events request body.
type eventIntake struct {
	EventID string          `json:"eventId"`
	Version uint64          `json:"version"`
	EventTS *time.Time      `json:"eventTs,omitempty"`
	Family  string          `json:"family,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// PostEvent handles POST /v1/events: the dedupe fences decide whether the
// event is admitted, and an admitted event becomes a pending outbox row.
// Operators replay past the window with ?operatorReplay=true.
func (s *Server) PostEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tnt := tenant.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var in eventIntake
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}
	if in.EventID == "" || in.Version == 0 {
		writeError(w, http.StatusBadRequest, "eventId and a positive version are required")
		return
	}

	check := dedupe.CheckRequest{
		Tenant:         tnt,
		EventID:        in.EventID,
		Version:        in.Version,
		Family:         in.Family,
		OperatorReplay: r.URL.Query().Get("operatorReplay") == "true",
	}
	if in.EventTS != nil {
		check.EventTS = *in.EventTS
	}

	topic := in.Topic
	if topic == "" {
		topic = s.DefaultTopic
	}
	row := &outbox.Row{
		TenantID:      tnt.String(),
		Topic:         topic,
		EventKey:      in.Key,
		AggregateType: "event",
		AggregateID:   in.EventID,
		EventType:     in.Family,
		EntityVersion: in.Version,
		Payload:       in.Payload,
	}

	// Decision and enqueue commit together: a failed submit records
	// nothing, so the producer's retry is a clean first observation.
	decision, err := s.Intake.Submit(ctx, check, row)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("event_id", in.EventID).Msg("event intake failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch {
	case decision == dedupe.Duplicate:
		writeJSON(w, http.StatusOK, map[string]string{"decision": string(decision)})
		return
	case decision.Quarantined():
		log.Ctx(ctx).Warn().
			Str("event_id", in.EventID).
			Uint64("version", in.Version).
			Str("decision", string(decision)).
			Msg("event quarantined at intake")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"decision": string(decision)})
		return
	}

	if _, err := s.Engine.MarkWriteNow(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to advance watermark after intake")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"decision": string(decision)})
}
