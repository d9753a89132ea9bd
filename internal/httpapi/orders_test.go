package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloplane/tenantkit/internal/consistency"
	"github.com/veloplane/tenantkit/internal/outbox"
)

func TestPutOrder_CreateThenUpdate(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())
	id := uuid.NewString()

	rec := env.do(t, "PUT", "/v1/orders/"+id, "acme", []byte(`{"sku":"a-1"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))

	rec = env.do(t, "PUT", "/v1/orders/"+id, "acme", []byte(`{"sku":"a-2"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))

	get := env.do(t, "GET", "/v1/orders/"+id, "acme", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["version"])
	assert.Equal(t, "a-2", body["data"].(map[string]any)["sku"])
}

func TestPutOrder_IfMatchPrecondition(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())
	id := uuid.NewString()

	require.Equal(t, http.StatusOK,
		env.do(t, "PUT", "/v1/orders/"+id, "acme", []byte(`{"n":1}`), nil).Code)

	// Matching precondition advances the version.
	rec := env.do(t, "PUT", "/v1/orders/"+id, "acme", []byte(`{"n":2}`), map[string]string{
		"If-Match": `"1"`,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))

	// Stale precondition gets a 412 carrying the current version.
	rec = env.do(t, "PUT", "/v1/orders/"+id, "acme", []byte(`{"n":3}`), map[string]string{
		"If-Match": `"1"`,
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))
	// Failed writes must not emit a token.
	assert.Empty(t, rec.Header().Get(HeaderConsistencyToken))
}

func TestPutOrder_MalformedIfMatch(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())
	rec := env.do(t, "PUT", "/v1/orders/"+uuid.NewString(), "acme", []byte(`{}`), map[string]string{
		"If-Match": `"not-hex!"`,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutOrder_WildcardIfMatchIsUnconditional(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())
	rec := env.do(t, "PUT", "/v1/orders/"+uuid.NewString(), "acme", []byte(`{}`), map[string]string{
		"If-Match": "*",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPutOrder_BadInputs(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())

	rec := env.do(t, "PUT", "/v1/orders/not-a-uuid", "acme", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "PUT", "/v1/orders/"+uuid.NewString(), "acme", []byte(`[1,2]`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutOrder_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())
	id := uuid.NewString()
	body := []byte(`{"sku":"a-1"}`)
	hdr := map[string]string{"Idempotency-Key": "req-1"}

	first := env.do(t, "PUT", "/v1/orders/"+id, "acme", body, hdr)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotent-Replay"))

	// Same key, same body: the stored response replays, no second write.
	second := env.do(t, "PUT", "/v1/orders/"+id, "acme", body, hdr)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	get := env.do(t, "GET", "/v1/orders/"+id, "acme", nil, nil)
	var o map[string]any
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &o))
	assert.Equal(t, float64(1), o["version"], "replay must not re-execute the write")

	// Same key, different body: client bug, rejected.
	third := env.do(t, "PUT", "/v1/orders/"+id, "acme", []byte(`{"sku":"b-9"}`), hdr)
	assert.Equal(t, http.StatusUnprocessableEntity, third.Code)
}

func TestPostEvent_IntakeDecisions(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())

	ev := func(eventID string, version uint64) []byte {
		b, _ := json.Marshal(map[string]any{
			"eventId": eventID, "version": version, "payload": map[string]any{"k": "v"},
		})
		return b
	}

	// First observation is admitted and lands in the outbox.
	rec := env.do(t, "POST", "/v1/events", "acme", ev("evt-1", 3), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderConsistencyToken))

	// Second observation of the same identity is a duplicate.
	rec = env.do(t, "POST", "/v1/events", "acme", ev("evt-1", 3), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DUPLICATE", body["decision"])

	// Below the version floor (MinAcceptedVersion is 2 in the test policy).
	rec = env.do(t, "POST", "/v1/events", "acme", ev("evt-2", 1), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "QUARANTINE_TOO_OLD_VERSION", body["decision"])

	// Missing identity fields.
	rec = env.do(t, "POST", "/v1/events", "acme", []byte(`{"version":3}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type brokenEnqueuer struct{}

func (brokenEnqueuer) Enqueue(context.Context, *outbox.Row) error {
	return errors.New("connection pool exhausted")
}

func TestPostEvent_FailedEnqueueDoesNotBurnTheIdentity(t *testing.T) {
	env := newTestEnv(t, consistency.DefaultConfig())
	body, _ := json.Marshal(map[string]any{
		"eventId": "evt-9", "version": 4, "payload": map[string]any{"k": "v"},
	})

	// Enqueue fails, so the submit must record nothing.
	env.intake.Outbox = brokenEnqueuer{}
	rec := env.do(t, "POST", "/v1/events", "acme", body, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The producer's retry is a clean first observation, not a duplicate
	// that would drop the event on the floor.
	env.intake.Outbox = env.outbox
	rec = env.do(t, "POST", "/v1/events", "acme", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ACCEPT_FIRST_SEEN", out["decision"])

	rows, err := env.outbox.Claim(context.Background(), "w", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-9", rows[0].AggregateID)
}
