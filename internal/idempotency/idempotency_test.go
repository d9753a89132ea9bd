package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	first := Record{
		TenantID:         "acme",
		RequestKey:       "req-1",
		RequestHash:      HashRequest("PUT", "/v1/orders/1", []byte(`{"qty":1}`)),
		HTTPMethod:       "PUT",
		HTTPPath:         "/v1/orders/1",
		ResponseSnapshot: []byte(`{"ok":true}`),
		StatusCode:       200,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}

	stored, err := s.Remember(ctx, first)
	if err != nil || !stored {
		t.Fatalf("Remember = (%v, %v), want (true, nil)", stored, err)
	}

	// A second write under the same key must lose.
	second := first
	second.ResponseSnapshot = []byte(`{"ok":false}`)
	stored, err = s.Remember(ctx, second)
	if err != nil || stored {
		t.Fatalf("duplicate Remember = (%v, %v), want (false, nil)", stored, err)
	}

	rec, err := s.Recall(ctx, "acme", "req-1")
	if err != nil || rec == nil {
		t.Fatalf("Recall = (%v, %v)", rec, err)
	}
	if string(rec.ResponseSnapshot) != `{"ok":true}` {
		t.Errorf("Recall returned the losing snapshot: %s", rec.ResponseSnapshot)
	}

	// Tenant isolation and expiry.
	if rec, _ := s.Recall(ctx, "other", "req-1"); rec != nil {
		t.Error("Recall crossed tenants")
	}
	s.Now = func() time.Time { return now.Add(2 * time.Hour) }
	if rec, _ := s.Recall(ctx, "acme", "req-1"); rec != nil {
		t.Error("Recall returned an expired record")
	}
}

func TestHashRequestDistinguishesContent(t *testing.T) {
	a := HashRequest("PUT", "/v1/orders/1", []byte(`{"qty":1}`))
	b := HashRequest("PUT", "/v1/orders/1", []byte(`{"qty":2}`))
	c := HashRequest("POST", "/v1/orders/1", []byte(`{"qty":1}`))
	if a == b || a == c {
		t.Errorf("hash collisions across distinct requests: a=%s b=%s c=%s", a, b, c)
	}
	if a != HashRequest("PUT", "/v1/orders/1", []byte(`{"qty":1}`)) {
		t.Error("hash not deterministic")
	}
}
