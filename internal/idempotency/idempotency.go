// Package idempotency stores response snapshots keyed by
// (tenant, requestKey) so that a retried write replays the original
// response instead of re-executing the handler. Records are immutable
// after insert and expire by TTL.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one remembered request/response pair.
type Record struct {
	TenantID         string
	RequestKey       string
	RequestHash      string
	HTTPMethod       string
	HTTPPath         string
	ResponseSnapshot []byte
	StatusCode       int
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// HashRequest fingerprints the request body so a retry with the same key
// but different content can be detected and rejected by the handler.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Store persists idempotency records.
type Store interface {
	// Remember inserts rec if the key is unseen. Returns false without
	// error when a record already exists; the existing record wins.
	Remember(ctx context.Context, rec Record) (stored bool, err error)
	// Recall returns the remembered record, or nil when absent or expired.
	Recall(ctx context.Context, tenantID, requestKey string) (*Record, error)
}

// PGStore is the Postgres implementation over idempotency_record.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed idempotency store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Remember(ctx context.Context, rec Record) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_record (
			tenant_id, request_key, request_hash, http_method, http_path,
			response_snapshot, status_code, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, request_key) DO NOTHING
	`, rec.TenantID, rec.RequestKey, rec.RequestHash, rec.HTTPMethod, rec.HTTPPath,
		rec.ResponseSnapshot, rec.StatusCode, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Recall(ctx context.Context, tenantID, requestKey string) (*Record, error) {
	rec := Record{TenantID: tenantID, RequestKey: requestKey}
	err := s.db.QueryRow(ctx, `
		SELECT request_hash, http_method, http_path, response_snapshot,
		       status_code, created_at, expires_at
		FROM idempotency_record
		WHERE tenant_id = $1 AND request_key = $2 AND expires_at > now()
	`, tenantID, requestKey).Scan(
		&rec.RequestHash, &rec.HTTPMethod, &rec.HTTPPath, &rec.ResponseSnapshot,
		&rec.StatusCode, &rec.CreatedAt, &rec.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record

	// Now is the clock used for expiry; tests may replace it.
	Now func() time.Time
}

// NewMemoryStore returns an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record), Now: time.Now}
}

func (m *MemoryStore) Remember(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.TenantID + "\x00" + rec.RequestKey
	if existing, ok := m.recs[key]; ok && existing.ExpiresAt.After(m.Now()) {
		return false, nil
	}
	m.recs[key] = rec
	return true, nil
}

func (m *MemoryStore) Recall(_ context.Context, tenantID, requestKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[tenantID+"\x00"+requestKey]
	if !ok || !rec.ExpiresAt.After(m.Now()) {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}
