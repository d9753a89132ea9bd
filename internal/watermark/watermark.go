// Package watermark tracks, per tenant, the highest write timestamp the
// system has acknowledged. The read-your-writes guard compares an incoming
// token's watermark against this value.
//
// The store is an SPI: the in-memory implementation serves tests and
// single-process deployments; the Redis implementation serves multi-pod
// deployments where all pods must observe the same watermark.
package watermark

import (
	"context"
	"sync"
	"time"
)

// Store is a per-tenant monotonic timestamp register.
// All mutation goes through AdvanceAtLeast, which must behave as an atomic
// max: never read-modify-write, never decreasing, no cross-tenant coupling.
// Errors propagate; callers must not silently degrade consistency on failure.
type Store interface {
	// Current returns the tenant's watermark in epoch milliseconds,
	// 0 when the tenant has never written.
	Current(ctx context.Context, tenantID string) (int64, error)
	// AdvanceAtLeast atomically raises the watermark to at least ms and
	// returns the resulting value, max(current, ms).
	AdvanceAtLeast(ctx context.Context, tenantID string, ms int64) (int64, error)
	// AdvanceToNow is AdvanceAtLeast with the store's clock.
	AdvanceToNow(ctx context.Context, tenantID string) (int64, error)
}

// MemoryStore keeps watermarks in a process-local map. Advances take the
// write lock for the duration of the compare-and-set, which makes them
// linearizable per tenant.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]int64

	// Now is the clock used by AdvanceToNow; tests may replace it.
	Now func() time.Time
}

// NewMemoryStore returns an empty in-memory watermark store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		marks: make(map[string]int64),
		Now:   time.Now,
	}
}

func (m *MemoryStore) Current(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marks[tenantID], nil
}

func (m *MemoryStore) AdvanceAtLeast(_ context.Context, tenantID string, ms int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.marks[tenantID]; cur >= ms {
		return cur, nil
	}
	m.marks[tenantID] = ms
	return ms, nil
}

func (m *MemoryStore) AdvanceToNow(ctx context.Context, tenantID string) (int64, error) {
	return m.AdvanceAtLeast(ctx, tenantID, m.Now().UnixMilli())
}
