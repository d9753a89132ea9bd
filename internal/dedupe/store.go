package dedupe

import (
	"context"
	"sync"
	"time"
)

// Key identifies one observed event: at most one side effect may ever run
// per key while its row is within TTL.
type Key struct {
	TenantID string
	EventID  string
	Version  uint64
}

// Store is the durable first-writer-wins register. The relational
// implementation is the source of truth; caches only short-circuit
// duplicates.
type Store interface {
	// Insert records the key if unseen. Returns false without error when
	// the key already exists (the first-writer-wins conflict path).
	Insert(ctx context.Context, key Key, seenAt, expiresAt time.Time) (inserted bool, err error)
	// BumpSeen updates last_seen_at and increments the seen counter.
	// Callers treat failures as best-effort.
	BumpSeen(ctx context.Context, key Key, seenAt time.Time) error
}

// MemoryStore is a process-local Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[Key]*memoryRow

	// Now is the clock used for expiry checks; tests may replace it.
	Now func() time.Time
}

type memoryRow struct {
	firstSeenAt time.Time
	lastSeenAt  time.Time
	expiresAt   time.Time
	seenCount   int64
}

// NewMemoryStore returns an empty in-memory dedupe store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[Key]*memoryRow), Now: time.Now}
}

func (m *MemoryStore) Insert(_ context.Context, key Key, seenAt, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok && row.expiresAt.After(m.Now()) {
		return false, nil
	}
	m.rows[key] = &memoryRow{firstSeenAt: seenAt, lastSeenAt: seenAt, expiresAt: expiresAt, seenCount: 1}
	return true, nil
}

func (m *MemoryStore) BumpSeen(_ context.Context, key Key, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok {
		row.lastSeenAt = seenAt
		row.seenCount++
	}
	return nil
}

// Delete removes a key, mirroring a rolled-back transactional insert
// (test helper).
func (m *MemoryStore) Delete(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
}

// SeenCount reports the recorded observation count for a key (test helper).
func (m *MemoryStore) SeenCount(key Key) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok {
		return row.seenCount
	}
	return 0
}

// Len reports the number of stored rows (test helper).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
