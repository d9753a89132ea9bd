package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veloplane/tenantkit/internal/bus"
)

// Store is the drainer's view of outbox persistence. A claimed row is
// exclusively owned by the claiming worker until one of the Mark calls
// moves it to a terminal or retryable state.
type Store interface {
	// Claim atomically moves up to limit due rows (PENDING or RETRY with
	// available_at elapsed) to IN_PROGRESS for worker, incrementing their
	// attempt counters. Order: priority DESC, created_at ASC, id ASC.
	// No two concurrent claimers may receive the same row.
	Claim(ctx context.Context, worker string, limit int) ([]Row, error)
	// MarkPublished finalizes a successful publish.
	MarkPublished(ctx context.Context, id uuid.UUID, receipt bus.Receipt, at time.Time) error
	// MarkRetry schedules a failed row for another attempt at availableAt.
	MarkRetry(ctx context.Context, id uuid.UUID, availableAt time.Time, lastError string) error
	// MarkQuarantined parks a row for operator attention.
	MarkQuarantined(ctx context.Context, id uuid.UUID, lastError string) error
}

// Enqueuer accepts new pending rows. Producers that co-commit with domain
// state use PGStore.Insert directly instead.
type Enqueuer interface {
	Enqueue(ctx context.Context, row *Row) error
}

// MemoryStore is an in-process Store for tests. It enforces the same
// exclusivity and ordering rules as the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Row

	// Now is the clock used for due checks; tests may replace it.
	Now func() time.Time
}

// NewMemoryStore returns an empty in-memory outbox store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*Row), Now: time.Now}
}

// Add inserts a row, defaulting id, status and timestamps (test helper).
func (m *MemoryStore) Add(row Row) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = m.Now()
	}
	if row.AvailableAt.IsZero() {
		row.AvailableAt = row.CreatedAt
	}
	cp := row
	m.rows[row.ID] = &cp
	return row.ID
}

// Enqueue implements Enqueuer over Add.
func (m *MemoryStore) Enqueue(_ context.Context, row *Row) error {
	row.ID = m.Add(*row)
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, worker string, limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var due []*Row
	for _, r := range m.rows {
		if (r.Status == StatusPending || r.Status == StatusRetry) && !r.AvailableAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Row, 0, len(due))
	for _, r := range due {
		r.Status = StatusInProgress
		r.ClaimedBy = worker
		r.Attempts++
		r.RowVersion++
		claimed = append(claimed, *r)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, id uuid.UUID, receipt bus.Receipt, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		r.Status = StatusPublished
		r.PublishedAt = &at
		r.LastError = ""
		r.Headers = withHeader(r.Headers, "x-publish-receipt", receipt.String())
		r.RowVersion++
	}
	return nil
}

func (m *MemoryStore) MarkRetry(_ context.Context, id uuid.UUID, availableAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		r.Status = StatusRetry
		r.AvailableAt = availableAt
		r.LastError = lastError
		r.RowVersion++
	}
	return nil
}

func (m *MemoryStore) MarkQuarantined(_ context.Context, id uuid.UUID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		r.Status = StatusQuarantined
		r.LastError = lastError
		r.RowVersion++
	}
	return nil
}

// Get returns a copy of a row (test helper).
func (m *MemoryStore) Get(id uuid.UUID) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		return *r, true
	}
	return Row{}, false
}

func withHeader(h map[string]string, k, v string) map[string]string {
	if h == nil {
		h = make(map[string]string, 1)
	}
	h[k] = v
	return h
}
