// Package outbox implements the transactional outbox: domain writes
// co-commit rows, the drainer claims and publishes them with bounded
// retries, and rows that exhaust their attempts are quarantined for
// operator attention.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the row lifecycle state.
//
//	PENDING ─claim→ IN_PROGRESS ─ok→ PUBLISHED
//	                     │
//	                     ├─fail, attempts<max→ RETRY (claimable after available_at)
//	                     └─fail, attempts≥max→ QUARANTINED
//
// PUBLISHED and QUARANTINED are terminal; quarantined rows move again only
// through an explicit operator Requeue.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPublished   Status = "PUBLISHED"
	StatusRetry       Status = "RETRY"
	StatusQuarantined Status = "QUARANTINED"
)

// Headers the drainer injects when the row does not already carry them.
const (
	HeaderTenantID      = "x-tenant-id"
	HeaderEntityVersion = "x-entity-version"
	HeaderEventID       = "x-event-id"
)

// Row is one pending domain message. Payload is structured and PII-free by
// contract; the outbox never inspects it.
type Row struct {
	ID       uuid.UUID
	TenantID string
	Topic    string

	// EventKey routes per-aggregate ordering; blank falls back to
	// AggregateID, then to unordered publishing.
	EventKey      string
	AggregateType string
	AggregateID   string
	EventType     string
	EntityVersion uint64 // 0 when the event is not version-bearing

	Payload []byte
	Headers map[string]string

	Priority    int
	CreatedAt   time.Time
	AvailableAt time.Time
	PublishedAt *time.Time

	Status     Status
	Attempts   int
	LastError  string
	ClaimedBy  string
	RowVersion int64
}

// OrderingKey returns the key the publisher orders by.
func (r *Row) OrderingKey() string {
	if r.EventKey != "" {
		return r.EventKey
	}
	return r.AggregateID
}
