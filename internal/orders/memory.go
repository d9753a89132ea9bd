package orders

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veloplane/tenantkit/internal/outbox"
)

// MemoryService is an in-process Service for tests. When Outbox is set,
// writes append rows to it the way the Postgres service co-commits them.
type MemoryService struct {
	Outbox *outbox.MemoryStore
	Topic  string

	mu     sync.Mutex
	orders map[string]Order
}

// NewMemoryService returns an empty in-memory order service.
func NewMemoryService() *MemoryService {
	return &MemoryService{orders: make(map[string]Order), Topic: "orders"}
}

func key(tenantID string, id uuid.UUID) string { return tenantID + "\x00" + id.String() }

func (s *MemoryService) Get(_ context.Context, tenantID string, id uuid.UUID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[key(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (s *MemoryService) Put(_ context.Context, tenantID string, id uuid.UUID, data map[string]any, expectedVersion uint64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := uint64(0)
	existing, exists := s.orders[key(tenantID, id)]
	if exists {
		current = existing.Version
	}
	if expectedVersion > 0 && expectedVersion != current {
		return nil, &VersionMismatchError{Current: current}
	}

	o := Order{
		ID:        id,
		TenantID:  tenantID,
		Data:      data,
		Version:   current + 1,
		UpdatedAt: time.Now(),
	}
	s.orders[key(tenantID, id)] = o

	if s.Outbox != nil {
		eventType := "order.updated"
		if !exists {
			eventType = "order.created"
		}
		payload, _ := json.Marshal(map[string]any{
			"orderId": id, "tenantId": tenantID, "version": o.Version, "type": eventType,
		})
		s.Outbox.Add(outbox.Row{
			TenantID:      tenantID,
			Topic:         s.Topic,
			EventKey:      id.String(),
			AggregateType: "order",
			AggregateID:   id.String(),
			EventType:     eventType,
			EntityVersion: o.Version,
			Payload:       payload,
		})
	}
	return &o, nil
}
