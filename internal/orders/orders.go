// Package orders is the reference resource built on the toolkit: a
// per-tenant versioned aggregate whose writes co-commit an outbox row.
// It exists so the toolkit ships one end-to-end wired resource; real
// services replace it with their own aggregates.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/outbox"
)

// ErrNotFound is returned when the order does not exist for the tenant.
var ErrNotFound = errors.New("orders: not found")

// VersionMismatchError reports a failed If-Match precondition. Current is
// the version the handler should surface in the 412 response's ETag;
// 0 means the order does not exist yet.
type VersionMismatchError struct {
	Current uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("orders: version precondition failed, current version %d", e.Current)
}

// Order is one aggregate row.
type Order struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  string         `json:"tenantId"`
	Data      map[string]any `json:"data"`
	Version   uint64         `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Service is the order store. The boundary depends on this interface so
// tests can substitute an in-memory implementation.
type Service interface {
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*Order, error)
	// Put creates or replaces an order. expectedVersion > 0 enforces the
	// If-Match precondition against the stored version; 0 is unconditional.
	Put(ctx context.Context, tenantID string, id uuid.UUID, data map[string]any, expectedVersion uint64) (*Order, error)
}

// PGService stores orders in Postgres and co-commits an outbox row with
// every write, so the domain state and its announcement share one
// transaction.
type PGService struct {
	DB     *pgxpool.Pool
	Outbox *outbox.PGStore
	Topic  string
}

// NewPGService wires the Postgres order service.
func NewPGService(db *pgxpool.Pool, ob *outbox.PGStore, topic string) *PGService {
	return &PGService{DB: db, Outbox: ob, Topic: topic}
}

func (s *PGService) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Order, error) {
	o := Order{ID: id, TenantID: tenantID}
	err := s.DB.QueryRow(ctx, `
		SELECT data, version, updated_at
		FROM orders
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&o.Data, &o.Version, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PGService) Put(ctx context.Context, tenantID string, id uuid.UUID, data map[string]any, expectedVersion uint64) (*Order, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	var current uint64
	err = tx.QueryRow(ctx, `
		SELECT version FROM orders
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, id).Scan(&current)
	exists := true
	if err == pgx.ErrNoRows {
		exists = false
		current = 0
	} else if err != nil {
		return nil, err
	}

	if expectedVersion > 0 && expectedVersion != current {
		return nil, &VersionMismatchError{Current: current}
	}

	now := time.Now()
	newVersion := current + 1
	if exists {
		_, err = tx.Exec(ctx, `
			UPDATE orders SET data = $3, version = $4, updated_at = $5
			WHERE tenant_id = $1 AND id = $2
		`, tenantID, id, data, newVersion, now)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO orders (tenant_id, id, data, version, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, tenantID, id, data, newVersion, now)
	}
	if err != nil {
		return nil, err
	}

	eventType := "order.updated"
	if !exists {
		eventType = "order.created"
	}
	payload, err := json.Marshal(map[string]any{
		"orderId":  id,
		"tenantId": tenantID,
		"version":  newVersion,
		"type":     eventType,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Outbox.Insert(ctx, tx, &outbox.Row{
		TenantID:      tenantID,
		Topic:         s.Topic,
		EventKey:      id.String(),
		AggregateType: "order",
		AggregateID:   id.String(),
		EventType:     eventType,
		EntityVersion: newVersion,
		Payload:       payload,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Debug().
		Stringer("order_id", id).
		Uint64("version", newVersion).
		Str("event_type", eventType).
		Msg("order written with outbox row")

	return &Order{ID: id, TenantID: tenantID, Data: data, Version: newVersion, UpdatedAt: now}, nil
}
