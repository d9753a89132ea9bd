// Package intake admits producer-submitted events: the dedupe fences
// decide, and an admitted event becomes a pending outbox row. Decision and
// row commit together, so a failed enqueue can never leave a dedupe record
// behind that would turn the producer's retry into a silent loss.
package intake

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/dedupe"
	"github.com/veloplane/tenantkit/internal/outbox"
)

// Service admits one event. On ACCEPT_FIRST_SEEN the row has been durably
// enqueued; any error means nothing was recorded and the producer must
// retry.
type Service interface {
	Submit(ctx context.Context, check dedupe.CheckRequest, row *outbox.Row) (dedupe.Decision, error)
}

// PGService runs the dedupe insert and the outbox enqueue in a single
// transaction.
type PGService struct {
	DB     *pgxpool.Pool
	Dedupe *dedupe.Engine
	Outbox *outbox.PGStore
}

// NewPGService wires the transactional intake service.
func NewPGService(db *pgxpool.Pool, ded *dedupe.Engine, ob *outbox.PGStore) *PGService {
	return &PGService{DB: db, Dedupe: ded, Outbox: ob}
}

func (s *PGService) Submit(ctx context.Context, check dedupe.CheckRequest, row *outbox.Row) (dedupe.Decision, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	// The tx-bound engine leaves the shared cache untouched; a mark that
	// survived a rollback would shadow the event forever.
	decision := s.Dedupe.WithTxStore(dedupe.NewPGStore(tx)).CheckAndMark(ctx, check)
	if decision == dedupe.AcceptFirstSeen {
		if err := s.Outbox.Insert(ctx, tx, row); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	key := dedupe.Key{TenantID: check.Tenant.String(), EventID: check.EventID, Version: check.Version}
	switch decision {
	case dedupe.AcceptFirstSeen:
		s.Dedupe.MarkSeen(ctx, key)
		log.Ctx(ctx).Debug().
			Str("event_id", check.EventID).
			Uint64("version", check.Version).
			Str("topic", row.Topic).
			Msg("event admitted and enqueued")
	case dedupe.Duplicate:
		s.Dedupe.MarkSeen(ctx, key)
	}
	return decision, nil
}

// MemoryService is the in-process Service for tests. It compensates a
// failed enqueue by removing the just-inserted dedupe row, mirroring the
// rollback the Postgres service gets from its transaction.
type MemoryService struct {
	Dedupe *dedupe.Engine
	Store  *dedupe.MemoryStore
	Outbox outbox.Enqueuer
}

func (s *MemoryService) Submit(ctx context.Context, check dedupe.CheckRequest, row *outbox.Row) (dedupe.Decision, error) {
	decision := s.Dedupe.CheckAndMark(ctx, check)
	if decision != dedupe.AcceptFirstSeen {
		return decision, nil
	}
	if err := s.Outbox.Enqueue(ctx, row); err != nil {
		s.Store.Delete(dedupe.Key{TenantID: check.Tenant.String(), EventID: check.EventID, Version: check.Version})
		return "", err
	}
	return decision, nil
}
