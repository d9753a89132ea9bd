package dedupe

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx. The
// store takes it so the first-writer insert can run inside a caller
// transaction alongside the side effect it gates.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore backs the dedupe register with the dedupe_event table.
// Atomicity of the first-writer-wins insert rests on the primary key
// (tenant_id, event_id, version); ON CONFLICT DO NOTHING makes the losing
// writer observe zero affected rows instead of an error.
type PGStore struct {
	db Querier
}

// NewPGStore creates a Postgres-backed dedupe store. db is the process
// pool or a transaction.
func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, key Key, seenAt, expiresAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO dedupe_event (tenant_id, event_id, version, first_seen_at, last_seen_at, expires_at, seen_count)
		VALUES ($1, $2, $3, $4, $4, $5, 1)
		ON CONFLICT (tenant_id, event_id, version) DO NOTHING
	`, key.TenantID, key.EventID, key.Version, seenAt, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) BumpSeen(ctx context.Context, key Key, seenAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE dedupe_event
		SET last_seen_at = $4, seen_count = seen_count + 1
		WHERE tenant_id = $1 AND event_id = $2 AND version = $3
	`, key.TenantID, key.EventID, key.Version, seenAt)
	return err
}
