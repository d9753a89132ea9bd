package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veloplane/tenantkit/internal/bus"
)

// Querier is the subset of pgx both *pgxpool.Pool and pgx.Tx satisfy.
// Insert takes it so producers can co-commit outbox rows inside their own
// domain transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the Postgres outbox store.
type PGStore struct {
	db Querier
}

// NewPGStore creates a Postgres-backed outbox store. db is usually the
// process pool; the drainer's claim/mark statements run outside domain
// transactions.
func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

// Enqueue inserts a PENDING row outside any caller transaction, for
// producers that have no domain state of their own to commit.
func (s *PGStore) Enqueue(ctx context.Context, row *Row) error {
	return s.Insert(ctx, s.db, row)
}

// Insert writes a PENDING row through q. Pass the domain transaction as q
// to co-commit the row with the domain state it announces. Zero-value
// timing fields default to now.
func (s *PGStore) Insert(ctx context.Context, q Querier, row *Row) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if row.AvailableAt.Before(row.CreatedAt) {
		row.AvailableAt = row.CreatedAt
	}
	_, err := q.Exec(ctx, `
		INSERT INTO outbox (
			id, tenant_id, topic, event_key, aggregate_type, aggregate_id,
			event_type, entity_version, payload, headers, priority,
			created_at, available_at, status, attempts, row_version
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, ''), NULLIF($8, 0), $9, $10, $11, $12, $13, 'PENDING', 0, 1)
	`, row.ID, row.TenantID, row.Topic, row.EventKey, row.AggregateType, row.AggregateID,
		row.EventType, row.EntityVersion, row.Payload, row.Headers, row.Priority,
		row.CreatedAt, row.AvailableAt)
	if err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	return nil
}

const claimSQL = `
UPDATE outbox SET
	status = 'IN_PROGRESS',
	claimed_by = $1,
	attempts = attempts + 1,
	row_version = row_version + 1
WHERE id IN (
	SELECT id FROM outbox
	WHERE status IN ('PENDING', 'RETRY') AND available_at <= now()
	ORDER BY priority DESC, created_at ASC, id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
RETURNING id, tenant_id, topic,
	COALESCE(event_key, ''), COALESCE(aggregate_type, ''), COALESCE(aggregate_id, ''),
	COALESCE(event_type, ''), COALESCE(entity_version, 0),
	payload, headers, priority, created_at, available_at, attempts, row_version`

// Claim runs the skip-locked claim. SKIP LOCKED guarantees no two workers
// receive the same row; the subquery ordering keeps the drain FIFO per
// priority band.
func (s *PGStore) Claim(ctx context.Context, worker string, limit int) ([]Row, error) {
	rows, err := s.db.Query(ctx, claimSQL, worker, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}
	defer rows.Close()

	var claimed []Row
	for rows.Next() {
		r := Row{Status: StatusInProgress, ClaimedBy: worker}
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.Topic,
			&r.EventKey, &r.AggregateType, &r.AggregateID,
			&r.EventType, &r.EntityVersion,
			&r.Payload, &r.Headers, &r.Priority, &r.CreatedAt, &r.AvailableAt,
			&r.Attempts, &r.RowVersion,
		); err != nil {
			return nil, fmt.Errorf("outbox claim scan: %w", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox claim rows: %w", err)
	}
	return claimed, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, id uuid.UUID, receipt bus.Receipt, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox SET
			status = 'PUBLISHED', published_at = $2, publish_receipt = $3,
			last_error = NULL, row_version = row_version + 1
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, at, receipt.String())
	return err
}

func (s *PGStore) MarkRetry(ctx context.Context, id uuid.UUID, availableAt time.Time, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox SET
			status = 'RETRY', available_at = $2, last_error = $3,
			row_version = row_version + 1
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, availableAt, lastError)
	return err
}

func (s *PGStore) MarkQuarantined(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox SET
			status = 'QUARANTINED', last_error = $2, row_version = row_version + 1
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`, id, lastError)
	return err
}

// Requeue returns a quarantined row to PENDING. Operator tooling only;
// nothing in the drainer calls this.
func (s *PGStore) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE outbox SET
			status = 'PENDING', attempts = 0, last_error = NULL,
			available_at = now(), row_version = row_version + 1
		WHERE id = $1 AND status = 'QUARANTINED'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
