// Package postgres implements store.Store on PostgreSQL through pgx. A bounty
// is serialized by its row lock (SELECT ... FOR UPDATE) for the lifetime of
// the transaction.
package postgres

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bountyflow/apperr"
	"bountyflow/inbox"
	"bountyflow/outbox"
	"bountyflow/store"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	db DB
}

var _ store.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apperr.Internal(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(err, "postgres: commit tx")
	}
	return nil
}

// wrap maps driver errors onto apperr kinds. Unique violations are conflicts;
// everything else is internal.
func wrap(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.StateConflict("%s: %s already exists", op, pgErr.ConstraintName)
	}
	return apperr.Internal(err, "postgres: %s", op)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) ClaimOutbox(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]outbox.Message, error) {
	const claimSQL = `
WITH due AS (
    SELECT id FROM outbox
    WHERE status = 'pending' AND next_attempt_at <= $1
    ORDER BY created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET next_attempt_at = $3
FROM due
WHERE o.id = due.id
RETURNING o.id, o.topic, o.key, o.payload, o.status, o.attempts, o.last_error, o.next_attempt_at, o.created_at;
`
	rows, err := s.db.Query(ctx, claimSQL, now, limit, now.Add(lease))
	if err != nil {
		return nil, wrap(err, "claim outbox")
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var m outbox.Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.NextAttemptAt, &m.CreatedAt); err != nil {
			return nil, wrap(err, "scan outbox")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "claim outbox")
	}
	slices.SortStableFunc(out, func(a, b outbox.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) MarkOutboxProcessed(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id); err != nil {
		return wrap(err, "mark outbox processed")
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, dead bool) error {
	const updateSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    next_attempt_at = $3,
    status = CASE WHEN $4 THEN 'dead' ELSE status END
WHERE id = $1;
`
	if _, err := s.db.Exec(ctx, updateSQL, id, lastErr, nextAttempt, dead); err != nil {
		return wrap(err, "mark outbox failed")
	}
	return nil
}

func (s *Store) RecordInbound(ctx context.Context, ev inbox.Event) (bool, error) {
	const insertSQL = `
INSERT INTO inbound_events (id, rail, event_id, type, reference, bounty_id, escrow_id, shard, payload, status, next_attempt_at, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (rail, event_id) DO NOTHING;
`
	tag, err := s.db.Exec(ctx, insertSQL,
		ev.ID, ev.Rail, ev.EventID, ev.Type, ev.Reference, ev.BountyID, ev.EscrowID,
		ev.Shard, ev.Payload, ev.Status, ev.NextAttemptAt, ev.ReceivedAt)
	if err != nil {
		return false, wrap(err, "record inbound")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimInbound(ctx context.Context, shard, limit int, now time.Time, lease time.Duration) ([]inbox.Event, error) {
	const claimSQL = `
WITH due AS (
    SELECT id FROM inbound_events
    WHERE shard = $1 AND status = 'pending' AND next_attempt_at <= $2
    ORDER BY received_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE inbound_events e
SET next_attempt_at = $4
FROM due
WHERE e.id = due.id
RETURNING e.id, e.rail, e.event_id, e.type, e.reference, e.bounty_id, e.escrow_id, e.shard,
          e.payload, e.status, e.attempts, e.last_error, e.next_attempt_at, e.received_at;
`
	rows, err := s.db.Query(ctx, claimSQL, shard, now, limit, now.Add(lease))
	if err != nil {
		return nil, wrap(err, "claim inbound")
	}
	defer rows.Close()

	var out []inbox.Event
	for rows.Next() {
		var ev inbox.Event
		if err := rows.Scan(&ev.ID, &ev.Rail, &ev.EventID, &ev.Type, &ev.Reference, &ev.BountyID, &ev.EscrowID, &ev.Shard,
			&ev.Payload, &ev.Status, &ev.Attempts, &ev.LastError, &ev.NextAttemptAt, &ev.ReceivedAt); err != nil {
			return nil, wrap(err, "scan inbound")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "claim inbound")
	}
	// RETURNING does not preserve the CTE order.
	slices.SortStableFunc(out, func(a, b inbox.Event) int { return a.ReceivedAt.Compare(b.ReceivedAt) })
	return out, nil
}

func (s *Store) MarkInboundProcessed(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE inbound_events SET status = 'processed' WHERE id = $1`, id); err != nil {
		return wrap(err, "mark inbound processed")
	}
	return nil
}

func (s *Store) MarkInboundFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, dead bool) error {
	const updateSQL = `
UPDATE inbound_events
SET attempts = attempts + 1,
    last_error = $2,
    next_attempt_at = $3,
    status = CASE WHEN $4 THEN 'dead' ELSE status END
WHERE id = $1;
`
	if _, err := s.db.Exec(ctx, updateSQL, id, lastErr, nextAttempt, dead); err != nil {
		return wrap(err, "mark inbound failed")
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}
