package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"bountyflow/apperr"
	"bountyflow/escrow"
)

const escrowColumns = `id, bounty_id, rail, rail_reference, payer_identity, currency, requested_amount, platform_fee,
total_amount, received_amount, payout_basis, released_amount, refunded_amount, status, verified_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (escrow.Escrow, error) {
	var e escrow.Escrow
	err := row.Scan(&e.ID, &e.BountyID, &e.Rail, &e.RailReference, &e.PayerIdentity, &e.Currency, &e.RequestedAmount,
		&e.PlatformFee, &e.TotalAmount, &e.ReceivedAmount, &e.PayoutBasis, &e.ReleasedAmount, &e.RefundedAmount,
		&e.Status, &e.VerifiedAt, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (t *pgTx) InsertEscrow(ctx context.Context, e escrow.Escrow) error {
	const insertSQL = `
INSERT INTO escrows (` + escrowColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
`
	if _, err := t.tx.Exec(ctx, insertSQL, e.ID, e.BountyID, e.Rail, e.RailReference, e.PayerIdentity, e.Currency,
		e.RequestedAmount, e.PlatformFee, e.TotalAmount, e.ReceivedAmount, e.PayoutBasis, e.ReleasedAmount,
		e.RefundedAmount, e.Status, e.VerifiedAt, e.CreatedAt, e.UpdatedAt); err != nil {
		return wrap(err, "insert escrow")
	}
	return nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e escrow.Escrow) error {
	const updateSQL = `
UPDATE escrows
SET rail = $2,
    rail_reference = $3,
    payer_identity = $4,
    requested_amount = $5,
    platform_fee = $6,
    total_amount = $7,
    received_amount = $8,
    payout_basis = $9,
    released_amount = $10,
    refunded_amount = $11,
    status = $12,
    verified_at = $13,
    updated_at = $14
WHERE id = $1;
`
	tag, err := t.tx.Exec(ctx, updateSQL, e.ID, e.Rail, e.RailReference, e.PayerIdentity, e.RequestedAmount,
		e.PlatformFee, e.TotalAmount, e.ReceivedAmount, e.PayoutBasis, e.ReleasedAmount, e.RefundedAmount,
		e.Status, e.VerifiedAt, e.UpdatedAt)
	if err != nil {
		return wrap(err, "update escrow")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("escrow %s not found", e.ID)
	}
	return nil
}

func (t *pgTx) getEscrow(ctx context.Context, what, where string, args ...any) (escrow.Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Escrow{}, apperr.NotFound("%s not found", what)
		}
		return escrow.Escrow{}, wrap(err, "get escrow")
	}
	return e, nil
}

func (t *pgTx) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	return t.getEscrow(ctx, "escrow "+id, `id = $1`, id)
}

func (t *pgTx) EscrowForBounty(ctx context.Context, bountyID string) (escrow.Escrow, error) {
	return t.getEscrow(ctx, "escrow of bounty "+bountyID, `bounty_id = $1`, bountyID)
}

func (t *pgTx) EscrowByReference(ctx context.Context, rail, reference string) (escrow.Escrow, error) {
	return t.getEscrow(ctx, "escrow for "+rail+" reference "+reference, `
id = COALESCE(
    (SELECT escrow_id FROM rail_references WHERE rail = $1 AND reference = $2),
    (SELECT id FROM escrows WHERE rail = $1 AND rail_reference = $2 LIMIT 1)
)`, rail, reference)
}

func (t *pgTx) ClaimRailReference(ctx context.Context, rail, reference, escrowID string) error {
	const claimSQL = `
INSERT INTO rail_references (rail, reference, escrow_id)
VALUES ($1, $2, $3)
ON CONFLICT (rail, reference) DO UPDATE SET rail = EXCLUDED.rail
RETURNING escrow_id;
`
	var owner string
	if err := t.tx.QueryRow(ctx, claimSQL, rail, reference, escrowID).Scan(&owner); err != nil {
		return wrap(err, "claim rail reference")
	}
	if owner != escrowID {
		return apperr.StateConflict("%s reference %s already settled escrow %s", rail, reference, owner)
	}
	return nil
}

func (t *pgTx) InsertRelease(ctx context.Context, r escrow.Release) error {
	const insertSQL = `
INSERT INTO escrow_releases (id, escrow_id, bounty_id, milestone_id, dispute_id, amount, destination, reference, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	if _, err := t.tx.Exec(ctx, insertSQL, r.ID, r.EscrowID, r.BountyID, nullIfEmpty(r.MilestoneID), nullIfEmpty(r.DisputeID),
		r.Amount, r.Destination, r.Reference, r.CreatedAt); err != nil {
		return wrap(err, "insert release")
	}
	return nil
}

func (t *pgTx) InsertRefund(ctx context.Context, r escrow.Refund) error {
	const insertSQL = `
INSERT INTO escrow_refunds (id, escrow_id, bounty_id, amount, destination, reference, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	if _, err := t.tx.Exec(ctx, insertSQL, r.ID, r.EscrowID, r.BountyID, r.Amount, r.Destination, r.Reference, r.Reason, r.CreatedAt); err != nil {
		return wrap(err, "insert refund")
	}
	return nil
}

func (t *pgTx) ListReleases(ctx context.Context, escrowID string) ([]escrow.Release, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, escrow_id, bounty_id, COALESCE(milestone_id, ''), COALESCE(dispute_id, ''), amount, destination, reference, created_at
FROM escrow_releases
WHERE escrow_id = $1
ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, wrap(err, "list releases")
	}
	defer rows.Close()

	var out []escrow.Release
	for rows.Next() {
		var r escrow.Release
		if err := rows.Scan(&r.ID, &r.EscrowID, &r.BountyID, &r.MilestoneID, &r.DisputeID, &r.Amount, &r.Destination, &r.Reference, &r.CreatedAt); err != nil {
			return nil, wrap(err, "scan release")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list releases")
	}
	return out, nil
}

func (t *pgTx) ListRefunds(ctx context.Context, escrowID string) ([]escrow.Refund, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, escrow_id, bounty_id, amount, destination, reference, reason, created_at
FROM escrow_refunds
WHERE escrow_id = $1
ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, wrap(err, "list refunds")
	}
	defer rows.Close()

	var out []escrow.Refund
	for rows.Next() {
		var r escrow.Refund
		if err := rows.Scan(&r.ID, &r.EscrowID, &r.BountyID, &r.Amount, &r.Destination, &r.Reference, &r.Reason, &r.CreatedAt); err != nil {
			return nil, wrap(err, "scan refund")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list refunds")
	}
	return out, nil
}

const intentColumns = `id, bounty_id, escrow_id, rail, kind, milestone_id, dispute_id, event, actor_id, legs,
attempts, last_error, created_at, updated_at`

func scanIntent(row pgx.Row) (escrow.Intent, error) {
	var (
		in   escrow.Intent
		legs []byte
	)
	if err := row.Scan(&in.ID, &in.BountyID, &in.EscrowID, &in.Rail, &in.Kind, &in.MilestoneID, &in.DisputeID, &in.Event,
		&in.ActorID, &legs, &in.Attempts, &in.LastError, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return escrow.Intent{}, err
	}
	if err := json.Unmarshal(legs, &in.Legs); err != nil {
		return escrow.Intent{}, apperr.Internal(err, "postgres: decode legs of settlement %s", in.ID)
	}
	return in, nil
}

func (t *pgTx) InsertIntent(ctx context.Context, in escrow.Intent) error {
	legs, err := json.Marshal(in.Legs)
	if err != nil {
		return apperr.Internal(err, "postgres: encode settlement legs")
	}
	const insertSQL = `
INSERT INTO settlement_intents (` + intentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	if _, err := t.tx.Exec(ctx, insertSQL, in.ID, in.BountyID, in.EscrowID, in.Rail, in.Kind, in.MilestoneID, in.DisputeID,
		in.Event, in.ActorID, legs, in.Attempts, in.LastError, in.CreatedAt, in.UpdatedAt); err != nil {
		return wrap(err, "insert settlement")
	}
	return nil
}

func (t *pgTx) IntentForBounty(ctx context.Context, bountyID string) (escrow.Intent, error) {
	in, err := scanIntent(t.tx.QueryRow(ctx, `SELECT `+intentColumns+` FROM settlement_intents WHERE bounty_id = $1`, bountyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Intent{}, apperr.NotFound("bounty %s has no settlement in progress", bountyID)
		}
		return escrow.Intent{}, apperr.Wrap(err, "postgres: get settlement")
	}
	return in, nil
}

func (t *pgTx) UpdateIntent(ctx context.Context, in escrow.Intent) error {
	legs, err := json.Marshal(in.Legs)
	if err != nil {
		return apperr.Internal(err, "postgres: encode settlement legs")
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE settlement_intents
SET legs = $2, attempts = $3, last_error = $4, updated_at = $5
WHERE id = $1`, in.ID, legs, in.Attempts, in.LastError, in.UpdatedAt)
	if err != nil {
		return wrap(err, "update settlement")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("settlement %s not found", in.ID)
	}
	return nil
}

func (t *pgTx) DeleteIntent(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM settlement_intents WHERE id = $1`, id)
	if err != nil {
		return wrap(err, "delete settlement")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("settlement %s not found", id)
	}
	return nil
}

func (t *pgTx) StaleIntents(ctx context.Context, before time.Time, limit int) ([]escrow.Intent, error) {
	rows, err := t.tx.Query(ctx, `
SELECT `+intentColumns+`
FROM settlement_intents
WHERE updated_at < $1
ORDER BY updated_at
LIMIT $2`, before, limit)
	if err != nil {
		return nil, wrap(err, "list stale settlements")
	}
	defer rows.Close()

	var out []escrow.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "postgres: scan settlement")
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list stale settlements")
	}
	return out, nil
}
