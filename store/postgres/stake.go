package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"bountyflow/apperr"
	"bountyflow/dispute"
	"bountyflow/stake"
)

func (t *pgTx) LockStakeAccount(ctx context.Context, labID string) (stake.Account, error) {
	if _, err := t.tx.Exec(ctx, `
INSERT INTO stake_accounts (lab_id) VALUES ($1)
ON CONFLICT (lab_id) DO NOTHING`, labID); err != nil {
		return stake.Account{}, wrap(err, "open stake account")
	}
	var a stake.Account
	err := t.tx.QueryRow(ctx, `
SELECT lab_id, staking_balance, locked_stake, updated_at
FROM stake_accounts
WHERE lab_id = $1
FOR UPDATE`, labID).Scan(&a.LabID, &a.StakingBalance, &a.LockedStake, &a.UpdatedAt)
	if err != nil {
		return stake.Account{}, wrap(err, "lock stake account")
	}
	return a, nil
}

func (t *pgTx) SaveStakeAccount(ctx context.Context, a stake.Account) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE stake_accounts
SET staking_balance = $2, locked_stake = $3, updated_at = $4
WHERE lab_id = $1`, a.LabID, a.StakingBalance, a.LockedStake, a.UpdatedAt)
	if err != nil {
		return wrap(err, "save stake account")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("stake account %s not found", a.LabID)
	}
	return nil
}

func (t *pgTx) AppendStakeTransaction(ctx context.Context, st stake.Transaction) error {
	if _, err := t.tx.Exec(ctx, `
INSERT INTO stake_transactions (lab_id, bounty_id, type, amount, balance, locked, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.LabID, nullIfEmpty(st.BountyID), st.Type, st.Amount, st.Balance, st.Locked, st.At); err != nil {
		return wrap(err, "append stake transaction")
	}
	return nil
}

func (t *pgTx) InsertStakeAnomaly(ctx context.Context, a stake.Anomaly) error {
	if _, err := t.tx.Exec(ctx, `
INSERT INTO stake_anomalies (lab_id, bounty_id, requested, applied, shortfall, at)
VALUES ($1, $2, $3, $4, $5, $6)`, a.LabID, a.BountyID, a.Requested, a.Applied, a.Shortfall, a.At); err != nil {
		return wrap(err, "insert stake anomaly")
	}
	return nil
}

func (t *pgTx) ListStakeTransactions(ctx context.Context, labID string) ([]stake.Transaction, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, lab_id, COALESCE(bounty_id, ''), type, amount, balance, locked, at
FROM stake_transactions
WHERE lab_id = $1
ORDER BY id`, labID)
	if err != nil {
		return nil, wrap(err, "list stake transactions")
	}
	defer rows.Close()

	var out []stake.Transaction
	for rows.Next() {
		var st stake.Transaction
		if err := rows.Scan(&st.ID, &st.LabID, &st.BountyID, &st.Type, &st.Amount, &st.Balance, &st.Locked, &st.At); err != nil {
			return nil, wrap(err, "scan stake transaction")
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list stake transactions")
	}
	return out, nil
}

const disputeColumns = `id, bounty_id, initiator_id, reason, description, evidence_links, status, resolution,
slash_amount, slash_percent, refund_percent, arbitrator_id, notes, prior_state, created_at, updated_at, resolved_at`

func scanDispute(row pgx.Row) (dispute.Record, error) {
	var d dispute.Record
	err := row.Scan(&d.ID, &d.BountyID, &d.InitiatorID, &d.Reason, &d.Description, &d.EvidenceLinks, &d.Status,
		&d.Resolution, &d.SlashAmount, &d.SlashPercent, &d.RefundPercent, &d.ArbitratorID, &d.Notes, &d.PriorState,
		&d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt)
	return d, err
}

func (t *pgTx) InsertDispute(ctx context.Context, d dispute.Record) error {
	links := d.EvidenceLinks
	if links == nil {
		links = []string{}
	}
	const insertSQL = `
INSERT INTO disputes (` + disputeColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
`
	if _, err := t.tx.Exec(ctx, insertSQL, d.ID, d.BountyID, d.InitiatorID, d.Reason, d.Description, links, d.Status,
		d.Resolution, d.SlashAmount, d.SlashPercent, d.RefundPercent, d.ArbitratorID, d.Notes, d.PriorState,
		d.CreatedAt, d.UpdatedAt, d.ResolvedAt); err != nil {
		return wrap(err, "insert dispute")
	}
	return nil
}

func (t *pgTx) GetDispute(ctx context.Context, id string) (dispute.Record, error) {
	d, err := scanDispute(t.tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispute.Record{}, apperr.NotFound("dispute %s not found", id)
		}
		return dispute.Record{}, wrap(err, "get dispute")
	}
	return d, nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, d dispute.Record) error {
	const updateSQL = `
UPDATE disputes
SET status = $2,
    resolution = $3,
    slash_amount = $4,
    slash_percent = $5,
    refund_percent = $6,
    arbitrator_id = $7,
    notes = $8,
    updated_at = $9,
    resolved_at = $10
WHERE id = $1 AND status <> 'resolved';
`
	tag, err := t.tx.Exec(ctx, updateSQL, d.ID, d.Status, d.Resolution, d.SlashAmount, d.SlashPercent, d.RefundPercent,
		d.ArbitratorID, d.Notes, d.UpdatedAt, d.ResolvedAt)
	if err != nil {
		return wrap(err, "update dispute")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return wrap(err, "update dispute")
		}
		if exists {
			return apperr.StateConflict("dispute %s is already resolved", d.ID)
		}
		return apperr.NotFound("dispute %s not found", d.ID)
	}
	return nil
}

func (t *pgTx) ActiveDispute(ctx context.Context, bountyID string) (dispute.Record, bool, error) {
	d, err := scanDispute(t.tx.QueryRow(ctx, `
SELECT `+disputeColumns+`
FROM disputes
WHERE bounty_id = $1 AND status <> 'resolved'`, bountyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispute.Record{}, false, nil
		}
		return dispute.Record{}, false, wrap(err, "active dispute")
	}
	return d, true, nil
}
