package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"bountyflow/apperr"
	"bountyflow/bounty"
	"bountyflow/lab"
	"bountyflow/outbox"
)

const bountyColumns = `id, funder_id, COALESCE(lab_id, ''), title, description, budget, currency, min_tier, state,
deadline, accepted_bid, locked_stake, created_at, updated_at`

func scanBounty(row pgx.Row) (bounty.Bounty, error) {
	var b bounty.Bounty
	err := row.Scan(&b.ID, &b.FunderID, &b.LabID, &b.Title, &b.Description, &b.Budget, &b.Currency, &b.MinTier, &b.State,
		&b.Deadline, &b.AcceptedBid, &b.LockedStake, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (t *pgTx) InsertBounty(ctx context.Context, b bounty.Bounty) error {
	const insertSQL = `
INSERT INTO bounties (id, funder_id, lab_id, title, description, budget, currency, min_tier, state,
                      deadline, accepted_bid, locked_stake, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	if _, err := t.tx.Exec(ctx, insertSQL, b.ID, b.FunderID, nullIfEmpty(b.LabID), b.Title, b.Description, b.Budget,
		b.Currency, b.MinTier, b.State, b.Deadline, b.AcceptedBid, b.LockedStake, b.CreatedAt, b.UpdatedAt); err != nil {
		return wrap(err, "insert bounty")
	}
	return t.saveMilestones(ctx, b.Milestones)
}

func (t *pgTx) GetBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	return t.loadBounty(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1`, id)
}

func (t *pgTx) LockBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	return t.loadBounty(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) loadBounty(ctx context.Context, query, id string) (bounty.Bounty, error) {
	b, err := scanBounty(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bounty.Bounty{}, apperr.NotFound("bounty %s not found", id)
		}
		return bounty.Bounty{}, wrap(err, "load bounty")
	}
	if b.History, err = t.history(ctx, id); err != nil {
		return bounty.Bounty{}, err
	}
	if b.Milestones, err = t.milestones(ctx, id); err != nil {
		return bounty.Bounty{}, err
	}
	return b, nil
}

func (t *pgTx) history(ctx context.Context, bountyID string) ([]bounty.Transition, error) {
	rows, err := t.tx.Query(ctx, `
SELECT seq, from_state, to_state, event, actor_id, reason, at
FROM bounty_transitions
WHERE bounty_id = $1
ORDER BY seq`, bountyID)
	if err != nil {
		return nil, wrap(err, "load history")
	}
	defer rows.Close()

	var out []bounty.Transition
	for rows.Next() {
		var tr bounty.Transition
		if err := rows.Scan(&tr.Seq, &tr.From, &tr.To, &tr.Event, &tr.ActorID, &tr.Reason, &tr.At); err != nil {
			return nil, wrap(err, "scan history")
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "load history")
	}
	return out, nil
}

const milestoneColumns = `id, bounty_id, sequence, title, payout_percent, status, evidence_hash, evidence_url,
evidence_size, feedback, submitted_at, verified_at`

func scanMilestone(row pgx.Row) (bounty.Milestone, error) {
	var (
		m    bounty.Milestone
		hash *string
		url  *string
		size *int64
	)
	err := row.Scan(&m.ID, &m.BountyID, &m.Sequence, &m.Title, &m.PayoutPercent, &m.Status, &hash, &url,
		&size, &m.Feedback, &m.SubmittedAt, &m.VerifiedAt)
	if err != nil {
		return bounty.Milestone{}, err
	}
	if hash != nil {
		m.Evidence = &bounty.Evidence{ContentHash: *hash}
		if url != nil {
			m.Evidence.URL = *url
		}
		if size != nil {
			m.Evidence.Size = *size
		}
	}
	return m, nil
}

func (t *pgTx) milestones(ctx context.Context, bountyID string) ([]bounty.Milestone, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE bounty_id = $1 ORDER BY sequence`, bountyID)
	if err != nil {
		return nil, wrap(err, "load milestones")
	}
	defer rows.Close()

	var out []bounty.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, wrap(err, "scan milestone")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "load milestones")
	}
	return out, nil
}

func (t *pgTx) saveMilestones(ctx context.Context, ms []bounty.Milestone) error {
	const upsertSQL = `
INSERT INTO milestones (id, bounty_id, sequence, title, payout_percent, status, evidence_hash, evidence_url,
                        evidence_size, feedback, submitted_at, verified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    evidence_hash = EXCLUDED.evidence_hash,
    evidence_url = EXCLUDED.evidence_url,
    evidence_size = EXCLUDED.evidence_size,
    feedback = EXCLUDED.feedback,
    submitted_at = EXCLUDED.submitted_at,
    verified_at = EXCLUDED.verified_at;
`
	for _, m := range ms {
		var hash, url, size any
		if m.Evidence != nil {
			hash, url, size = m.Evidence.ContentHash, nullIfEmpty(m.Evidence.URL), m.Evidence.Size
		}
		if _, err := t.tx.Exec(ctx, upsertSQL, m.ID, m.BountyID, m.Sequence, m.Title, m.PayoutPercent, m.Status,
			hash, url, size, m.Feedback, m.SubmittedAt, m.VerifiedAt); err != nil {
			return wrap(err, "save milestone")
		}
	}
	return nil
}

func (t *pgTx) SaveBounty(ctx context.Context, b bounty.Bounty) error {
	const updateSQL = `
UPDATE bounties
SET lab_id = $2,
    state = $3,
    accepted_bid = $4,
    locked_stake = $5,
    updated_at = $6
WHERE id = $1;
`
	tag, err := t.tx.Exec(ctx, updateSQL, b.ID, nullIfEmpty(b.LabID), b.State, b.AcceptedBid, b.LockedStake, b.UpdatedAt)
	if err != nil {
		return wrap(err, "save bounty")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("bounty %s not found", b.ID)
	}
	return t.saveMilestones(ctx, b.Milestones)
}

func (t *pgTx) AppendTransition(ctx context.Context, bountyID string, tr bounty.Transition) error {
	const insertSQL = `
INSERT INTO bounty_transitions (bounty_id, seq, from_state, to_state, event, actor_id, reason, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	if _, err := t.tx.Exec(ctx, insertSQL, bountyID, tr.Seq, tr.From, tr.To, tr.Event, tr.ActorID, tr.Reason, tr.At); err != nil {
		return wrap(err, "append transition")
	}
	return nil
}

func (t *pgTx) GetMilestone(ctx context.Context, id string) (bounty.Milestone, error) {
	m, err := scanMilestone(t.tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bounty.Milestone{}, apperr.NotFound("milestone %s not found", id)
		}
		return bounty.Milestone{}, wrap(err, "get milestone")
	}
	return m, nil
}

const proposalColumns = `id, bounty_id, lab_id, bid_amount, summary, status, created_at`

func scanProposal(row pgx.Row) (bounty.Proposal, error) {
	var p bounty.Proposal
	err := row.Scan(&p.ID, &p.BountyID, &p.LabID, &p.BidAmount, &p.Summary, &p.Status, &p.CreatedAt)
	return p, err
}

func (t *pgTx) InsertProposal(ctx context.Context, p bounty.Proposal) error {
	if _, err := t.tx.Exec(ctx, `
INSERT INTO proposals (`+proposalColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, p.ID, p.BountyID, p.LabID, p.BidAmount, p.Summary, p.Status, p.CreatedAt); err != nil {
		return wrap(err, "insert proposal")
	}
	return nil
}

func (t *pgTx) GetProposal(ctx context.Context, id string) (bounty.Proposal, error) {
	p, err := scanProposal(t.tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bounty.Proposal{}, apperr.NotFound("proposal %s not found", id)
		}
		return bounty.Proposal{}, wrap(err, "get proposal")
	}
	return p, nil
}

func (t *pgTx) ListProposals(ctx context.Context, bountyID string) ([]bounty.Proposal, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE bounty_id = $1 ORDER BY created_at, id`, bountyID)
	if err != nil {
		return nil, wrap(err, "list proposals")
	}
	defer rows.Close()

	var out []bounty.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, wrap(err, "scan proposal")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list proposals")
	}
	return out, nil
}

func (t *pgTx) UpdateProposalStatus(ctx context.Context, id string, status bounty.ProposalStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE proposals SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return wrap(err, "update proposal")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("proposal %s not found", id)
	}
	return nil
}

func (t *pgTx) GetLab(ctx context.Context, id string) (lab.Profile, error) {
	var (
		p        lab.Profile
		accounts []byte
	)
	err := t.tx.QueryRow(ctx, `
SELECT id, name, tier, payout_accounts, created_at, updated_at
FROM labs WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.Tier, &accounts, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lab.Profile{}, apperr.NotFound("lab %s not found", id)
		}
		return lab.Profile{}, wrap(err, "get lab")
	}
	if err := json.Unmarshal(accounts, &p.PayoutAccounts); err != nil {
		return lab.Profile{}, apperr.Internal(err, "postgres: decode payout accounts of lab %s", id)
	}
	return p, nil
}

func (t *pgTx) UpsertLab(ctx context.Context, p lab.Profile) error {
	accounts, err := json.Marshal(p.PayoutAccounts)
	if err != nil {
		return apperr.Internal(err, "postgres: encode payout accounts")
	}
	const upsertSQL = `
INSERT INTO labs (id, name, tier, payout_accounts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    tier = EXCLUDED.tier,
    payout_accounts = EXCLUDED.payout_accounts,
    updated_at = EXCLUDED.updated_at;
`
	now := p.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := t.tx.Exec(ctx, upsertSQL, p.ID, p.Name, int(p.Tier), accounts, now); err != nil {
		return wrap(err, "upsert lab")
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, msg outbox.Message) error {
	const insertSQL = `
INSERT INTO outbox (id, topic, key, payload, status, attempts, next_attempt_at, created_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7);
`
	if _, err := t.tx.Exec(ctx, insertSQL, msg.ID, msg.Topic, msg.Key, msg.Payload, msg.Status, msg.NextAttemptAt, msg.CreatedAt); err != nil {
		return wrap(err, "enqueue outbox")
	}
	return nil
}
