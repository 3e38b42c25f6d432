package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows on a consistent database.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_over_disbursed",
			SQL: `SELECT id, released_amount, refunded_amount, total_amount - platform_fee AS principal
                  FROM escrows
                  WHERE released_amount + refunded_amount > total_amount - platform_fee`,
		},
		{
			Name: "O2_escrow_rows_match_totals",
			SQL: `SELECT e.id, e.released_amount, COALESCE(r.sum, 0), e.refunded_amount, COALESCE(f.sum, 0)
                  FROM escrows e
                  LEFT JOIN (SELECT escrow_id, SUM(amount) AS sum FROM escrow_releases GROUP BY escrow_id) r ON r.escrow_id = e.id
                  LEFT JOIN (SELECT escrow_id, SUM(amount) AS sum FROM escrow_refunds GROUP BY escrow_id) f ON f.escrow_id = e.id
                  WHERE e.released_amount <> COALESCE(r.sum, 0) OR e.refunded_amount <> COALESCE(f.sum, 0)`,
		},
		{
			Name: "O3_history_contiguous",
			SQL: `SELECT bounty_id, MIN(seq), MAX(seq), COUNT(*) FROM bounty_transitions
                  GROUP BY bounty_id
                  HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O4_state_matches_history",
			SQL: `SELECT b.id, b.state, t.to_state FROM bounties b
                  JOIN LATERAL (SELECT to_state FROM bounty_transitions
                                WHERE bounty_id = b.id ORDER BY seq DESC LIMIT 1) t ON true
                  WHERE b.state <> t.to_state`,
		},
		{
			Name: "O5_dispute_matches_state",
			SQL: `SELECT b.id, b.state, COUNT(d.id) AS active FROM bounties b
                  LEFT JOIN disputes d ON d.bounty_id = b.id AND d.status <> 'resolved'
                  GROUP BY b.id, b.state
                  HAVING COUNT(d.id) > 1
                      OR (b.state = 'DISPUTED' AND COUNT(d.id) = 0)
                      OR (b.state <> 'DISPUTED' AND COUNT(d.id) > 0)`,
		},
		{
			Name: "O6_release_for_unverified_milestone",
			SQL: `SELECT r.id, r.milestone_id, m.status FROM escrow_releases r
                  JOIN milestones m ON m.id = r.milestone_id
                  WHERE m.status <> 'verified'`,
		},
		{
			Name: "O7_stale_outbox",
			SQL: `SELECT id, topic, attempts, next_attempt_at FROM outbox
                  WHERE status = 'pending' AND next_attempt_at < now() - interval '60 seconds'`,
		},
		{
			Name: "O8_stake_lock_within_balance",
			SQL: `SELECT lab_id, staking_balance, locked_stake FROM stake_accounts
                  WHERE locked_stake > staking_balance`,
		},
		{
			Name: "O9_completed_escrow_drained",
			SQL: `SELECT b.id, e.released_amount, e.refunded_amount, e.total_amount - e.platform_fee
                  FROM bounties b
                  JOIN escrows e ON e.bounty_id = b.id
                  WHERE b.state = 'COMPLETED'
                    AND NOT EXISTS (SELECT 1 FROM settlement_intents i WHERE i.bounty_id = b.id)
                    AND e.released_amount + e.refunded_amount <> e.total_amount - e.platform_fee`,
		},
		{
			Name: "O10_rail_reference_owner",
			SQL: `SELECT rr.rail, rr.reference, rr.escrow_id, e.id FROM rail_references rr
                  JOIN escrows e ON e.rail = rr.rail AND e.rail_reference = rr.reference
                  WHERE e.id <> rr.escrow_id`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
