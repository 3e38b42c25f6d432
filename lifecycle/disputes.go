package lifecycle

import (
	"context"
	"slices"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/outbox"
	"bountyflow/store"
)

// OpenDispute freezes an active assignment. Only the funder or a member of
// the assigned lab may open one, and never while a settlement is running.
func (e *Engine) OpenDispute(ctx context.Context, p auth.Principal, bountyID string, in DisputeInput) (dispute.Record, error) {
	now := e.clock()
	d := dispute.Record{
		ID:            e.newID(),
		BountyID:      bountyID,
		InitiatorID:   p.UserID,
		Reason:        in.Reason,
		Description:   in.Description,
		EvidenceLinks: slices.Clone(in.EvidenceLinks),
		Status:        dispute.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := dispute.Validate(d); err != nil {
		return dispute.Record{}, err
	}

	var tr bounty.Transition
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		isFunder := p.UserID != "" && p.UserID == b.FunderID
		isLab := b.LabID != "" && p.LabID == b.LabID && p.Has(auth.CapLab)
		if !isFunder && !isLab {
			return apperr.Authorization("only the funder or the assigned lab may dispute bounty %s", b.ID)
		}
		if _, active, err := tx.ActiveDispute(ctx, b.ID); err != nil {
			return err
		} else if active {
			return apperr.StateConflict("bounty %s already has an active dispute", b.ID)
		}
		if err := noSettlement(ctx, tx, b.ID); err != nil {
			return err
		}
		d.PriorState = b.State
		if tr, err = e.transition(ctx, tx, &b, bounty.EventDisputeOpened, p.UserID, string(d.Reason)); err != nil {
			return err
		}
		if err := tx.InsertDispute(ctx, d); err != nil {
			return err
		}
		return e.emit(ctx, tx, outbox.TopicDisputeOpened, b.ID, disputeMessage{
			DisputeID: d.ID,
			BountyID:  b.ID,
			Reason:    d.Reason,
			ActorID:   p.UserID,
		})
	})
	if err != nil {
		return dispute.Record{}, err
	}
	e.observe(bountyID, tr)
	return d, nil
}

// lockDispute locks the dispute's bounty and reads the dispute again under
// that lock; the first read only finds the bounty.
func lockDispute(ctx context.Context, tx store.Tx, disputeID string) (dispute.Record, bounty.Bounty, error) {
	d, err := tx.GetDispute(ctx, disputeID)
	if err != nil {
		return dispute.Record{}, bounty.Bounty{}, err
	}
	b, err := tx.LockBounty(ctx, d.BountyID)
	if err != nil {
		return dispute.Record{}, bounty.Bounty{}, err
	}
	if d, err = tx.GetDispute(ctx, disputeID); err != nil {
		return dispute.Record{}, bounty.Bounty{}, err
	}
	return d, b, nil
}

// EscalateDispute moves a dispute to review and then to arbitration.
func (e *Engine) EscalateDispute(ctx context.Context, p auth.Principal, disputeID, arbitratorID string) (dispute.Record, error) {
	if err := requireStaff(p); err != nil {
		return dispute.Record{}, err
	}
	var d dispute.Record
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if d, _, err = lockDispute(ctx, tx, disputeID); err != nil {
			return err
		}
		if err := d.Escalate(arbitratorID, e.clock()); err != nil {
			return err
		}
		return tx.UpdateDispute(ctx, d)
	})
	if err != nil {
		return dispute.Record{}, err
	}
	e.log.Info("dispute escalated", "dispute_id", d.ID, "bounty_id", d.BountyID, "status", d.Status, "arbitrator_id", d.ArbitratorID)
	return d, nil
}

// ResolveDispute rules on a dispute. The ruling, the slash, the stake unlock,
// the bounty transition and the settlement intent commit together; the
// settlement then runs and completes the bounty. A resolved dispute rejects
// every further ruling.
func (e *Engine) ResolveDispute(ctx context.Context, p auth.Principal, disputeID string, dec dispute.Decision) (ResolveResult, error) {
	if err := requireArbiter(p); err != nil {
		return ResolveResult{}, err
	}

	var (
		out     ResolveResult
		in      escrow.Intent
		tr      bounty.Transition
		slashed int64
		anomaly bool
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		d, b, err := lockDispute(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if !d.Active() {
			return apperr.StateConflict("dispute %s is already resolved", d.ID)
		}
		if !p.Has(auth.CapAdmin) && d.ArbitratorID != "" && d.ArbitratorID != p.UserID {
			return apperr.Authorization("dispute %s is assigned to another arbitrator", d.ID)
		}

		esc, err := tx.EscrowForBounty(ctx, b.ID)
		if err != nil {
			return err
		}
		lp, err := tx.GetLab(ctx, b.LabID)
		if err != nil {
			return err
		}
		parties := dispute.Parties{FunderDestination: refundDestination(esc)}
		if dest, err := lp.Destination(esc.Rail); err == nil {
			parties.LabDestination = dest
		}
		outcome, err := dispute.Resolve(d.ID, dec, esc, b.LockedStake, parties)
		if err != nil {
			return err
		}
		for _, leg := range outcome.Legs {
			if leg.Kind == escrow.LegRelease && leg.Destination == "" {
				return apperr.Validation("lab %s has no payout account for rail %s", lp.ID, esc.Rail)
			}
		}

		now := e.clock()
		acct, err := tx.LockStakeAccount(ctx, b.LabID)
		if err != nil {
			return err
		}
		if outcome.Slash > 0 {
			st, an, err := acct.Slash(outcome.Slash, b.ID, now)
			if err != nil {
				return err
			}
			if err := tx.AppendStakeTransaction(ctx, st); err != nil {
				return err
			}
			slashed = st.Amount
			msg := stakeMessage{LabID: lp.ID, BountyID: b.ID, Requested: outcome.Slash, Applied: st.Amount}
			if an != nil {
				anomaly = true
				msg.Shortfall = an.Shortfall
				if err := tx.InsertStakeAnomaly(ctx, *an); err != nil {
					return err
				}
				if err := e.emit(ctx, tx, outbox.TopicStakeAnomaly, b.ID, msg); err != nil {
					return err
				}
			}
			if err := e.emit(ctx, tx, outbox.TopicStakeSlashed, b.ID, msg); err != nil {
				return err
			}
		}
		if unlock := min(outcome.Unlock, acct.LockedStake); unlock > 0 {
			st, err := acct.Unlock(unlock, b.ID, now)
			if err != nil {
				return err
			}
			if err := tx.AppendStakeTransaction(ctx, st); err != nil {
				return err
			}
		}
		if err := tx.SaveStakeAccount(ctx, acct); err != nil {
			return err
		}
		b.LockedStake = 0

		if err := d.MarkResolved(dec, outcome.Slash, now); err != nil {
			return err
		}
		if d.ArbitratorID == "" {
			d.ArbitratorID = p.UserID
		}
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		if tr, err = e.transition(ctx, tx, &b, outcome.Event, p.UserID, string(dec.Resolution)); err != nil {
			return err
		}

		in = escrow.Intent{
			ID:        e.newID(),
			BountyID:  b.ID,
			EscrowID:  esc.ID,
			Rail:      esc.Rail,
			Kind:      escrow.IntentDisputeSettlement,
			DisputeID: d.ID,
			Event:     bounty.EventSettled,
			ActorID:   p.UserID,
			Legs:      outcome.Legs,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertIntent(ctx, in); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, outbox.TopicDisputeResolved, b.ID, disputeMessage{
			DisputeID:  d.ID,
			BountyID:   b.ID,
			Resolution: d.Resolution,
			ActorID:    p.UserID,
		}); err != nil {
			return err
		}
		out.Dispute, out.Bounty = d, b
		return nil
	})
	if err != nil {
		return ResolveResult{}, err
	}
	e.observe(out.Bounty.ID, tr)
	if slashed > 0 || anomaly {
		e.metrics.StakeSlashed(slashed, anomaly)
	}
	if anomaly {
		e.log.Warn("stake slash exceeded balance",
			"bounty_id", out.Bounty.ID,
			"lab_id", out.Bounty.LabID,
			"requested", out.Dispute.SlashAmount,
			"applied", slashed)
	}

	b, err := e.settle(ctx, in)
	if err != nil {
		out.SettlementError = err.Error()
		return out, nil
	}
	out.Bounty, out.Settled = b, true
	return out, nil
}
