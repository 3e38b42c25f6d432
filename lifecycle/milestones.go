package lifecycle

import (
	"context"
	"errors"
	"strings"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/escrow"
	"bountyflow/store"
)

// SubmitMilestoneEvidence hands the current milestone to review.
func (e *Engine) SubmitMilestoneEvidence(ctx context.Context, p auth.Principal, milestoneID string, ev bounty.Evidence) (bounty.Bounty, error) {
	if strings.TrimSpace(ev.ContentHash) == "" {
		return bounty.Bounty{}, apperr.Validation("evidence content hash is required")
	}
	bountyID, err := e.milestoneBounty(ctx, milestoneID)
	if err != nil {
		return bounty.Bounty{}, err
	}
	return e.lockedTransition(ctx, bountyID, func(_ context.Context, _ store.Tx, b *bounty.Bounty) error {
		if err := requireLab(p, b.LabID); err != nil {
			return err
		}
		m, err := currentMilestone(b, milestoneID)
		if err != nil {
			return err
		}
		if m.Status != bounty.MilestoneInProgress && m.Status != bounty.MilestoneRejected {
			return apperr.StateConflict("milestone %s is %s", m.ID, m.Status)
		}
		now := e.clock()
		evCopy := ev
		m.Evidence = &evCopy
		m.Status = bounty.MilestoneSubmitted
		m.SubmittedAt = &now
		return nil
	}, bounty.EventEvidenceSubmitted, p.UserID, milestoneID)
}

// VerifyMilestone records the funder's review. A rejection sends the lab back
// to work. An approval releases the milestone's share of the bid; on the
// final milestone it also refunds any budget surplus and unlocks the lab's
// stake, completing the bounty.
func (e *Engine) VerifyMilestone(ctx context.Context, p auth.Principal, milestoneID string, approve bool, feedback string) (bounty.Bounty, error) {
	bountyID, err := e.milestoneBounty(ctx, milestoneID)
	if err != nil {
		return bounty.Bounty{}, err
	}
	if !approve {
		if strings.TrimSpace(feedback) == "" {
			return bounty.Bounty{}, apperr.Validation("feedback is required when rejecting a milestone")
		}
		return e.lockedTransition(ctx, bountyID, func(ctx context.Context, tx store.Tx, b *bounty.Bounty) error {
			m, err := reviewable(p, b, milestoneID)
			if err != nil {
				return err
			}
			if err := noSettlement(ctx, tx, b.ID); err != nil {
				return err
			}
			m.Status = bounty.MilestoneRejected
			m.Feedback = feedback
			return nil
		}, bounty.EventMilestoneRejected, p.UserID, feedback)
	}

	var in escrow.Intent
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		m, err := reviewable(p, &b, milestoneID)
		if err != nil {
			return err
		}
		if err := noSettlement(ctx, tx, b.ID); err != nil {
			return err
		}
		esc, err := tx.EscrowForBounty(ctx, b.ID)
		if err != nil {
			return err
		}
		lp, err := tx.GetLab(ctx, b.LabID)
		if err != nil {
			return err
		}
		labDest, err := lp.Destination(esc.Rail)
		if err != nil {
			return err
		}

		final := b.IsFinalMilestone(m.ID)
		event := bounty.EventMilestoneVerified
		if final {
			event = bounty.EventFinalMilestoneVerified
		}
		if !bounty.Allowed(b.State, event) {
			return apperr.StateConflict("event %s is not allowed in state %s", event, b.State)
		}

		now := e.clock()
		in = escrow.Intent{
			ID:          e.newID(),
			BountyID:    b.ID,
			EscrowID:    esc.ID,
			Rail:        esc.Rail,
			Kind:        escrow.IntentMilestoneRelease,
			MilestoneID: m.ID,
			Event:       event,
			ActorID:     p.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if amount := escrow.MilestonePayout(esc, m.PayoutPercent, final); amount > 0 {
			in.Legs = append(in.Legs, escrow.Leg{
				Kind:        escrow.LegRelease,
				Amount:      amount,
				Destination: labDest,
				MilestoneID: m.ID,
			})
		}
		if final {
			if surplus := esc.Surplus(); surplus > 0 {
				in.Legs = append(in.Legs, escrow.Leg{
					Kind:        escrow.LegRefund,
					Amount:      surplus,
					Destination: refundDestination(esc),
					Reason:      "budget_surplus",
				})
			}
		}
		if err := tx.InsertIntent(ctx, in); err != nil {
			return err
		}
		if feedback != "" {
			m.Feedback = feedback
			return tx.SaveBounty(ctx, b)
		}
		return nil
	})
	if err != nil {
		return bounty.Bounty{}, err
	}
	return e.settle(ctx, in)
}

// reviewable checks the caller may review milestoneID and that it awaits
// review.
func reviewable(p auth.Principal, b *bounty.Bounty, milestoneID string) (*bounty.Milestone, error) {
	if err := requireFunder(p, b); err != nil {
		return nil, err
	}
	if err := requireState(b, bounty.StateMilestoneReview); err != nil {
		return nil, err
	}
	m, err := currentMilestone(b, milestoneID)
	if err != nil {
		return nil, err
	}
	if m.Status != bounty.MilestoneSubmitted {
		return nil, apperr.StateConflict("milestone %s is %s", m.ID, m.Status)
	}
	return m, nil
}

func currentMilestone(b *bounty.Bounty, milestoneID string) (*bounty.Milestone, error) {
	m, ok := b.MilestoneByID(milestoneID)
	if !ok {
		return nil, apperr.NotFound("milestone %s not found on bounty %s", milestoneID, b.ID)
	}
	cur, ok := b.CurrentMilestone()
	if !ok || cur.ID != m.ID {
		return nil, apperr.StateConflict("milestone %s is not the current milestone", milestoneID)
	}
	return m, nil
}

func (e *Engine) milestoneBounty(ctx context.Context, milestoneID string) (string, error) {
	var bountyID string
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		bountyID = m.BountyID
		return nil
	})
	return bountyID, err
}

func noSettlement(ctx context.Context, tx store.Tx, bountyID string) error {
	in, err := tx.IntentForBounty(ctx, bountyID)
	switch {
	case err == nil:
		return apperr.StateConflict("bounty %s has settlement %s in progress", bountyID, in.ID)
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		return err
	}
}

// refundDestination is where the funder's money goes back to: the payer
// identity given at funding, or the deposit itself on card rails.
func refundDestination(esc escrow.Escrow) string {
	if esc.PayerIdentity != "" {
		return esc.PayerIdentity
	}
	return esc.RailReference
}
