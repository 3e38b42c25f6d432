package lifecycle

import (
	"context"
	"strings"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/outbox"
	"bountyflow/stake"
	"bountyflow/store"
)

// SubmitProposal places the calling lab's bid on an open bounty.
func (e *Engine) SubmitProposal(ctx context.Context, p auth.Principal, bountyID string, in ProposalInput) (bounty.Proposal, error) {
	if !p.Has(auth.CapLab) || p.LabID == "" {
		return bounty.Proposal{}, apperr.Authorization("lab capability required")
	}
	if in.BidAmount <= 0 {
		return bounty.Proposal{}, apperr.Validation("bid amount must be positive")
	}
	if strings.TrimSpace(in.Summary) == "" {
		return bounty.Proposal{}, apperr.Validation("proposal summary is required")
	}

	prop := bounty.Proposal{
		ID:        e.newID(),
		BountyID:  bountyID,
		LabID:     p.LabID,
		BidAmount: in.BidAmount,
		Summary:   in.Summary,
		Status:    bounty.ProposalPending,
		CreatedAt: e.clock(),
	}
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if err := requireState(&b, bounty.StateOpenForProposals); err != nil {
			return err
		}
		if in.BidAmount > b.Budget {
			return apperr.Validation("bid %d exceeds the budget %d", in.BidAmount, b.Budget)
		}
		lp, err := tx.GetLab(ctx, p.LabID)
		if err != nil {
			return err
		}
		if !lp.Meets(b.MinTier) {
			return apperr.Validation("lab %s tier %d is below the required tier %d", lp.ID, lp.Tier, b.MinTier)
		}
		if err := tx.InsertProposal(ctx, prop); err != nil {
			return err
		}
		return e.emit(ctx, tx, outbox.TopicProposalSubmitted, bountyID, proposalMessage{
			ProposalID: prop.ID,
			BountyID:   bountyID,
			LabID:      prop.LabID,
			BidAmount:  prop.BidAmount,
		})
	})
	if err != nil {
		return bounty.Proposal{}, err
	}
	return prop, nil
}

// ListProposals returns every proposal to the funder and staff, and only its
// own proposals to a lab.
func (e *Engine) ListProposals(ctx context.Context, p auth.Principal, bountyID string) ([]bounty.Proposal, error) {
	var out []bounty.Proposal
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		all, err := tx.ListProposals(ctx, bountyID)
		if err != nil {
			return err
		}
		if requireFunder(p, &b) == nil {
			out = all
			return nil
		}
		if p.LabID == "" {
			return apperr.Authorization("not a party to bounty %s", bountyID)
		}
		for _, prop := range all {
			if prop.LabID == p.LabID {
				out = append(out, prop)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptProposal assigns the bounty to the proposing lab. Tier, payout split
// and stake guards run under the bounty lock; the stake lock, the payout
// basis, the rejection of every sibling proposal and the transition commit
// together.
func (e *Engine) AcceptProposal(ctx context.Context, p auth.Principal, bountyID, proposalID string) (bounty.Bounty, error) {
	var (
		out bounty.Bounty
		tr  bounty.Transition
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if err := requireFunder(p, &b); err != nil {
			return err
		}
		if !bounty.Allowed(b.State, bounty.EventProposalAccepted) {
			return apperr.StateConflict("bounty %s is %s, cannot accept a proposal", b.ID, b.State)
		}
		prop, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if prop.BountyID != b.ID {
			return apperr.NotFound("proposal %s not found on bounty %s", proposalID, b.ID)
		}
		if prop.Status != bounty.ProposalPending {
			return apperr.StateConflict("proposal %s is %s", prop.ID, prop.Status)
		}

		lp, err := tx.GetLab(ctx, prop.LabID)
		if err != nil {
			return err
		}
		if !lp.Meets(b.MinTier) {
			return apperr.Validation("lab %s tier %d is below the required tier %d", lp.ID, lp.Tier, b.MinTier)
		}
		if err := bounty.ValidatePayoutSplit(b.Milestones); err != nil {
			return err
		}

		esc, err := tx.EscrowForBounty(ctx, b.ID)
		if err != nil {
			return err
		}
		if _, err := lp.Destination(esc.Rail); err != nil {
			return err
		}
		now := e.clock()
		if err := esc.SetPayoutBasis(prop.BidAmount, now); err != nil {
			return err
		}

		acct, err := tx.LockStakeAccount(ctx, lp.ID)
		if err != nil {
			return err
		}
		lockAmount := stake.LockAmount(prop.BidAmount, e.policy.StakeLockBps)
		st, err := acct.Lock(lockAmount, b.ID, now)
		if err != nil {
			return err
		}
		if err := tx.SaveStakeAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendStakeTransaction(ctx, st); err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}

		siblings, err := tx.ListProposals(ctx, b.ID)
		if err != nil {
			return err
		}
		for _, s := range siblings {
			status := bounty.ProposalRejected
			if s.ID == prop.ID {
				status = bounty.ProposalAccepted
			} else if s.Status != bounty.ProposalPending {
				continue
			}
			if err := tx.UpdateProposalStatus(ctx, s.ID, status); err != nil {
				return err
			}
		}

		b.LabID = lp.ID
		b.AcceptedBid = prop.BidAmount
		b.LockedStake = lockAmount
		if m, ok := b.CurrentMilestone(); ok {
			m.Status = bounty.MilestoneInProgress
		}
		if tr, err = e.transition(ctx, tx, &b, bounty.EventProposalAccepted, p.UserID, prop.ID); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return bounty.Bounty{}, err
	}
	e.observe(out.ID, tr)
	return out, nil
}
