package lifecycle

import (
	"context"
	"errors"
	"strings"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/store"
)

// CreateBounty stores a new draft owned by the calling funder.
func (e *Engine) CreateBounty(ctx context.Context, p auth.Principal, in CreateBountyInput) (bounty.Bounty, error) {
	if !p.Has(auth.CapFunder) && !p.IsStaff() {
		return bounty.Bounty{}, apperr.Authorization("funder capability required")
	}
	now := e.clock()
	b := bounty.Bounty{
		ID:          e.newID(),
		FunderID:    p.UserID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Budget:      in.Budget,
		Currency:    strings.ToUpper(in.Currency),
		MinTier:     in.MinTier,
		Deadline:    in.Deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, m := range in.Milestones {
		b.Milestones = append(b.Milestones, bounty.Milestone{
			ID:            e.newID(),
			BountyID:      b.ID,
			Sequence:      i + 1,
			Title:         strings.TrimSpace(m.Title),
			PayoutPercent: m.PayoutPercent,
			Status:        bounty.MilestonePending,
		})
	}
	if err := bounty.ValidateDraft(b); err != nil {
		return bounty.Bounty{}, err
	}

	var tr bounty.Transition
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertBounty(ctx, b); err != nil {
			return err
		}
		var err error
		tr, err = e.transition(ctx, tx, &b, bounty.EventCreate, p.UserID, "")
		return err
	})
	if err != nil {
		return bounty.Bounty{}, err
	}
	e.observe(b.ID, tr)
	return b, nil
}

// SubmitBounty sends a draft to admin approval.
func (e *Engine) SubmitBounty(ctx context.Context, p auth.Principal, bountyID string) (bounty.Bounty, error) {
	return e.lockedTransition(ctx, bountyID, func(_ context.Context, _ store.Tx, b *bounty.Bounty) error {
		return requireFunder(p, b)
	}, bounty.EventSubmit, p.UserID, "")
}

// CancelBounty withdraws a bounty before any funds are held. Once a deposit
// has been opened the funder may already have paid, so a FUNDING bounty with
// an escrow row cannot be cancelled.
func (e *Engine) CancelBounty(ctx context.Context, p auth.Principal, bountyID, reason string) (bounty.Bounty, error) {
	return e.lockedTransition(ctx, bountyID, func(ctx context.Context, tx store.Tx, b *bounty.Bounty) error {
		if err := requireFunder(p, b); err != nil {
			return err
		}
		if b.State != bounty.StateFunding {
			return nil
		}
		esc, err := tx.EscrowForBounty(ctx, b.ID)
		switch {
		case err == nil:
			return apperr.StateConflict("bounty %s has a deposit open on escrow %s", b.ID, esc.ID)
		case errors.Is(err, apperr.ErrNotFound):
			return nil
		default:
			return err
		}
	}, bounty.EventCancel, p.UserID, reason)
}

// ApproveBounty records the admin decision on a submitted bounty. Rejection
// requires a reason.
func (e *Engine) ApproveBounty(ctx context.Context, p auth.Principal, bountyID string, approve bool, reason string) (bounty.Bounty, error) {
	if err := requireStaff(p); err != nil {
		return bounty.Bounty{}, err
	}
	ev := bounty.EventApprove
	if !approve {
		ev = bounty.EventReject
		if strings.TrimSpace(reason) == "" {
			return bounty.Bounty{}, apperr.Validation("a rejection reason is required")
		}
	}
	return e.lockedTransition(ctx, bountyID, nil, ev, p.UserID, reason)
}

// GetBounty returns the bounty with its history and ledger state.
func (e *Engine) GetBounty(ctx context.Context, p auth.Principal, bountyID string) (View, error) {
	if p.UserID == "" {
		return View{}, apperr.Authorization("authentication required")
	}
	var v View
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		v.Bounty = b

		esc, err := tx.EscrowForBounty(ctx, bountyID)
		switch {
		case err == nil:
			v.Escrow = &esc
			if v.Releases, err = tx.ListReleases(ctx, esc.ID); err != nil {
				return err
			}
			if v.Refunds, err = tx.ListRefunds(ctx, esc.ID); err != nil {
				return err
			}
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		d, ok, err := tx.ActiveDispute(ctx, bountyID)
		if err != nil {
			return err
		}
		if ok {
			v.Dispute = &d
		}

		in, err := tx.IntentForBounty(ctx, bountyID)
		switch {
		case err == nil:
			v.Settlement = &in
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return v, nil
}
