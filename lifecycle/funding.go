package lifecycle

import (
	"context"
	"errors"
	"strings"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/escrow"
	"bountyflow/inbox"
	"bountyflow/rail"
	"bountyflow/store"
)

// InitFunding opens the deposit on the chosen rail. The rail is called before
// the bounty is locked; the escrow row and the deposit_initialized entry are
// written afterwards, after re-checking the bounty is still funding.
func (e *Engine) InitFunding(ctx context.Context, p auth.Principal, bountyID string, in FundingInput) (FundingResult, error) {
	adapter, err := e.rails.Get(in.Rail)
	if err != nil {
		return FundingResult{}, err
	}
	if in.Rail != string(rail.Card) && strings.TrimSpace(in.Payer) == "" {
		return FundingResult{}, apperr.Validation("payer identity is required on rail %s", in.Rail)
	}

	var (
		b        bounty.Bounty
		escrowID string
	)
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if b, err = tx.GetBounty(ctx, bountyID); err != nil {
			return err
		}
		if err := e.checkFunding(p, &b, in.Amount); err != nil {
			return err
		}
		cur, err := tx.EscrowForBounty(ctx, bountyID)
		switch {
		case err == nil:
			if cur.Status != escrow.StatusPending {
				return apperr.StateConflict("escrow %s already holds funds", cur.ID)
			}
			escrowID = cur.ID
		case errors.Is(err, apperr.ErrNotFound):
			escrowID = e.newID()
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return FundingResult{}, err
	}

	pricing := rail.Pricing{FeeBps: e.policy.FeeBps}
	fee := pricing.Fee(in.Amount)
	dep, err := adapter.InitializeDeposit(ctx, rail.DepositRequest{
		EscrowID:    escrowID,
		BountyID:    b.ID,
		Amount:      in.Amount + fee,
		Currency:    b.Currency,
		Payer:       in.Payer,
		Description: b.Title,
	})
	if err != nil {
		return FundingResult{}, err
	}

	var (
		out FundingResult
		tr  bounty.Transition
	)
	out.Deposit = dep
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if err := e.checkFunding(p, &b, in.Amount); err != nil {
			return err
		}
		esc, err := escrow.New(escrow.NewParams{
			ID:              escrowID,
			BountyID:        b.ID,
			Rail:            in.Rail,
			RailReference:   dep.Reference,
			PayerIdentity:   in.Payer,
			Currency:        b.Currency,
			RequestedAmount: in.Amount,
			PlatformFee:     fee,
		}, e.clock())
		if err != nil {
			return err
		}
		cur, err := tx.EscrowForBounty(ctx, bountyID)
		switch {
		case err == nil:
			if cur.ID != escrowID || cur.Status != escrow.StatusPending {
				return apperr.StateConflict("escrow of bounty %s changed while the deposit was opened", bountyID)
			}
			esc.CreatedAt = cur.CreatedAt
			err = tx.UpdateEscrow(ctx, esc)
		case errors.Is(err, apperr.ErrNotFound):
			err = tx.InsertEscrow(ctx, esc)
		}
		if err != nil {
			return err
		}
		if tr, err = e.transition(ctx, tx, &b, bounty.EventDepositInitialized, p.UserID, in.Rail); err != nil {
			return err
		}
		out.Escrow = esc
		return nil
	})
	if err != nil {
		return FundingResult{}, err
	}
	e.observe(bountyID, tr)
	return out, nil
}

func (e *Engine) checkFunding(p auth.Principal, b *bounty.Bounty, amount int64) error {
	if err := requireFunder(p, b); err != nil {
		return err
	}
	if err := requireState(b, bounty.StateFunding); err != nil {
		return err
	}
	if amount != b.Budget {
		return apperr.Validation("funding amount %d must equal the budget %d", amount, b.Budget)
	}
	return nil
}

// ConfirmFunding verifies a deposit with its rail and, once verified, locks
// the escrow and opens the bounty for proposals. A pending verification only
// replaces the escrow's reference. A mismatch is a permanent rail failure and
// leaves the bounty in FUNDING.
func (e *Engine) ConfirmFunding(ctx context.Context, p auth.Principal, escrowID, reference string) (ConfirmResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return ConfirmResult{}, apperr.Validation("deposit reference is required")
	}
	var esc escrow.Escrow
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if esc, err = tx.GetEscrow(ctx, escrowID); err != nil {
			return err
		}
		b, err := tx.GetBounty(ctx, esc.BountyID)
		if err != nil {
			return err
		}
		return checkConfirm(p, &b, esc)
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	adapter, err := e.rails.Get(esc.Rail)
	if err != nil {
		return ConfirmResult{}, err
	}
	v, err := adapter.VerifyDeposit(ctx, rail.VerifyRequest{
		EscrowID:  esc.ID,
		Reference: reference,
		Payer:     esc.PayerIdentity,
		Expected:  esc.TotalAmount,
	})
	if err != nil {
		e.log.Warn("deposit verification failed",
			"escrow_id", esc.ID,
			"rail", esc.Rail,
			"reference", reference,
			"retryable", apperr.IsRetryable(err),
			"error", err)
		return ConfirmResult{}, err
	}
	if v.Reference == "" {
		v.Reference = reference
	}

	switch v.Outcome {
	case rail.OutcomeMismatch:
		e.log.Warn("deposit mismatch", "escrow_id", esc.ID, "rail", esc.Rail, "reference", v.Reference, "detail", v.Detail)
		return ConfirmResult{}, apperr.RailPermanent("deposit %s does not match escrow %s: %s", v.Reference, esc.ID, v.Detail)
	case rail.OutcomePending:
		return e.recordPending(ctx, p, esc.ID, v)
	case rail.OutcomeVerified:
		return e.lockDeposit(ctx, p, esc.ID, v)
	default:
		return ConfirmResult{}, apperr.Internal(nil, "rail %s returned outcome %q", esc.Rail, v.Outcome)
	}
}

func checkConfirm(p auth.Principal, b *bounty.Bounty, esc escrow.Escrow) error {
	if err := requireFunder(p, b); err != nil {
		return err
	}
	if err := requireState(b, bounty.StateFunding); err != nil {
		return err
	}
	if esc.Status != escrow.StatusPending {
		return apperr.StateConflict("escrow %s is %s", esc.ID, esc.Status)
	}
	return nil
}

func (e *Engine) recordPending(ctx context.Context, p auth.Principal, escrowID string, v rail.Verification) (ConfirmResult, error) {
	out := ConfirmResult{Outcome: rail.OutcomePending, Detail: v.Detail}
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		esc, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		b, err := tx.LockBounty(ctx, esc.BountyID)
		if err != nil {
			return err
		}
		if err := checkConfirm(p, &b, esc); err != nil {
			return err
		}
		if esc.RailReference != v.Reference {
			esc.RailReference = v.Reference
			esc.UpdatedAt = e.clock()
			if err := tx.UpdateEscrow(ctx, esc); err != nil {
				return err
			}
		}
		out.Escrow, out.Bounty = esc, b
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	return out, nil
}

func (e *Engine) lockDeposit(ctx context.Context, p auth.Principal, escrowID string, v rail.Verification) (ConfirmResult, error) {
	out := ConfirmResult{Outcome: rail.OutcomeVerified, Detail: v.Detail}
	var tr bounty.Transition
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		esc, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		b, err := tx.LockBounty(ctx, esc.BountyID)
		if err != nil {
			return err
		}
		if err := checkConfirm(p, &b, esc); err != nil {
			return err
		}
		if err := tx.ClaimRailReference(ctx, esc.Rail, v.Reference, esc.ID); err != nil {
			return err
		}
		if err := esc.MarkLocked(v.Reference, v.Received, e.clock()); err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}
		if tr, err = e.transition(ctx, tx, &b, bounty.EventDepositVerified, p.UserID, v.Reference); err != nil {
			return err
		}
		out.Escrow, out.Bounty = esc, b
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	e.observe(out.Bounty.ID, tr)
	if v.Received > out.Escrow.TotalAmount {
		e.log.Info("deposit overpaid", "escrow_id", escrowID, "expected", out.Escrow.TotalAmount, "received", v.Received)
	}
	return out, nil
}

// LocateEscrow resolves the escrow and bounty a rail callback refers to. It
// returns empty ids when the callback matches nothing known.
func (e *Engine) LocateEscrow(ctx context.Context, ev rail.Event) (escrowID, bountyID string, err error) {
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		esc, err := e.findEscrow(ctx, tx, string(ev.Rail), ev.EscrowID, ev.Reference)
		if err != nil {
			return err
		}
		escrowID, bountyID = esc.ID, esc.BountyID
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return "", "", nil
	}
	return escrowID, bountyID, err
}

func (e *Engine) findEscrow(ctx context.Context, tx store.Tx, railID, escrowID, reference string) (escrow.Escrow, error) {
	if escrowID != "" {
		esc, err := tx.GetEscrow(ctx, escrowID)
		if err == nil && esc.Rail == railID {
			return esc, nil
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return escrow.Escrow{}, err
		}
	}
	if reference == "" {
		return escrow.Escrow{}, apperr.NotFound("rail event carries no reference")
	}
	return tx.EscrowByReference(ctx, railID, reference)
}

// HandleRailEvent applies a persisted rail callback. It is the inbox handler:
// a returned error schedules a retry, so only transient failures are returned.
func (e *Engine) HandleRailEvent(ctx context.Context, ev inbox.Event) error {
	log := e.log.With("rail", ev.Rail, "event_id", ev.EventID, "type", ev.Type, "reference", ev.Reference)

	var esc escrow.Escrow
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		esc, err = e.findEscrow(ctx, tx, ev.Rail, ev.EscrowID, ev.Reference)
		return err
	})
	if errors.Is(err, apperr.ErrNotFound) {
		log.Warn("rail event matches no escrow")
		return nil
	}
	if err != nil {
		return err
	}

	switch rail.EventType(ev.Type) {
	case rail.EventPaymentSucceeded:
		if esc.Status != escrow.StatusPending {
			log.Debug("deposit already confirmed", "escrow_id", esc.ID)
			return nil
		}
		res, err := e.ConfirmFunding(ctx, auth.System, esc.ID, ev.Reference)
		switch {
		case err == nil:
			log.Info("deposit confirmed from callback", "escrow_id", esc.ID, "outcome", res.Outcome)
			return nil
		case apperr.IsRetryable(err), apperr.KindOf(err) == apperr.KindInternal:
			return err
		default:
			log.Warn("callback could not confirm deposit", "escrow_id", esc.ID, "error", err)
			return nil
		}
	case rail.EventPaymentFailed:
		log.Warn("rail reported failed payment", "escrow_id", esc.ID, "bounty_id", esc.BountyID)
		return nil
	default:
		log.Debug("rail event recorded", "escrow_id", esc.ID)
		return nil
	}
}
