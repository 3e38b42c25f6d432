package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/escrow"
	"bountyflow/outbox"
	"bountyflow/rail"
	"bountyflow/store"
)

const reconcileBatch = 50

// settle executes the pending legs of an intent and commits it. Only one
// settle runs per bounty in this process; rail idempotency keys cover
// concurrent drivers in other processes.
func (e *Engine) settle(ctx context.Context, in escrow.Intent) (bounty.Bounty, error) {
	if !e.claim(in.BountyID) {
		return bounty.Bounty{}, apperr.StateConflict("settlement of bounty %s is already running", in.BountyID)
	}
	defer e.unclaim(in.BountyID)

	in, err := e.executeLegs(ctx, in)
	if err != nil {
		e.metrics.Settlement(string(in.Kind), "failed")
		return bounty.Bounty{}, err
	}

	b, trs, err := e.commit(ctx, in)
	if err != nil {
		e.metrics.Settlement(string(in.Kind), "commit_failed")
		e.log.Error("settlement commit failed",
			"bounty_id", in.BountyID,
			"intent_id", in.ID,
			"error", err)
		return bounty.Bounty{}, err
	}
	e.metrics.Settlement(string(in.Kind), "committed")
	e.log.Info("settlement committed",
		"bounty_id", in.BountyID,
		"intent_id", in.ID,
		"kind", in.Kind,
		"legs", len(in.Legs))
	e.observe(b.ID, trs...)
	return b, nil
}

func (e *Engine) claim(bountyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.settling[bountyID]; busy {
		return false
	}
	e.settling[bountyID] = struct{}{}
	return true
}

func (e *Engine) unclaim(bountyID string) {
	e.mu.Lock()
	delete(e.settling, bountyID)
	e.mu.Unlock()
}

func (e *Engine) executeLegs(ctx context.Context, in escrow.Intent) (escrow.Intent, error) {
	if in.Executed() {
		return in, nil
	}
	var esc escrow.Escrow
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		esc, err = tx.GetEscrow(ctx, in.EscrowID)
		return err
	})
	if err != nil {
		return in, err
	}
	adapter, err := e.rails.Get(in.Rail)
	if err != nil {
		return in, err
	}

	for n := range in.Legs {
		if in.Legs[n].Reference != "" {
			continue
		}
		ref, err := runLeg(ctx, adapter, in, n, esc)
		if err != nil {
			return in, e.legFailed(ctx, in, n, err)
		}
		in.Legs[n].Reference = ref
		if err := e.journal(ctx, in, n); err != nil {
			if apperr.KindOf(err) != apperr.KindInternal {
				return in, err
			}
			// commit books the reference carried on in
			e.log.Error("journal settlement leg",
				"bounty_id", in.BountyID,
				"intent_id", in.ID,
				"leg", n,
				"reference", ref,
				"error", err)
		}
	}
	return in, nil
}

func runLeg(ctx context.Context, adapter rail.Adapter, in escrow.Intent, n int, esc escrow.Escrow) (string, error) {
	leg := in.Legs[n]
	switch leg.Kind {
	case escrow.LegRelease:
		return adapter.ReleasePortion(ctx, rail.ReleaseRequest{
			EscrowID:       esc.ID,
			IdempotencyKey: in.LegKey(n),
			Destination:    leg.Destination,
			Amount:         leg.Amount,
			Currency:       esc.Currency,
		})
	case escrow.LegRefund:
		return adapter.Refund(ctx, rail.RefundRequest{
			EscrowID:         esc.ID,
			IdempotencyKey:   in.LegKey(n),
			DepositReference: esc.RailReference,
			Destination:      leg.Destination,
			Amount:           leg.Amount,
			Currency:         esc.Currency,
			Reason:           leg.Reason,
		})
	default:
		return "", apperr.Internal(nil, "settlement %s: unknown leg kind %q", in.ID, leg.Kind)
	}
}

// journal persists the reference of leg n so a retry never pays it twice.
func (e *Engine) journal(ctx context.Context, in escrow.Intent, n int) error {
	return e.retryInternal(ctx, "settlement journal retry", in.ID, func() error {
		return e.journalOnce(ctx, in, n)
	})
}

func (e *Engine) journalOnce(ctx context.Context, in escrow.Intent, n int) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockBounty(ctx, in.BountyID); err != nil {
			return err
		}
		cur, err := tx.IntentForBounty(ctx, in.BountyID)
		if err != nil {
			return err
		}
		if cur.ID != in.ID {
			return apperr.StateConflict("settlement %s was replaced by %s", in.ID, cur.ID)
		}
		if cur.Legs[n].Reference != "" {
			return nil
		}
		cur.Legs[n].Reference = in.Legs[n].Reference
		cur.UpdatedAt = e.clock()
		return tx.UpdateIntent(ctx, cur)
	})
}

// legFailed records a failed rail call. A milestone release whose first leg
// is refused outright is abandoned so the funder can review again; anything
// else stays journaled for ExecuteSettlement and Reconcile.
func (e *Engine) legFailed(ctx context.Context, in escrow.Intent, n int, cause error) error {
	abandon := in.Kind == escrow.IntentMilestoneRelease && !in.Started() && !apperr.IsRetryable(cause)
	e.log.Warn("settlement leg failed",
		"bounty_id", in.BountyID,
		"intent_id", in.ID,
		"leg", n,
		"kind", in.Legs[n].Kind,
		"amount", in.Legs[n].Amount,
		"abandon", abandon,
		"error", cause)

	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockBounty(ctx, in.BountyID); err != nil {
			return err
		}
		cur, err := tx.IntentForBounty(ctx, in.BountyID)
		if err != nil {
			return err
		}
		if cur.ID != in.ID {
			return nil
		}
		if abandon {
			return tx.DeleteIntent(ctx, cur.ID)
		}
		cur.Attempts++
		cur.LastError = cause.Error()
		cur.UpdatedAt = e.clock()
		return tx.UpdateIntent(ctx, cur)
	})
	if err != nil {
		e.log.Error("record settlement failure", "intent_id", in.ID, "error", err)
	}
	return cause
}

// commit applies the intent, retrying internal failures. Every leg already
// carries its reference, so a retry never goes back to the rail.
func (e *Engine) commit(ctx context.Context, in escrow.Intent) (bounty.Bounty, []bounty.Transition, error) {
	var (
		out bounty.Bounty
		trs []bounty.Transition
	)
	err := e.retryInternal(ctx, "settlement commit retry", in.ID, func() error {
		var err error
		out, trs, err = e.applyIntent(ctx, in)
		return err
	})
	return out, trs, err
}

// retryInternal retries op while it fails with internal errors, for at most
// CommitTimeout.
func (e *Engine) retryInternal(ctx context.Context, msg, intentID string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = e.policy.CommitTimeout

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && apperr.KindOf(err) != apperr.KindInternal {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		e.log.Warn(msg, "intent_id", intentID, "wait", wait, "error", err)
	})
}

func (e *Engine) applyIntent(ctx context.Context, in escrow.Intent) (bounty.Bounty, []bounty.Transition, error) {
	var (
		out bounty.Bounty
		trs []bounty.Transition
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, in.BountyID)
		if err != nil {
			return err
		}
		cur, err := tx.IntentForBounty(ctx, in.BountyID)
		if err != nil {
			return err
		}
		if cur.ID != in.ID {
			return apperr.StateConflict("settlement %s was already applied", in.ID)
		}
		for n := range cur.Legs {
			if cur.Legs[n].Reference == "" && n < len(in.Legs) {
				cur.Legs[n].Reference = in.Legs[n].Reference
			}
			if cur.Legs[n].Reference == "" {
				return apperr.StateConflict("settlement %s leg %d has not been executed", cur.ID, n)
			}
		}

		esc, err := tx.GetEscrow(ctx, cur.EscrowID)
		if err != nil {
			return err
		}
		now := e.clock()
		for _, leg := range cur.Legs {
			if err := e.book(ctx, tx, &esc, leg, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateEscrow(ctx, esc); err != nil {
			return err
		}

		if cur.Kind == escrow.IntentMilestoneRelease {
			m, ok := b.MilestoneByID(cur.MilestoneID)
			if !ok {
				return apperr.Internal(nil, "settlement %s: milestone %s missing", cur.ID, cur.MilestoneID)
			}
			m.Status = bounty.MilestoneVerified
			m.VerifiedAt = &now
			if next, ok := b.CurrentMilestone(); ok && next.Status == bounty.MilestonePending {
				next.Status = bounty.MilestoneInProgress
			}
		}
		if cur.Event == bounty.EventFinalMilestoneVerified || cur.Kind == escrow.IntentDisputeSettlement {
			if err := e.unlockRemaining(ctx, tx, &b, now); err != nil {
				return err
			}
		}

		tr, err := e.transition(ctx, tx, &b, cur.Event, cur.ActorID, cur.ID)
		if err != nil {
			return err
		}
		trs = append(trs, tr)
		if err := tx.DeleteIntent(ctx, cur.ID); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return bounty.Bounty{}, nil, err
	}
	return out, trs, nil
}

// book writes one executed leg to the escrow ledger.
func (e *Engine) book(ctx context.Context, tx store.Tx, esc *escrow.Escrow, leg escrow.Leg, now time.Time) error {
	msg := movementMessage{
		BountyID:    esc.BountyID,
		EscrowID:    esc.ID,
		Rail:        esc.Rail,
		Amount:      leg.Amount,
		Currency:    esc.Currency,
		Destination: leg.Destination,
		Reference:   leg.Reference,
		MilestoneID: leg.MilestoneID,
		DisputeID:   leg.DisputeID,
		Reason:      leg.Reason,
	}
	switch leg.Kind {
	case escrow.LegRelease:
		r := escrow.Release{
			ID:          e.newID(),
			EscrowID:    esc.ID,
			BountyID:    esc.BountyID,
			MilestoneID: leg.MilestoneID,
			DisputeID:   leg.DisputeID,
			Amount:      leg.Amount,
			Destination: leg.Destination,
			Reference:   leg.Reference,
			CreatedAt:   now,
		}
		if err := esc.ApplyRelease(r, now); err != nil {
			return err
		}
		if err := tx.InsertRelease(ctx, r); err != nil {
			return err
		}
		return e.emit(ctx, tx, outbox.TopicEscrowReleased, esc.BountyID, msg)
	case escrow.LegRefund:
		r := escrow.Refund{
			ID:          e.newID(),
			EscrowID:    esc.ID,
			BountyID:    esc.BountyID,
			Amount:      leg.Amount,
			Destination: leg.Destination,
			Reference:   leg.Reference,
			Reason:      leg.Reason,
			CreatedAt:   now,
		}
		if err := esc.ApplyRefund(r, now); err != nil {
			return err
		}
		if err := tx.InsertRefund(ctx, r); err != nil {
			return err
		}
		return e.emit(ctx, tx, outbox.TopicEscrowRefunded, esc.BountyID, msg)
	default:
		return apperr.Internal(nil, "unknown leg kind %q", leg.Kind)
	}
}

// unlockRemaining returns whatever stake is still locked for the bounty.
func (e *Engine) unlockRemaining(ctx context.Context, tx store.Tx, b *bounty.Bounty, now time.Time) error {
	if b.LockedStake <= 0 || b.LabID == "" {
		return nil
	}
	acct, err := tx.LockStakeAccount(ctx, b.LabID)
	if err != nil {
		return err
	}
	if amount := min(b.LockedStake, acct.LockedStake); amount > 0 {
		st, err := acct.Unlock(amount, b.ID, now)
		if err != nil {
			return err
		}
		if err := tx.SaveStakeAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendStakeTransaction(ctx, st); err != nil {
			return err
		}
	}
	b.LockedStake = 0
	return nil
}

// ExecuteSettlement re-drives the settlement in progress on a bounty.
func (e *Engine) ExecuteSettlement(ctx context.Context, p auth.Principal, bountyID string) (bounty.Bounty, error) {
	var in escrow.Intent
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if requireFunder(p, &b) != nil && requireLab(p, b.LabID) != nil && requireArbiter(p) != nil {
			return apperr.Authorization("not a party to bounty %s", bountyID)
		}
		in, err = tx.IntentForBounty(ctx, bountyID)
		return err
	})
	if err != nil {
		return bounty.Bounty{}, err
	}
	return e.settle(ctx, in)
}

// Reconcile re-drives settlements that have not moved for StaleAfter and
// reports how many it committed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	var stale []escrow.Intent
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		stale, err = tx.StaleIntents(ctx, e.clock().Add(-e.policy.StaleAfter), reconcileBatch)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.metrics.StaleIntents(len(stale))

	settled := 0
	for _, in := range stale {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if _, err := e.settle(ctx, in); err != nil {
			e.log.Warn("reconcile settlement failed",
				"bounty_id", in.BountyID,
				"intent_id", in.ID,
				"attempts", in.Attempts,
				"error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := e.Reconcile(ctx); err != nil {
				e.log.Error("reconcile sweep failed", "error", err)
			} else if n > 0 {
				e.log.Info("reconcile sweep", "settled", n)
			}
		}
	}
}
