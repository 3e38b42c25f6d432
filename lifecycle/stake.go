package lifecycle

import (
	"context"
	"errors"
	"maps"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/lab"
	"bountyflow/stake"
	"bountyflow/store"
)

// DepositStake adds collateral to a lab's account.
func (e *Engine) DepositStake(ctx context.Context, p auth.Principal, labID string, amount int64) (stake.Account, error) {
	return e.moveStake(ctx, p, labID, func(a *stake.Account) (stake.Transaction, error) {
		return a.Deposit(amount, e.clock())
	})
}

// WithdrawStake removes unlocked collateral.
func (e *Engine) WithdrawStake(ctx context.Context, p auth.Principal, labID string, amount int64) (stake.Account, error) {
	return e.moveStake(ctx, p, labID, func(a *stake.Account) (stake.Transaction, error) {
		return a.Withdraw(amount, e.clock())
	})
}

func (e *Engine) moveStake(ctx context.Context, p auth.Principal, labID string, op func(a *stake.Account) (stake.Transaction, error)) (stake.Account, error) {
	if err := requireLab(p, labID); err != nil {
		return stake.Account{}, err
	}
	var out stake.Account
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetLab(ctx, labID); err != nil {
			return err
		}
		acct, err := tx.LockStakeAccount(ctx, labID)
		if err != nil {
			return err
		}
		st, err := op(&acct)
		if err != nil {
			return err
		}
		if err := tx.SaveStakeAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendStakeTransaction(ctx, st); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return stake.Account{}, err
	}
	return out, nil
}

// GetStake returns a lab's account and its transaction log.
func (e *Engine) GetStake(ctx context.Context, p auth.Principal, labID string) (stake.Account, []stake.Transaction, error) {
	if err := requireLab(p, labID); err != nil {
		return stake.Account{}, nil, err
	}
	var (
		acct stake.Account
		txs  []stake.Transaction
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetLab(ctx, labID); err != nil {
			return err
		}
		var err error
		if acct, err = tx.LockStakeAccount(ctx, labID); err != nil {
			return err
		}
		txs, err = tx.ListStakeTransactions(ctx, labID)
		return err
	})
	if err != nil {
		return stake.Account{}, nil, err
	}
	return acct, txs, nil
}

// RegisterLab creates or updates a lab profile. Labs may edit their own
// profile but only staff set the verification tier.
func (e *Engine) RegisterLab(ctx context.Context, p auth.Principal, in lab.Profile) (lab.Profile, error) {
	if err := requireLab(p, in.ID); err != nil {
		return lab.Profile{}, err
	}
	if err := lab.Validate(in); err != nil {
		return lab.Profile{}, err
	}
	var out lab.Profile
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := e.clock()
		cur, err := tx.GetLab(ctx, in.ID)
		switch {
		case err == nil:
			if !p.IsStaff() {
				in.Tier = cur.Tier
			}
			in.CreatedAt = cur.CreatedAt
		case errors.Is(err, apperr.ErrNotFound):
			if !p.IsStaff() {
				in.Tier = lab.TierUnverified
			}
			in.CreatedAt = now
		default:
			return err
		}
		in.PayoutAccounts = maps.Clone(in.PayoutAccounts)
		in.UpdatedAt = now
		if err := tx.UpsertLab(ctx, in); err != nil {
			return err
		}
		out = in
		return nil
	})
	if err != nil {
		return lab.Profile{}, err
	}
	return out, nil
}

// SetLabTier records the outcome of the admin verification workflow.
func (e *Engine) SetLabTier(ctx context.Context, p auth.Principal, labID string, tier lab.Tier) (lab.Profile, error) {
	if err := requireStaff(p); err != nil {
		return lab.Profile{}, err
	}
	var out lab.Profile
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetLab(ctx, labID)
		if err != nil {
			return err
		}
		cur.Tier = tier
		if err := lab.Validate(cur); err != nil {
			return err
		}
		cur.UpdatedAt = e.clock()
		if err := tx.UpsertLab(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return lab.Profile{}, err
	}
	e.log.Info("lab tier set", "lab_id", labID, "tier", tier, "actor_id", p.UserID)
	return out, nil
}
