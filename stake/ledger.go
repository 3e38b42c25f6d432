// Package stake keeps the collateral a lab posts against its assignments.
//
// Every mutation returns the Transaction to append; a slash that cannot be
// covered in full also returns an Anomaly for operator review.
package stake

import (
	"time"

	"bountyflow/apperr"
)

type TxType string

const (
	TxLock       TxType = "lock"
	TxUnlock     TxType = "unlock"
	TxSlash      TxType = "slash"
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
)

// Account mirrors the stake_accounts table. LockedStake never exceeds
// StakingBalance.
type Account struct {
	LabID          string
	StakingBalance int64
	LockedStake    int64
	UpdatedAt      time.Time
}

// Transaction is an append-only ledger entry carrying the resulting balances.
type Transaction struct {
	ID       int64
	LabID    string
	BountyID string
	Type     TxType
	Amount   int64
	Balance  int64
	Locked   int64
	At       time.Time
}

// Anomaly records a slash that exceeded what the account could cover.
type Anomaly struct {
	ID        int64
	LabID     string
	BountyID  string
	Requested int64
	Applied   int64
	Shortfall int64
	At        time.Time
}

// Available is the balance not locked against any assignment.
func (a Account) Available() int64 {
	return a.StakingBalance - a.LockedStake
}

// LockAmount is the collateral required for a bid at the given basis points.
func LockAmount(bid, bps int64) int64 {
	if bid <= 0 || bps <= 0 {
		return 0
	}
	return bid * bps / 10_000
}

// SlashAmount is floor(base * percent / 100).
func SlashAmount(base int64, percent int) int64 {
	if base <= 0 || percent <= 0 {
		return 0
	}
	if percent > 100 {
		percent = 100
	}
	return base * int64(percent) / 100
}

func (a *Account) record(t TxType, amount int64, bountyID string, now time.Time) Transaction {
	now = now.UTC()
	a.UpdatedAt = now
	return Transaction{
		LabID:    a.LabID,
		BountyID: bountyID,
		Type:     t,
		Amount:   amount,
		Balance:  a.StakingBalance,
		Locked:   a.LockedStake,
		At:       now,
	}
}

func (a *Account) Deposit(amount int64, now time.Time) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, apperr.Validation("stake deposit must be positive")
	}
	a.StakingBalance += amount
	return a.record(TxDeposit, amount, "", now), nil
}

// Withdraw removes unlocked balance.
func (a *Account) Withdraw(amount int64, now time.Time) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, apperr.Validation("stake withdrawal must be positive")
	}
	if amount > a.Available() {
		return Transaction{}, apperr.InsufficientStake("withdrawal %d exceeds available stake %d", amount, a.Available())
	}
	a.StakingBalance -= amount
	return a.record(TxWithdrawal, amount, "", now), nil
}

// Lock reserves collateral for a bounty assignment.
func (a *Account) Lock(amount int64, bountyID string, now time.Time) (Transaction, error) {
	if amount < 0 {
		return Transaction{}, apperr.Validation("stake lock must not be negative")
	}
	if amount > a.Available() {
		return Transaction{}, apperr.InsufficientStake("lab %s has %d available stake, %d required", a.LabID, a.Available(), amount)
	}
	a.LockedStake += amount
	return a.record(TxLock, amount, bountyID, now), nil
}

// Unlock releases collateral without touching the balance.
func (a *Account) Unlock(amount int64, bountyID string, now time.Time) (Transaction, error) {
	if amount < 0 {
		return Transaction{}, apperr.Validation("stake unlock must not be negative")
	}
	if amount > a.LockedStake {
		return Transaction{}, apperr.Validation("unlock %d exceeds locked stake %d", amount, a.LockedStake)
	}
	a.LockedStake -= amount
	return a.record(TxUnlock, amount, bountyID, now), nil
}

// Slash burns up to amount from the balance. Locked stake shrinks by the same
// amount and stays within the new balance. The uncovered part, if any, comes
// back as an Anomaly.
func (a *Account) Slash(amount int64, bountyID string, now time.Time) (Transaction, *Anomaly, error) {
	if amount < 0 {
		return Transaction{}, nil, apperr.Validation("slash amount must not be negative")
	}
	applied := min(amount, a.StakingBalance)
	a.StakingBalance -= applied
	a.LockedStake -= min(amount, a.LockedStake)
	if a.LockedStake > a.StakingBalance {
		a.LockedStake = a.StakingBalance
	}
	tx := a.record(TxSlash, applied, bountyID, now)

	var anomaly *Anomaly
	if shortfall := amount - applied; shortfall > 0 {
		anomaly = &Anomaly{
			LabID:     a.LabID,
			BountyID:  bountyID,
			Requested: amount,
			Applied:   applied,
			Shortfall: shortfall,
			At:        tx.At,
		}
	}
	return tx, anomaly, nil
}
