package stake

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"bountyflow/apperr"
)

var now = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func TestLockRequiresAvailableStake(t *testing.T) {
	a := Account{LabID: "lab-1", StakingBalance: 100, LockedStake: 40}
	if _, err := a.Lock(61, "b-1", now); !errors.Is(err, apperr.ErrInsufficientStake) {
		t.Fatalf("expected insufficient stake, got %v", err)
	}
	tx, err := a.Lock(60, "b-1", now)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if tx.Type != TxLock || tx.Locked != 100 || tx.Balance != 100 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
}

func TestSlashWithinLocked(t *testing.T) {
	a := Account{LabID: "lab-1", StakingBalance: 500, LockedStake: 90}
	tx, anomaly, err := a.Slash(SlashAmount(90, 50), "b-1", now)
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if anomaly != nil {
		t.Fatalf("unexpected anomaly %+v", anomaly)
	}
	if tx.Amount != 45 || a.StakingBalance != 455 || a.LockedStake != 45 {
		t.Fatalf("unexpected balances after slash: tx=%+v account=%+v", tx, a)
	}
	if _, err := a.Unlock(45, "b-1", now); err != nil {
		t.Fatalf("unlock remainder: %v", err)
	}
	if a.LockedStake != 0 || a.StakingBalance != 455 {
		t.Fatalf("unlock must not change balance: %+v", a)
	}
}

func TestSlashBeyondBalanceRecordsAnomaly(t *testing.T) {
	a := Account{LabID: "lab-1", StakingBalance: 30, LockedStake: 30}
	tx, anomaly, err := a.Slash(50, "b-9", now)
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if tx.Amount != 30 || a.StakingBalance != 0 || a.LockedStake != 0 {
		t.Fatalf("unexpected state %+v / %+v", tx, a)
	}
	if anomaly == nil || anomaly.Shortfall != 20 || anomaly.Applied != 30 || anomaly.Requested != 50 {
		t.Fatalf("unexpected anomaly %+v", anomaly)
	}
}

func TestUnlockCannotExceedLocked(t *testing.T) {
	a := Account{LabID: "lab-1", StakingBalance: 100, LockedStake: 10}
	if _, err := a.Unlock(11, "b-1", now); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithdrawOnlyAvailable(t *testing.T) {
	a := Account{LabID: "lab-1", StakingBalance: 100, LockedStake: 60}
	if _, err := a.Withdraw(41, now); !errors.Is(err, apperr.ErrInsufficientStake) {
		t.Fatalf("expected insufficient stake, got %v", err)
	}
	if _, err := a.Withdraw(40, now); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestPolicyAmounts(t *testing.T) {
	if got := LockAmount(90000, 1000); got != 9000 {
		t.Fatalf("expected 10%% lock of 9000, got %d", got)
	}
	if got := SlashAmount(9, 50); got != 4 {
		t.Fatalf("expected floor(4.5)=4, got %d", got)
	}
}

func TestLedgerInvariantsHold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := Account{LabID: "lab-p"}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			amount := rapid.Int64Range(0, 5000).Draw(t, "amount")
			before := a
			var (
				tx  Transaction
				err error
			)
			switch op := rapid.IntRange(0, 4).Draw(t, "op"); op {
			case 0:
				tx, err = a.Deposit(amount, now)
			case 1:
				tx, err = a.Withdraw(amount, now)
			case 2:
				tx, err = a.Lock(amount, "b", now)
			case 3:
				tx, err = a.Unlock(amount, "b", now)
			case 4:
				var anomaly *Anomaly
				tx, anomaly, err = a.Slash(amount, "b", now)
				if anomaly != nil && anomaly.Applied+anomaly.Shortfall != amount {
					t.Fatalf("anomaly does not add up: %+v", anomaly)
				}
			}
			if err != nil {
				if a.StakingBalance != before.StakingBalance || a.LockedStake != before.LockedStake {
					t.Fatalf("failed op mutated account: before=%+v after=%+v", before, a)
				}
				continue
			}
			if tx.Type == TxUnlock && a.StakingBalance != before.StakingBalance {
				t.Fatalf("unlock changed balance")
			}
			if tx.Balance != a.StakingBalance || tx.Locked != a.LockedStake {
				t.Fatalf("transaction does not carry resulting balances")
			}
			if a.LockedStake < 0 || a.StakingBalance < 0 {
				t.Fatalf("negative account %+v", a)
			}
			if a.LockedStake > a.StakingBalance {
				t.Fatalf("locked %d exceeds balance %d", a.LockedStake, a.StakingBalance)
			}
		}
	})
}
