package escrow

import (
	"errors"
	"testing"
	"time"

	"bountyflow/apperr"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func lockedEscrow(t *testing.T, budget, fee, bid int64) Escrow {
	t.Helper()
	e, err := New(NewParams{ID: "e-1", BountyID: "b-1", Rail: "card", Currency: "USD", RequestedAmount: budget, PlatformFee: fee}, t0)
	if err != nil {
		t.Fatalf("new escrow: %v", err)
	}
	if err := e.MarkLocked("pi_123", e.TotalAmount, t0); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if bid > 0 {
		if err := e.SetPayoutBasis(bid, t0); err != nil {
			t.Fatalf("payout basis: %v", err)
		}
	}
	return e
}

func TestNewComputesTotal(t *testing.T) {
	e, err := New(NewParams{BountyID: "b-1", Rail: "card", RequestedAmount: 100000, PlatformFee: 5000}, t0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.TotalAmount != 105000 || e.Principal() != 100000 || e.Status != StatusPending {
		t.Fatalf("unexpected escrow %+v", e)
	}
	if _, err := New(NewParams{BountyID: "b-1", Rail: "card"}, t0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
}

func TestMilestoneReleasesAndCompletion(t *testing.T) {
	e := lockedEscrow(t, 100000, 5000, 90000)

	first := MilestonePayout(e, 30, false)
	if first != 27000 {
		t.Fatalf("expected 27000 for 30%% of 90000, got %d", first)
	}
	if err := e.ApplyRelease(Release{Amount: first}, t0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if e.Status != StatusPartiallyReleased {
		t.Fatalf("expected partially_released, got %s", e.Status)
	}

	last := MilestonePayout(e, 70, true)
	if last != 63000 {
		t.Fatalf("expected final payout 63000, got %d", last)
	}
	if err := e.ApplyRelease(Release{Amount: last}, t0); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if e.Surplus() != 10000 {
		t.Fatalf("expected surplus 10000, got %d", e.Surplus())
	}
	if err := e.ApplyRefund(Refund{Amount: e.Surplus()}, t0); err != nil {
		t.Fatalf("surplus refund: %v", err)
	}
	if e.Status != StatusFullyReleased || e.Held() != 0 {
		t.Fatalf("expected fully released with nothing held, got %s held=%d", e.Status, e.Held())
	}
}

func TestFinalMilestoneAbsorbsRounding(t *testing.T) {
	e := lockedEscrow(t, 1000, 0, 1000)
	for i := 0; i < 2; i++ {
		amt := MilestonePayout(e, 33, false)
		if err := e.ApplyRelease(Release{Amount: amt}, t0); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	last := MilestonePayout(e, 34, true)
	if e.ReleasedAmount+last != 1000 {
		t.Fatalf("final payout %d does not complete the bid (released %d)", last, e.ReleasedAmount)
	}
}

func TestReleaseCannotExceedPayout(t *testing.T) {
	e := lockedEscrow(t, 100000, 5000, 90000)
	err := e.ApplyRelease(Release{Amount: 90001}, t0)
	if !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if e.ReleasedAmount != 0 {
		t.Fatalf("release should not be booked")
	}
}

func TestRefundRemainderMarksRefunded(t *testing.T) {
	e := lockedEscrow(t, 100000, 5000, 90000)
	if err := e.ApplyRelease(Release{Amount: 27000}, t0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := e.ApplyRefund(Refund{Amount: e.Held()}, t0); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if e.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", e.Status)
	}
	releases := []Release{{Amount: 27000}}
	refunds := []Refund{{Amount: 73000}}
	if err := CheckInvariants(e, releases, refunds); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestPendingEscrowRejectsMovements(t *testing.T) {
	e, _ := New(NewParams{BountyID: "b-1", Rail: "card", RequestedAmount: 100}, t0)
	if err := e.ApplyRelease(Release{Amount: 1}, t0); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected conflict on pending escrow, got %v", err)
	}
	if err := e.MarkLocked("", 100, t0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation for empty reference, got %v", err)
	}
}

func TestIntentProgress(t *testing.T) {
	in := Intent{ID: "i-1", Legs: []Leg{{Kind: LegRelease, Amount: 10}, {Kind: LegRefund, Amount: 5}}}
	if in.Started() || in.Executed() {
		t.Fatalf("fresh intent must be neither started nor executed")
	}
	in.Legs[0].Reference = "tr_1"
	if !in.Started() || in.Executed() {
		t.Fatalf("expected started but not executed")
	}
	if got := in.LegKey(1); got != "i-1:refund:1" {
		t.Fatalf("unexpected leg key %q", got)
	}
}
