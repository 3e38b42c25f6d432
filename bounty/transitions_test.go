package bounty

import (
	"errors"
	"testing"
	"time"

	"bountyflow/apperr"
)

func TestNextFollowsTable(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		want State
	}{
		{"", EventCreate, StateDraft},
		{StateDraft, EventSubmit, StatePendingApproval},
		{StatePendingApproval, EventApprove, StateFunding},
		{StatePendingApproval, EventReject, StateCancelled},
		{StateFunding, EventDepositInitialized, StateFunding},
		{StateFunding, EventDepositVerified, StateOpenForProposals},
		{StateFunding, EventCancel, StateCancelled},
		{StateOpenForProposals, EventProposalAccepted, StateResearchActive},
		{StateResearchActive, EventEvidenceSubmitted, StateMilestoneReview},
		{StateMilestoneReview, EventMilestoneRejected, StateResearchActive},
		{StateMilestoneReview, EventFinalMilestoneVerified, StateCompleted},
		{StateMilestoneReview, EventDisputeOpened, StateDisputed},
		{StateDisputed, EventResolvedFunderWins, StateRefunding},
		{StateDisputed, EventResolvedLabWins, StatePaidOut},
		{StateDisputed, EventResolvedPartial, StatePartialSettlement},
		{StatePartialSettlement, EventSettled, StateCompleted},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.ev)
		if err != nil {
			t.Fatalf("%s --%s--> unexpected error: %v", tc.from, tc.ev, err)
		}
		if got != tc.want {
			t.Fatalf("%s --%s--> got %s want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

func TestNextRejectsUnknownPairs(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{StateOpenForProposals, EventCancel},
		{StateCompleted, EventSettled},
		{StateCancelled, EventSubmit},
		{StateDisputed, EventDisputeOpened},
		{StateFunding, EventProposalAccepted},
		{StateDraft, EventCreate},
	}
	for _, tc := range cases {
		if _, err := Next(tc.from, tc.ev); !errors.Is(err, apperr.ErrStateConflict) {
			t.Fatalf("%s --%s--> expected state conflict, got %v", tc.from, tc.ev, err)
		}
	}
}

func TestApplyAppendsMonotonicHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &Bounty{ID: "b-1"}

	steps := []Event{EventCreate, EventSubmit, EventApprove, EventDepositInitialized, EventDepositVerified}
	for i, ev := range steps {
		tr, err := b.Apply(ev, "actor", "", now.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("apply %s: %v", ev, err)
		}
		if tr.Seq != i+1 {
			t.Fatalf("apply %s: expected seq %d got %d", ev, i+1, tr.Seq)
		}
	}
	if b.State != StateOpenForProposals {
		t.Fatalf("expected OPEN_FOR_PROPOSALS, got %s", b.State)
	}
	for i := 1; i < len(b.History); i++ {
		if b.History[i].From != b.History[i-1].To {
			t.Fatalf("history chain broken at %d", i)
		}
		if b.History[i].At.Before(b.History[i-1].At) {
			t.Fatalf("history timestamps went backwards at %d", i)
		}
	}
}

func TestApplyLeavesBountyOnError(t *testing.T) {
	b := &Bounty{ID: "b-2"}
	if _, err := b.Apply(EventCreate, "funder", "", time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	before := len(b.History)
	if _, err := b.Apply(EventSettled, "funder", "", time.Now()); err == nil {
		t.Fatalf("expected settled to be rejected in DRAFT")
	}
	if b.State != StateDraft || len(b.History) != before {
		t.Fatalf("bounty mutated on rejected transition: state=%s history=%d", b.State, len(b.History))
	}
}

func TestMilestoneHelpers(t *testing.T) {
	b := &Bounty{Milestones: []Milestone{
		{ID: "m2", Sequence: 2, PayoutPercent: 70, Status: MilestonePending},
		{ID: "m1", Sequence: 1, PayoutPercent: 30, Status: MilestoneVerified},
	}}
	cur, ok := b.CurrentMilestone()
	if !ok || cur.ID != "m2" {
		t.Fatalf("expected m2 as current milestone, got %+v", cur)
	}
	if !b.IsFinalMilestone("m2") {
		t.Fatalf("expected m2 to be final")
	}
	if b.IsFinalMilestone("m1") {
		t.Fatalf("m1 is not final while m2 is pending")
	}
	if err := ValidatePayoutSplit(b.Milestones); err != nil {
		t.Fatalf("expected 30+70 to validate: %v", err)
	}
	b.Milestones[0].PayoutPercent = 60
	if err := ValidatePayoutSplit(b.Milestones); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for 90%%, got %v", err)
	}
}
