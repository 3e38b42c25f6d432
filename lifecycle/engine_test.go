package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/inbox"
	"bountyflow/lab"
	"bountyflow/outbox"
	"bountyflow/rail"
	"bountyflow/store"
)

func TestFunderWinsAfterFirstMilestone(t *testing.T) {
	h := newHarness(t)
	b, escrowID := h.fundedBounty(30, 70)

	v := h.view(b.ID)
	if v.Escrow.ID != escrowID || v.Escrow.TotalAmount != 105_000 || v.Escrow.PlatformFee != 5_000 {
		t.Fatalf("unexpected escrow %+v", v.Escrow)
	}
	if v.Escrow.Status != escrow.StatusLocked {
		t.Fatalf("expected locked escrow, got %s", v.Escrow.Status)
	}

	prop, err := h.engine.SubmitProposal(h.ctx, labUser, b.ID, ProposalInput{BidAmount: 90_000, Summary: "plan"})
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	b = h.must(h.engine.AcceptProposal(h.ctx, funder, b.ID, prop.ID))
	if b.State != bounty.StateResearchActive || b.LockedStake != 9_000 || b.LabID != "lab-1" {
		t.Fatalf("unexpected bounty after acceptance: state=%s locked=%d lab=%s", b.State, b.LockedStake, b.LabID)
	}
	acct, _, err := h.engine.GetStake(h.ctx, labUser, "lab-1")
	if err != nil {
		t.Fatalf("get stake: %v", err)
	}
	if acct.StakingBalance != 50_000 || acct.LockedStake != 9_000 {
		t.Fatalf("unexpected stake after lock %+v", acct)
	}

	m1 := h.submitEvidence(b, 1)
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m1, true, "looks right"))
	if b.State != bounty.StateResearchActive {
		t.Fatalf("expected RESEARCH_ACTIVE after first milestone, got %s", b.State)
	}
	if b.Milestones[1].Status != bounty.MilestoneInProgress {
		t.Fatalf("second milestone should be in progress, got %s", b.Milestones[1].Status)
	}
	v = h.view(b.ID)
	if len(v.Releases) != 1 || v.Releases[0].Amount != 27_000 || v.Releases[0].MilestoneID != m1 {
		t.Fatalf("unexpected releases %+v", v.Releases)
	}

	d, err := h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonFalsification, Description: "figures do not reproduce"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d.PriorState != bounty.StateResearchActive {
		t.Fatalf("unexpected prior state %s", d.PriorState)
	}

	res, err := h.engine.ResolveDispute(h.ctx, admin, d.ID, dispute.Decision{Resolution: dispute.ResolutionFunderWins, SlashPercent: 50})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Settled || res.Bounty.State != bounty.StateCompleted {
		t.Fatalf("expected settled completion, got settled=%v state=%s err=%s", res.Settled, res.Bounty.State, res.SettlementError)
	}
	if res.Dispute.SlashAmount != 4_500 || res.Dispute.Status != dispute.StatusResolved {
		t.Fatalf("unexpected dispute %+v", res.Dispute)
	}

	acct, _, err = h.engine.GetStake(h.ctx, labUser, "lab-1")
	if err != nil {
		t.Fatalf("get stake: %v", err)
	}
	if acct.StakingBalance != 45_500 || acct.LockedStake != 0 {
		t.Fatalf("expected 4500 slashed and 4500 unlocked, got %+v", acct)
	}

	v = h.view(b.ID)
	h.checkLedger(v)
	if len(v.Refunds) != 1 || v.Refunds[0].Amount != 73_000 {
		t.Fatalf("unexpected refunds %+v", v.Refunds)
	}
	if v.Escrow.Held() != 0 || v.Escrow.Status != escrow.StatusRefunded {
		t.Fatalf("escrow not emptied: %+v", v.Escrow)
	}
	if v.Settlement != nil || v.Dispute != nil {
		t.Fatalf("nothing should remain in progress: %+v %+v", v.Settlement, v.Dispute)
	}

	want := []bounty.State{
		bounty.StateDraft, bounty.StatePendingApproval, bounty.StateFunding, bounty.StateFunding,
		bounty.StateOpenForProposals, bounty.StateResearchActive, bounty.StateMilestoneReview,
		bounty.StateResearchActive, bounty.StateDisputed, bounty.StateRefunding, bounty.StateCompleted,
	}
	if len(v.Bounty.History) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(v.Bounty.History))
	}
	for i, s := range want {
		if v.Bounty.History[i].To != s {
			t.Fatalf("history[%d] = %s, want %s", i, v.Bounty.History[i].To, s)
		}
	}

	releases, refunds := h.rail.calls()
	if len(releases) != 1 || releases[0].Destination != "acct_lab-1" || releases[0].Amount != 27_000 {
		t.Fatalf("unexpected rail releases %+v", releases)
	}
	if len(refunds) != 1 || refunds[0].DepositReference == "" || refunds[0].Amount != 73_000 {
		t.Fatalf("unexpected rail refunds %+v", refunds)
	}

	topics := map[string]int{}
	for _, msg := range h.store.Outbox() {
		topics[msg.Topic]++
	}
	if topics[outbox.TopicBountyTransitioned] != len(want) || topics[outbox.TopicStakeSlashed] != 1 ||
		topics[outbox.TopicEscrowReleased] != 1 || topics[outbox.TopicEscrowRefunded] != 1 {
		t.Fatalf("unexpected outbox topics %v", topics)
	}
}

func TestFinalMilestoneCompletesAndRefundsSurplus(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(30, 70)

	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, h.submitEvidence(b, 1), true, ""))
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, h.submitEvidence(b, 2), true, ""))
	if b.State != bounty.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", b.State)
	}

	v := h.view(b.ID)
	h.checkLedger(v)
	if v.Escrow.ReleasedAmount != 90_000 || v.Escrow.RefundedAmount != 10_000 {
		t.Fatalf("expected bid released and surplus refunded, got %+v", v.Escrow)
	}
	if v.Escrow.Status != escrow.StatusFullyReleased {
		t.Fatalf("expected fully_released, got %s", v.Escrow.Status)
	}
	if v.Refunds[0].Reason != "budget_surplus" {
		t.Fatalf("unexpected refund reason %q", v.Refunds[0].Reason)
	}
	acct, txs, err := h.engine.GetStake(h.ctx, labUser, "lab-1")
	if err != nil {
		t.Fatalf("get stake: %v", err)
	}
	if acct.LockedStake != 0 || acct.StakingBalance != 50_000 {
		t.Fatalf("stake should be fully unlocked, got %+v", acct)
	}
	if last := txs[len(txs)-1]; last.Type != "unlock" || last.Amount != 9_000 {
		t.Fatalf("expected final unlock of 9000, got %+v", last)
	}
}

func TestMilestoneRejectionReturnsToResearch(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	m := h.submitEvidence(b, 1)

	if _, err := h.engine.VerifyMilestone(h.ctx, funder, m, false, ""); err == nil {
		t.Fatalf("rejection without feedback must fail")
	}
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m, false, "missing controls"))
	if b.State != bounty.StateResearchActive || b.Milestones[0].Status != bounty.MilestoneRejected {
		t.Fatalf("unexpected state after rejection: %s / %s", b.State, b.Milestones[0].Status)
	}
	m = h.submitEvidence(b, 1)
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m, true, ""))
	if b.State != bounty.StateCompleted {
		t.Fatalf("single milestone approval should complete, got %s", b.State)
	}
}

func TestMilestoneCannotBeReleasedTwice(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(30, 70)
	m1 := h.submitEvidence(b, 1)
	h.must(h.engine.VerifyMilestone(h.ctx, funder, m1, true, ""))

	_, err := h.engine.VerifyMilestone(h.ctx, funder, m1, true, "")
	wantKind(t, err, apperr.KindStateConflict)

	v := h.view(b.ID)
	if len(v.Releases) != 1 {
		t.Fatalf("expected a single release, got %d", len(v.Releases))
	}
	releases, _ := h.rail.calls()
	if len(releases) != 1 {
		t.Fatalf("rail paid %d times", len(releases))
	}
}

func TestAcceptanceGuardsLeaveStateUnchanged(t *testing.T) {
	t.Run("tier", func(t *testing.T) {
		h := newHarness(t)
		b, _ := h.fundedBounty(100)
		prop, err := h.engine.SubmitProposal(h.ctx, labUser, b.ID, ProposalInput{BidAmount: 90_000, Summary: "plan"})
		if err != nil {
			t.Fatalf("submit proposal: %v", err)
		}
		if _, err := h.engine.SetLabTier(h.ctx, admin, "lab-1", lab.TierUnverified); err != nil {
			t.Fatalf("set tier: %v", err)
		}
		_, err = h.engine.AcceptProposal(h.ctx, funder, b.ID, prop.ID)
		wantKind(t, err, apperr.KindValidation)
		assertUnchanged(t, h, b)
	})

	t.Run("stake", func(t *testing.T) {
		h := newHarness(t)
		h.registerLab(rival, lab.TierTrusted, 8_999)
		b, _ := h.fundedBounty(100)
		prop, err := h.engine.SubmitProposal(h.ctx, rival, b.ID, ProposalInput{BidAmount: 90_000, Summary: "cheaper"})
		if err != nil {
			t.Fatalf("submit proposal: %v", err)
		}
		_, err = h.engine.AcceptProposal(h.ctx, funder, b.ID, prop.ID)
		wantKind(t, err, apperr.KindInsufficientStake)
		assertUnchanged(t, h, b)
		acct, _, err := h.engine.GetStake(h.ctx, rival, "lab-2")
		if err != nil {
			t.Fatalf("get stake: %v", err)
		}
		if acct.LockedStake != 0 || acct.StakingBalance != 8_999 {
			t.Fatalf("failed acceptance touched stake: %+v", acct)
		}
	})

	t.Run("split", func(t *testing.T) {
		h := newHarness(t)
		b, _ := h.fundedBounty(30, 60)
		prop, err := h.engine.SubmitProposal(h.ctx, labUser, b.ID, ProposalInput{BidAmount: 90_000, Summary: "plan"})
		if err != nil {
			t.Fatalf("submit proposal: %v", err)
		}
		_, err = h.engine.AcceptProposal(h.ctx, funder, b.ID, prop.ID)
		wantKind(t, err, apperr.KindValidation)
		assertUnchanged(t, h, b)
	})

	t.Run("not funder", func(t *testing.T) {
		h := newHarness(t)
		b, _ := h.fundedBounty(100)
		prop, err := h.engine.SubmitProposal(h.ctx, labUser, b.ID, ProposalInput{BidAmount: 90_000, Summary: "plan"})
		if err != nil {
			t.Fatalf("submit proposal: %v", err)
		}
		_, err = h.engine.AcceptProposal(h.ctx, labUser, b.ID, prop.ID)
		wantKind(t, err, apperr.KindAuthorization)
		assertUnchanged(t, h, b)
	})
}

func assertUnchanged(t *testing.T, h *harness, before bounty.Bounty) {
	t.Helper()
	v := h.view(before.ID)
	if v.Bounty.State != before.State || len(v.Bounty.History) != len(before.History) {
		t.Fatalf("guard failure changed bounty: %s/%d -> %s/%d",
			before.State, len(before.History), v.Bounty.State, len(v.Bounty.History))
	}
	if v.Escrow.PayoutBasis != 0 {
		t.Fatalf("guard failure pinned payout basis %d", v.Escrow.PayoutBasis)
	}
	props, err := h.engine.ListProposals(h.ctx, funder, before.ID)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	for _, p := range props {
		if p.Status != bounty.ProposalPending {
			t.Fatalf("guard failure changed proposal %s to %s", p.ID, p.Status)
		}
	}
}

func TestAcceptingRejectsSiblings(t *testing.T) {
	h := newHarness(t)
	h.registerLab(rival, lab.TierVerified, 50_000)
	b, _ := h.fundedBounty(100)

	mine, err := h.engine.SubmitProposal(h.ctx, labUser, b.ID, ProposalInput{BidAmount: 90_000, Summary: "a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	theirs, err := h.engine.SubmitProposal(h.ctx, rival, b.ID, ProposalInput{BidAmount: 80_000, Summary: "b"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.engine.SubmitProposal(h.ctx, rival, b.ID, ProposalInput{BidAmount: 70_000, Summary: "again"}); apperr.KindOf(err) != apperr.KindStateConflict {
		t.Fatalf("second pending proposal from one lab must conflict, got %v", err)
	}

	h.must(h.engine.AcceptProposal(h.ctx, funder, b.ID, mine.ID))

	props, err := h.engine.ListProposals(h.ctx, funder, b.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	status := map[string]bounty.ProposalStatus{}
	for _, p := range props {
		status[p.ID] = p.Status
	}
	if status[mine.ID] != bounty.ProposalAccepted || status[theirs.ID] != bounty.ProposalRejected {
		t.Fatalf("unexpected proposal statuses %v", status)
	}

	_, err = h.engine.AcceptProposal(h.ctx, funder, b.ID, theirs.ID)
	wantKind(t, err, apperr.KindStateConflict)
	_, err = h.engine.SubmitProposal(h.ctx, rival, b.ID, ProposalInput{BidAmount: 60_000, Summary: "late"})
	wantKind(t, err, apperr.KindStateConflict)

	own, err := h.engine.ListProposals(h.ctx, rival, b.ID)
	if err != nil {
		t.Fatalf("list as lab: %v", err)
	}
	if len(own) != 1 || own[0].ID != theirs.ID {
		t.Fatalf("lab must only see its own proposals, got %+v", own)
	}
}

func TestResolvedDisputeRejectsFurtherRulings(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	d, err := h.engine.OpenDispute(h.ctx, labUser, b.ID, DisputeInput{Reason: dispute.ReasonCommunicationFailure, Description: "no reply"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonTampering, Description: "x"}); err == nil {
		t.Fatalf("second dispute on a disputed bounty must fail")
	}
	if _, err := h.engine.ResolveDispute(h.ctx, funder, d.ID, dispute.Decision{Resolution: dispute.ResolutionLabWins}); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("funder cannot rule, got %v", err)
	}

	res, err := h.engine.ResolveDispute(h.ctx, admin, d.ID, dispute.Decision{Resolution: dispute.ResolutionLabWins})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Bounty.State != bounty.StateCompleted {
		t.Fatalf("expected COMPLETED via PAID_OUT, got %s", res.Bounty.State)
	}

	_, err = h.engine.ResolveDispute(h.ctx, admin, d.ID, dispute.Decision{Resolution: dispute.ResolutionFunderWins})
	wantKind(t, err, apperr.KindStateConflict)

	v := h.view(b.ID)
	h.checkLedger(v)
	if v.Escrow.ReleasedAmount != 90_000 || v.Escrow.RefundedAmount != 10_000 {
		t.Fatalf("lab_wins must pay the bid and refund the surplus, got %+v", v.Escrow)
	}
	acct, _, _ := h.engine.GetStake(h.ctx, labUser, "lab-1")
	if acct.LockedStake != 0 || acct.StakingBalance != 50_000 {
		t.Fatalf("lab_wins must unlock without slashing, got %+v", acct)
	}
}

func TestStaleDisputeReadCannotReopenRuling(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	d, err := h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonTimelineBreach, Description: "late"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	stale := d
	if _, err := h.engine.ResolveDispute(h.ctx, admin, d.ID, dispute.Decision{Resolution: dispute.ResolutionFunderWins}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	h.store.staleDispute.Store(&stale)
	_, err = h.engine.EscalateDispute(h.ctx, admin, d.ID, "")
	wantKind(t, err, apperr.KindStateConflict)

	var got dispute.Record
	err = h.store.Store.InTx(h.ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		got, err = tx.GetDispute(ctx, d.ID)
		return err
	})
	if err != nil {
		t.Fatalf("read dispute: %v", err)
	}
	if got.Status != dispute.StatusResolved || got.Resolution != dispute.ResolutionFunderWins {
		t.Fatalf("ruling was rewritten: %+v", got)
	}
	if v := h.view(b.ID); v.Bounty.State != bounty.StateCompleted {
		t.Fatalf("bounty left %s", v.Bounty.State)
	}
}

func TestArbitratorCheckUsesLockedDispute(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	d, err := h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonTampering, Description: "edited"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	stale := d
	if _, err := h.engine.EscalateDispute(h.ctx, admin, d.ID, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := h.engine.EscalateDispute(h.ctx, admin, d.ID, "arb-1"); err != nil {
		t.Fatalf("arbitration: %v", err)
	}

	other := auth.Principal{UserID: "arb-2", Capabilities: []auth.Capability{auth.CapArbitrator}}
	h.store.staleDispute.Store(&stale)
	_, err = h.engine.ResolveDispute(h.ctx, other, d.ID, dispute.Decision{Resolution: dispute.ResolutionLabWins})
	wantKind(t, err, apperr.KindAuthorization)
}

func TestPartialRefundSplitsRemainingPayout(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(30, 70)
	h.must(h.engine.VerifyMilestone(h.ctx, funder, h.submitEvidence(b, 1), true, ""))

	d, err := h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonTimelineBreach, Description: "late"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if d, err = h.engine.EscalateDispute(h.ctx, admin, d.ID, ""); err != nil || d.Status != dispute.StatusUnderReview {
		t.Fatalf("escalate: %v %s", err, d.Status)
	}
	arbiter := auth.Principal{UserID: "arb-1", Capabilities: []auth.Capability{auth.CapArbitrator}}
	if d, err = h.engine.EscalateDispute(h.ctx, admin, d.ID, arbiter.UserID); err != nil || d.Status != dispute.StatusArbitration {
		t.Fatalf("escalate to arbitration: %v %s", err, d.Status)
	}
	other := auth.Principal{UserID: "arb-2", Capabilities: []auth.Capability{auth.CapArbitrator}}
	if _, err := h.engine.ResolveDispute(h.ctx, other, d.ID, dispute.Decision{Resolution: dispute.ResolutionLabWins}); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("unassigned arbitrator must be refused, got %v", err)
	}

	res, err := h.engine.ResolveDispute(h.ctx, arbiter, d.ID, dispute.Decision{
		Resolution:    dispute.ResolutionPartialRefund,
		RefundPercent: 40,
		SlashPercent:  10,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Settled || res.Bounty.State != bounty.StateCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}

	v := h.view(b.ID)
	h.checkLedger(v)
	// 63000 payout left: 40% (25200) back to the funder plus the 10000 surplus.
	if v.Escrow.ReleasedAmount != 27_000+37_800 || v.Escrow.RefundedAmount != 35_200 {
		t.Fatalf("unexpected split %+v", v.Escrow)
	}
	acct, _, _ := h.engine.GetStake(h.ctx, labUser, "lab-1")
	if acct.StakingBalance != 49_100 || acct.LockedStake != 0 {
		t.Fatalf("expected 900 slashed, got %+v", acct)
	}
}

func TestDisputeBlockedWhileSettlementInProgress(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(30, 70)
	m1 := h.submitEvidence(b, 1)

	h.rail.releaseErrs = []error{apperr.RailTransient(errors.New("503"), "rail release unavailable")}
	_, err := h.engine.VerifyMilestone(h.ctx, funder, m1, true, "")
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable rail error, got %v", err)
	}

	v := h.view(b.ID)
	if v.Settlement == nil || v.Settlement.Attempts != 1 || v.Bounty.State != bounty.StateMilestoneReview {
		t.Fatalf("intent should stay journaled: %+v state=%s", v.Settlement, v.Bounty.State)
	}

	_, err = h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonQualityFailure, Description: "bad"})
	wantKind(t, err, apperr.KindStateConflict)
	_, err = h.engine.VerifyMilestone(h.ctx, funder, m1, false, "changed my mind")
	wantKind(t, err, apperr.KindStateConflict)

	b = h.must(h.engine.ExecuteSettlement(h.ctx, labUser, b.ID))
	if b.State != bounty.StateResearchActive {
		t.Fatalf("expected RESEARCH_ACTIVE after retry, got %s", b.State)
	}
	if _, err := h.engine.OpenDispute(h.ctx, funder, b.ID, DisputeInput{Reason: dispute.ReasonQualityFailure, Description: "bad"}); err != nil {
		t.Fatalf("dispute after settlement: %v", err)
	}
	h.checkLedger(h.view(b.ID))
}

func TestPermanentRailRefusalAbandonsRelease(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	m := h.submitEvidence(b, 1)

	h.rail.releaseErrs = []error{apperr.RailPermanent("destination account closed")}
	_, err := h.engine.VerifyMilestone(h.ctx, funder, m, true, "")
	wantKind(t, err, apperr.KindRailVerification)
	if apperr.IsRetryable(err) {
		t.Fatalf("refusal must not be retryable")
	}

	v := h.view(b.ID)
	if v.Settlement != nil || v.Bounty.State != bounty.StateMilestoneReview || v.Bounty.Milestones[0].Status != bounty.MilestoneSubmitted {
		t.Fatalf("abandoned release must leave review open: %+v %s", v.Settlement, v.Bounty.State)
	}

	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m, true, ""))
	if b.State != bounty.StateCompleted {
		t.Fatalf("expected COMPLETED on second review, got %s", b.State)
	}
}

func TestCommitRetryReusesJournaledReference(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(30, 70)
	m1 := h.submitEvidence(b, 1)

	h.store.failDeletes.Store(2)
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m1, true, ""))
	if b.State != bounty.StateResearchActive {
		t.Fatalf("expected commit to succeed after retries, got %s", b.State)
	}
	releases, _ := h.rail.calls()
	if len(releases) != 1 {
		t.Fatalf("rail must be called once, got %d", len(releases))
	}
	v := h.view(b.ID)
	h.checkLedger(v)
	if v.Releases[0].Reference != "tr_"+releases[0].IdempotencyKey {
		t.Fatalf("release booked with %q", v.Releases[0].Reference)
	}
}

func TestJournalRetryKeepsOneRailCall(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(30, 70)
	m1 := h.submitEvidence(b, 1)

	h.store.failUpdates.Store(2)
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m1, true, ""))
	if b.State != bounty.StateResearchActive {
		t.Fatalf("expected the release to commit, got %s", b.State)
	}
	if _, err := h.engine.ExecuteSettlement(h.ctx, funder, b.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("no settlement should remain, got %v", err)
	}
	releases, _ := h.rail.calls()
	if len(releases) != 1 {
		t.Fatalf("rail must be called once for one milestone, got %d", len(releases))
	}
	h.checkLedger(h.view(b.ID))
}

func TestJournalOutageBooksObtainedReference(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	m := h.submitEvidence(b, 1)

	h.store.failUpdates.Store(1 << 20)
	b = h.must(h.engine.VerifyMilestone(h.ctx, funder, m, true, ""))
	h.store.failUpdates.Store(0)
	if b.State != bounty.StateCompleted {
		t.Fatalf("commit must book the reference it holds, got %s", b.State)
	}
	releases, refunds := h.rail.calls()
	if len(releases) != 1 || len(refunds) != 1 {
		t.Fatalf("each leg must reach the rail once, got %d releases %d refunds", len(releases), len(refunds))
	}
	v := h.view(b.ID)
	h.checkLedger(v)
	if v.Releases[0].Reference != "tr_"+releases[0].IdempotencyKey {
		t.Fatalf("release booked with %q", v.Releases[0].Reference)
	}
}

func TestReconcileDrivesStaleSettlement(t *testing.T) {
	h := newHarness(t)
	b := h.activeBounty(100)
	m := h.submitEvidence(b, 1)

	h.rail.releaseErrs = []error{apperr.RailTransient(errors.New("timeout"), "rail release unavailable")}
	if _, err := h.engine.VerifyMilestone(h.ctx, funder, m, true, ""); !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}

	if n, err := h.engine.Reconcile(h.ctx); err != nil || n != 0 {
		t.Fatalf("fresh intent must not be reconciled yet: %d %v", n, err)
	}
	h.clock.Advance(2 * time.Minute)
	n, err := h.engine.Reconcile(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one settlement, got %d %v", n, err)
	}
	v := h.view(b.ID)
	if v.Bounty.State != bounty.StateCompleted || v.Settlement != nil {
		t.Fatalf("reconcile should complete the bounty, got %s", v.Bounty.State)
	}
	h.checkLedger(v)
}

func TestVerifyAndDisputeRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		b := h.activeBounty(30, 70)
		m1 := h.submitEvidence(b, 1)

		var (
			wg        sync.WaitGroup
			verifyErr error
			disputeID string
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, verifyErr = h.engine.VerifyMilestone(h.ctx, funder, m1, true, "")
		}()
		go func() {
			defer wg.Done()
			d, err := h.engine.OpenDispute(h.ctx, labUser, b.ID, DisputeInput{Reason: dispute.ReasonQualityFailure, Description: "review stalled"})
			if err == nil {
				disputeID = d.ID
			}
		}()
		wg.Wait()

		v := h.view(b.ID)
		h.checkLedger(v)
		if v.Settlement != nil {
			t.Fatalf("settlement left behind: %+v", v.Settlement)
		}
		released := len(v.Releases) == 1
		if (verifyErr == nil) != released {
			t.Fatalf("verify err=%v but releases=%d", verifyErr, len(v.Releases))
		}
		if !released && disputeID == "" {
			t.Fatalf("one of verify or dispute must win")
		}
		if disputeID != "" && v.Bounty.State != bounty.StateDisputed {
			t.Fatalf("dispute opened but bounty is %s", v.Bounty.State)
		}
	}
}

func TestDepositVerificationOutcomes(t *testing.T) {
	setup := func(t *testing.T) (*harness, bounty.Bounty, FundingResult) {
		h := newHarness(t)
		b := h.createBounty(100)
		h.must(h.engine.SubmitBounty(h.ctx, funder, b.ID))
		h.must(h.engine.ApproveBounty(h.ctx, admin, b.ID, true, ""))
		fr, err := h.engine.InitFunding(h.ctx, funder, b.ID, FundingInput{Rail: string(rail.Card), Amount: 100_000})
		if err != nil {
			t.Fatalf("init funding: %v", err)
		}
		if len(h.rail.deposits) != 1 || h.rail.deposits[0].Amount != 105_000 {
			t.Fatalf("deposit must ask for budget plus fee, got %+v", h.rail.deposits)
		}
		return h, h.view(b.ID).Bounty, fr
	}

	t.Run("pending replaces reference", func(t *testing.T) {
		h, b, fr := setup(t)
		h.rail.verify = &rail.Verification{Outcome: rail.OutcomePending, Reference: "pi_new"}
		res, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, "pi_new")
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if res.Outcome != rail.OutcomePending || res.Escrow.RailReference != "pi_new" {
			t.Fatalf("unexpected result %+v", res)
		}
		v := h.view(b.ID)
		if v.Bounty.State != bounty.StateFunding || len(v.Bounty.History) != len(b.History) {
			t.Fatalf("pending must not advance: %s", v.Bounty.State)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		h, b, fr := setup(t)
		h.rail.verify = &rail.Verification{Outcome: rail.OutcomeMismatch, Received: 100_000, Reference: "pi_x", Detail: "short"}
		_, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, "pi_x")
		wantKind(t, err, apperr.KindRailVerification)
		if apperr.IsRetryable(err) {
			t.Fatalf("mismatch must be permanent")
		}
		if v := h.view(b.ID); v.Bounty.State != bounty.StateFunding || v.Escrow.Status != escrow.StatusPending {
			t.Fatalf("mismatch must leave funding untouched")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		h, b, fr := setup(t)
		h.rail.verifyErr = apperr.RailTransient(errors.New("deadline exceeded"), "rail verify_deposit unavailable")
		_, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, "pi_x")
		if !apperr.IsRetryable(err) {
			t.Fatalf("expected retryable, got %v", err)
		}
		if v := h.view(b.ID); v.Bounty.State != bounty.StateFunding {
			t.Fatalf("timeout must leave FUNDING, got %s", v.Bounty.State)
		}
	})

	t.Run("reference reuse", func(t *testing.T) {
		h, _, fr := setup(t)
		if _, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, "pi_shared"); err != nil {
			t.Fatalf("confirm first: %v", err)
		}
		other := h.createBounty(100)
		h.must(h.engine.SubmitBounty(h.ctx, funder, other.ID))
		h.must(h.engine.ApproveBounty(h.ctx, admin, other.ID, true, ""))
		fr2, err := h.engine.InitFunding(h.ctx, funder, other.ID, FundingInput{Rail: string(rail.Card), Amount: 100_000})
		if err != nil {
			t.Fatalf("init second: %v", err)
		}
		_, err = h.engine.ConfirmFunding(h.ctx, funder, fr2.Escrow.ID, "pi_shared")
		wantKind(t, err, apperr.KindStateConflict)
	})

	t.Run("verification names escrow and payer", func(t *testing.T) {
		h, _, fr := setup(t)
		if _, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, "pi_paid"); err != nil {
			t.Fatalf("confirm: %v", err)
		}
		got := h.rail.verifies
		if len(got) != 1 {
			t.Fatalf("expected one verification, got %d", len(got))
		}
		want := rail.VerifyRequest{EscrowID: fr.Escrow.ID, Reference: "pi_paid", Payer: "", Expected: 105_000}
		if got[0] != want {
			t.Fatalf("verify request %+v, want %+v", got[0], want)
		}
	})

	t.Run("unconfigured rail", func(t *testing.T) {
		h, b, _ := setup(t)
		_, err := h.engine.InitFunding(h.ctx, funder, b.ID, FundingInput{Rail: string(rail.EVMUSD), Amount: 100_000, Payer: "0x00000000000000000000000000000000000000f0"})
		wantKind(t, err, apperr.KindRailVerification)
		if !errors.Is(err, rail.ErrNotConfigured) || apperr.IsRetryable(err) {
			t.Fatalf("expected permanent not-configured failure, got %v", err)
		}
		if v := h.view(b.ID); v.Bounty.State != bounty.StateFunding || len(h.rail.deposits) != 1 {
			t.Fatalf("unconfigured rail must not touch funding")
		}
	})

	t.Run("amount must equal budget", func(t *testing.T) {
		h, b, _ := setup(t)
		_, err := h.engine.InitFunding(h.ctx, funder, b.ID, FundingInput{Rail: string(rail.Card), Amount: 90_000})
		wantKind(t, err, apperr.KindValidation)
	})

	t.Run("callback confirms", func(t *testing.T) {
		h, b, fr := setup(t)
		err := h.engine.HandleRailEvent(h.ctx, inbox.Event{
			Rail:      string(rail.Card),
			EventID:   "evt_1",
			Type:      string(rail.EventPaymentSucceeded),
			Reference: fr.Deposit.Reference,
		})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if v := h.view(b.ID); v.Bounty.State != bounty.StateOpenForProposals {
			t.Fatalf("callback should open the bounty, got %s", v.Bounty.State)
		}
		if err := h.engine.HandleRailEvent(h.ctx, inbox.Event{
			Rail: string(rail.Card), EventID: "evt_2", Type: string(rail.EventPaymentSucceeded), Reference: fr.Deposit.Reference,
		}); err != nil {
			t.Fatalf("replayed callback must be a no-op, got %v", err)
		}
	})
}

func TestCancelBlockedOnceDepositOpened(t *testing.T) {
	h := newHarness(t)
	b := h.createBounty(100)
	h.must(h.engine.SubmitBounty(h.ctx, funder, b.ID))
	h.must(h.engine.ApproveBounty(h.ctx, admin, b.ID, true, ""))
	fr, err := h.engine.InitFunding(h.ctx, funder, b.ID, FundingInput{Rail: string(rail.Card), Amount: 100_000})
	if err != nil {
		t.Fatalf("init funding: %v", err)
	}

	_, err = h.engine.CancelBounty(h.ctx, funder, b.ID, "changed plans")
	wantKind(t, err, apperr.KindStateConflict)

	// the deposit still confirms and the funds stay accounted for
	res, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, fr.Deposit.Reference)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Bounty.State != bounty.StateOpenForProposals {
		t.Fatalf("expected OPEN_FOR_PROPOSALS, got %s", res.Bounty.State)
	}
	h.checkLedger(h.view(b.ID))
}

func TestCancelAndApprovalRules(t *testing.T) {
	h := newHarness(t)
	b := h.createBounty(100)

	if _, err := h.engine.ApproveBounty(h.ctx, funder, b.ID, true, ""); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("funder cannot approve, got %v", err)
	}
	_, err := h.engine.ApproveBounty(h.ctx, admin, b.ID, true, "")
	wantKind(t, err, apperr.KindStateConflict)

	h.must(h.engine.SubmitBounty(h.ctx, funder, b.ID))
	_, err = h.engine.ApproveBounty(h.ctx, admin, b.ID, false, " ")
	wantKind(t, err, apperr.KindValidation)
	rejected := h.must(h.engine.ApproveBounty(h.ctx, admin, b.ID, false, "out of scope"))
	if rejected.State != bounty.StateCancelled || rejected.History[len(rejected.History)-1].Reason != "out of scope" {
		t.Fatalf("unexpected rejection %+v", rejected.History)
	}

	funded, _ := h.fundedBounty(100)
	_, err = h.engine.CancelBounty(h.ctx, funder, funded.ID, "changed plans")
	wantKind(t, err, apperr.KindStateConflict)

	unfunded := h.createBounty(100)
	h.must(h.engine.SubmitBounty(h.ctx, funder, unfunded.ID))
	h.must(h.engine.ApproveBounty(h.ctx, admin, unfunded.ID, true, ""))
	if c := h.must(h.engine.CancelBounty(h.ctx, funder, unfunded.ID, "no budget")); c.State != bounty.StateCancelled {
		t.Fatalf("FUNDING without a deposit cancels, got %s", c.State)
	}

	draft := h.createBounty(100)
	if _, err := h.engine.CancelBounty(h.ctx, labUser, draft.ID, ""); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("lab cannot cancel, got %v", err)
	}
	if c := h.must(h.engine.CancelBounty(h.ctx, funder, draft.ID, "")); c.State != bounty.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", c.State)
	}
}
