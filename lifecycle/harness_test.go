package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/lab"
	"bountyflow/rail"
	"bountyflow/store"
	"bountyflow/store/memory"
)

var (
	funder  = auth.Principal{UserID: "funder-1", Capabilities: []auth.Capability{auth.CapFunder}}
	admin   = auth.Principal{UserID: "admin-1", Capabilities: []auth.Capability{auth.CapAdmin}}
	labUser = auth.Principal{UserID: "lab-user-1", LabID: "lab-1", Capabilities: []auth.Capability{auth.CapLab}}
	rival   = auth.Principal{UserID: "lab-user-2", LabID: "lab-2", Capabilities: []auth.Capability{auth.CapLab}}
)

type fakeRail struct {
	mu sync.Mutex

	verify    *rail.Verification
	verifyErr error
	// releaseErrs and refundErrs are consumed one per call before succeeding.
	releaseErrs []error
	refundErrs  []error

	deposits []rail.DepositRequest
	verifies []rail.VerifyRequest
	releases []rail.ReleaseRequest
	refunds  []rail.RefundRequest
}

func (f *fakeRail) ID() rail.ID { return rail.Card }

func (f *fakeRail) InitializeDeposit(ctx context.Context, req rail.DepositRequest) (rail.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, req)
	return rail.Deposit{Reference: "pi_" + req.EscrowID, ClientSecret: "secret"}, nil
}

func (f *fakeRail) VerifyDeposit(ctx context.Context, req rail.VerifyRequest) (rail.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies = append(f.verifies, req)
	if f.verifyErr != nil {
		return rail.Verification{}, f.verifyErr
	}
	if f.verify != nil {
		return *f.verify, nil
	}
	return rail.Verification{Outcome: rail.OutcomeVerified, Received: req.Expected, Reference: req.Reference}, nil
}

func (f *fakeRail) ReleasePortion(ctx context.Context, req rail.ReleaseRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.releaseErrs) > 0 {
		err := f.releaseErrs[0]
		f.releaseErrs = f.releaseErrs[1:]
		return "", err
	}
	f.releases = append(f.releases, req)
	return "tr_" + req.IdempotencyKey, nil
}

func (f *fakeRail) Refund(ctx context.Context, req rail.RefundRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refundErrs) > 0 {
		err := f.refundErrs[0]
		f.refundErrs = f.refundErrs[1:]
		return "", err
	}
	f.refunds = append(f.refunds, req)
	return "re_" + req.IdempotencyKey, nil
}

func (f *fakeRail) calls() ([]rail.ReleaseRequest, []rail.RefundRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rail.ReleaseRequest(nil), f.releases...), append([]rail.RefundRequest(nil), f.refunds...)
}

type fakeRails map[string]rail.Adapter

func (r fakeRails) Get(id string) (rail.Adapter, error) {
	a, ok := r[id]
	if !ok {
		return nil, rail.NotConfigured(id)
	}
	return a, nil
}

// flakyStore fails the first n intent deletions, which is the last write of
// a settlement commit, and the first n intent updates, which journal leg
// references. A stale dispute is served once to the next dispute read.
type flakyStore struct {
	*memory.Store
	failDeletes  atomic.Int32
	failUpdates  atomic.Int32
	staleDispute atomic.Pointer[dispute.Record]
}

func (s *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t flakyTx) DeleteIntent(ctx context.Context, id string) error {
	if t.s.failDeletes.Add(-1) >= 0 {
		return apperr.Internal(errors.New("connection reset by peer"), "delete settlement")
	}
	return t.Tx.DeleteIntent(ctx, id)
}

func (t flakyTx) UpdateIntent(ctx context.Context, in escrow.Intent) error {
	if t.s.failUpdates.Add(-1) >= 0 {
		return apperr.Internal(errors.New("connection reset by peer"), "update settlement")
	}
	return t.Tx.UpdateIntent(ctx, in)
}

func (t flakyTx) GetDispute(ctx context.Context, id string) (dispute.Record, error) {
	if d := t.s.staleDispute.Swap(nil); d != nil && d.ID == id {
		return *d, nil
	}
	return t.Tx.GetDispute(ctx, id)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *flakyStore
	rail   *fakeRail
	clock  *clock
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: &flakyStore{Store: memory.New()},
		rail:  &fakeRail{},
		clock: &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
	}
	var ids atomic.Int64
	h.engine = New(h.store, fakeRails{string(rail.Card): h.rail},
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", ids.Add(1)) }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPolicy(Policy{FeeBps: 500, StakeLockBps: 1000, StaleAfter: time.Minute, CommitTimeout: 2 * time.Second}),
	)
	h.registerLab(labUser, lab.TierVerified, 50_000)
	return h
}

func (h *harness) registerLab(p auth.Principal, tier lab.Tier, stake int64) {
	h.t.Helper()
	_, err := h.engine.RegisterLab(h.ctx, admin, lab.Profile{
		ID:             p.LabID,
		Name:           "Lab " + p.LabID,
		Tier:           tier,
		PayoutAccounts: map[string]string{string(rail.Card): "acct_" + p.LabID},
	})
	if err != nil {
		h.t.Fatalf("register lab: %v", err)
	}
	if stake > 0 {
		if _, err := h.engine.DepositStake(h.ctx, p, p.LabID, stake); err != nil {
			h.t.Fatalf("deposit stake: %v", err)
		}
	}
}

func (h *harness) createBounty(percents ...int) bounty.Bounty {
	h.t.Helper()
	in := CreateBountyInput{
		Title:    "Replicate assay",
		Budget:   100_000,
		Currency: "usd",
		MinTier:  int(lab.TierBasic),
	}
	for i, pct := range percents {
		in.Milestones = append(in.Milestones, MilestoneInput{Title: fmt.Sprintf("Milestone %d", i+1), PayoutPercent: pct})
	}
	b, err := h.engine.CreateBounty(h.ctx, funder, in)
	if err != nil {
		h.t.Fatalf("create bounty: %v", err)
	}
	return b
}

// fundedBounty returns a bounty open for proposals with its escrow id.
func (h *harness) fundedBounty(percents ...int) (bounty.Bounty, string) {
	h.t.Helper()
	b := h.createBounty(percents...)
	h.must(h.engine.SubmitBounty(h.ctx, funder, b.ID))
	h.must(h.engine.ApproveBounty(h.ctx, admin, b.ID, true, ""))
	fr, err := h.engine.InitFunding(h.ctx, funder, b.ID, FundingInput{Rail: string(rail.Card), Amount: 100_000})
	if err != nil {
		h.t.Fatalf("init funding: %v", err)
	}
	res, err := h.engine.ConfirmFunding(h.ctx, funder, fr.Escrow.ID, fr.Deposit.Reference)
	if err != nil {
		h.t.Fatalf("confirm funding: %v", err)
	}
	if res.Bounty.State != bounty.StateOpenForProposals {
		h.t.Fatalf("expected OPEN_FOR_PROPOSALS, got %s", res.Bounty.State)
	}
	return res.Bounty, fr.Escrow.ID
}

// activeBounty returns a bounty assigned to lab-1 at a 90000 bid.
func (h *harness) activeBounty(percents ...int) bounty.Bounty {
	h.t.Helper()
	b, _ := h.fundedBounty(percents...)
	prop, err := h.engine.SubmitProposal(h.ctx, labUser, b.ID, ProposalInput{BidAmount: 90_000, Summary: "we have the rig"})
	if err != nil {
		h.t.Fatalf("submit proposal: %v", err)
	}
	return h.must(h.engine.AcceptProposal(h.ctx, funder, b.ID, prop.ID))
}

func (h *harness) submitEvidence(b bounty.Bounty, seq int) string {
	h.t.Helper()
	id := b.Milestones[seq-1].ID
	h.must(h.engine.SubmitMilestoneEvidence(h.ctx, labUser, id, bounty.Evidence{ContentHash: fmt.Sprintf("sha256:%064d", seq), Size: 10}))
	return id
}

func (h *harness) must(b bounty.Bounty, err error) bounty.Bounty {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func (h *harness) view(id string) View {
	h.t.Helper()
	v, err := h.engine.GetBounty(h.ctx, admin, id)
	if err != nil {
		h.t.Fatalf("get bounty: %v", err)
	}
	return v
}

func (h *harness) checkLedger(v View) {
	h.t.Helper()
	if v.Escrow == nil {
		h.t.Fatalf("bounty %s has no escrow", v.Bounty.ID)
	}
	if err := escrow.CheckInvariants(*v.Escrow, v.Releases, v.Refunds); err != nil {
		h.t.Fatalf("ledger invariant: %v", err)
	}
	for i, tr := range v.Bounty.History {
		if tr.Seq != i+1 {
			h.t.Fatalf("history seq %d at position %d", tr.Seq, i)
		}
		if i > 0 && v.Bounty.History[i-1].To != tr.From {
			h.t.Fatalf("history broken at seq %d", tr.Seq)
		}
	}
	if n := len(v.Bounty.History); n > 0 && v.Bounty.History[n-1].To != v.Bounty.State {
		h.t.Fatalf("state %s does not match last history entry %s", v.Bounty.State, v.Bounty.History[n-1].To)
	}
}

func wantKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s: %v", kind, got, err)
	}
}
