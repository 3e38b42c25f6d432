package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/lifecycle"
	"bountyflow/rail"
)

// World is what every actor shares: the engine under test, the admin acting
// for the platform and the board of bounties the funders have published.
type World struct {
	Engine *lifecycle.Engine
	Admin  auth.Principal

	mu      sync.Mutex
	entries []entry

	// outcomes counts command results by error kind, "ok" on success.
	outcomes sync.Map
}

type entry struct {
	bountyID string
	funder   auth.Principal
}

func NewWorld(engine *lifecycle.Engine, admin auth.Principal) *World {
	return &World{Engine: engine, Admin: admin}
}

func (w *World) publish(bountyID string, funder auth.Principal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry{bountyID: bountyID, funder: funder})
}

func (w *World) pick(rng *rand.Rand) (entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == 0 {
		return entry{}, false
	}
	return w.entries[rng.Intn(len(w.entries))], true
}

// BountyIDs lists every published bounty.
func (w *World) BountyIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.entries))
	for _, e := range w.entries {
		ids = append(ids, e.bountyID)
	}
	return ids
}

// Outcomes snapshots the per-kind command counters.
func (w *World) Outcomes() map[string]int64 {
	out := map[string]int64{}
	w.outcomes.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// record counts err by kind and swallows everything the platform is allowed
// to answer under contention. Only a cancelled run ends an actor.
func (w *World) record(err error) error {
	kind := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		kind = string(apperr.KindOf(err))
	}
	v, _ := w.outcomes.LoadOrStore(kind, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	return nil
}

func done(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// Funder keeps publishing bounties: create, submit, have the admin approve,
// fund through the card rail and confirm until the deposit verifies.
func Funder(ctx context.Context, w *World, p auth.Principal, rng *rand.Rand, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if err := w.record(fundOne(ctx, w, p, rng, n)); err != nil {
			return err
		}
		pause(rng, 40, 80)
	}
}

func fundOne(ctx context.Context, w *World, p auth.Principal, rng *rand.Rand, n int) error {
	budget := int64(10_000 + rng.Intn(90)*1_000)
	milestones := []lifecycle.MilestoneInput{{Title: "Protocol", PayoutPercent: 100}}
	if rng.Intn(2) == 0 {
		first := 10 + rng.Intn(80)
		milestones = []lifecycle.MilestoneInput{
			{Title: "Data collection", PayoutPercent: first},
			{Title: "Analysis", PayoutPercent: 100 - first},
		}
	}
	b, err := w.Engine.CreateBounty(ctx, p, lifecycle.CreateBountyInput{
		Title:      fmt.Sprintf("Replication %s-%d", p.UserID, n),
		Budget:     budget,
		Currency:   "USD",
		MinTier:    rng.Intn(3),
		Milestones: milestones,
	})
	if err != nil {
		return err
	}
	if _, err := w.Engine.SubmitBounty(ctx, p, b.ID); err != nil {
		return err
	}
	if _, err := w.Engine.ApproveBounty(ctx, w.Admin, b.ID, true, ""); err != nil {
		return err
	}
	fr, err := w.Engine.InitFunding(ctx, p, b.ID, lifecycle.FundingInput{Rail: string(rail.Card), Amount: budget})
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		res, err := w.Engine.ConfirmFunding(ctx, p, fr.Escrow.ID, fr.Deposit.Reference)
		if err != nil {
			return err
		}
		if res.Outcome == rail.OutcomeVerified {
			w.publish(b.ID, p)
			return nil
		}
		pause(rng, 10, 20)
	}
	return nil
}

// Bidder submits proposals for the lab on published bounties. Most of them
// bounce off tier, state or stake checks, which is the point.
func Bidder(ctx context.Context, w *World, p auth.Principal, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if e, ok := w.pick(rng); ok {
			err := func() error {
				v, err := w.Engine.GetBounty(ctx, w.Admin, e.bountyID)
				if err != nil {
					return err
				}
				if v.Bounty.State != bounty.StateOpenForProposals {
					return nil
				}
				bid := v.Bounty.Budget * int64(50+rng.Intn(51)) / 100
				_, err = w.Engine.SubmitProposal(ctx, p, e.bountyID, lifecycle.ProposalInput{
					BidAmount: bid,
					Summary:   "replication plan",
				})
				return err
			}()
			if err := w.record(err); err != nil {
				return err
			}
		}
		pause(rng, 20, 40)
	}
}

// Acceptor plays the funder side of assignment: it accepts a random pending
// proposal, racing other acceptors on the same bounty.
func Acceptor(ctx context.Context, w *World, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if e, ok := w.pick(rng); ok {
			err := func() error {
				props, err := w.Engine.ListProposals(ctx, e.funder, e.bountyID)
				if err != nil {
					return err
				}
				var pending []bounty.Proposal
				for _, pr := range props {
					if pr.Status == bounty.ProposalPending {
						pending = append(pending, pr)
					}
				}
				if len(pending) == 0 {
					return nil
				}
				_, err = w.Engine.AcceptProposal(ctx, e.funder, e.bountyID, pending[rng.Intn(len(pending))].ID)
				return err
			}()
			if err := w.record(err); err != nil {
				return err
			}
		}
		pause(rng, 30, 50)
	}
}

// Researcher submits evidence for the next open milestone of bounties the lab
// was assigned.
func Researcher(ctx context.Context, w *World, p auth.Principal, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if e, ok := w.pick(rng); ok {
			err := func() error {
				v, err := w.Engine.GetBounty(ctx, p, e.bountyID)
				if err != nil {
					return err
				}
				b := v.Bounty
				if b.LabID != p.LabID || b.State != bounty.StateResearchActive {
					return nil
				}
				for _, m := range b.Milestones {
					if m.Status == bounty.MilestonePending || m.Status == bounty.MilestoneRejected {
						_, err = w.Engine.SubmitMilestoneEvidence(ctx, p, m.ID, bounty.Evidence{
							ContentHash: fmt.Sprintf("sha256:%064x", rng.Uint64()),
							Size:        int64(1 + rng.Intn(1<<20)),
						})
						return err
					}
				}
				return nil
			}()
			if err := w.record(err); err != nil {
				return err
			}
		}
		pause(rng, 20, 40)
	}
}

// Verifier reviews submitted milestones as the funder, rejecting a share so
// the researchers have to resubmit.
func Verifier(ctx context.Context, w *World, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if e, ok := w.pick(rng); ok {
			err := func() error {
				v, err := w.Engine.GetBounty(ctx, e.funder, e.bountyID)
				if err != nil {
					return err
				}
				if v.Bounty.State != bounty.StateMilestoneReview {
					return nil
				}
				for _, m := range v.Bounty.Milestones {
					if m.Status != bounty.MilestoneSubmitted {
						continue
					}
					approve := rng.Intn(5) != 0
					feedback := ""
					if !approve {
						feedback = "controls missing"
					}
					_, err = w.Engine.VerifyMilestone(ctx, e.funder, m.ID, approve, feedback)
					return err
				}
				return nil
			}()
			if err := w.record(err); err != nil {
				return err
			}
		}
		pause(rng, 20, 40)
	}
}

var reasons = []dispute.Reason{
	dispute.ReasonFalsification,
	dispute.ReasonProtocolDeviation,
	dispute.ReasonTimelineBreach,
	dispute.ReasonQualityFailure,
}

// Disputer opens disputes on running bounties as the funder and has the
// admin escalate and rule on the ones already open.
func Disputer(ctx context.Context, w *World, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if e, ok := w.pick(rng); ok {
			if err := w.record(disputeOne(ctx, w, e, rng)); err != nil {
				return err
			}
		}
		pause(rng, 80, 120)
	}
}

func disputeOne(ctx context.Context, w *World, e entry, rng *rand.Rand) error {
	v, err := w.Engine.GetBounty(ctx, w.Admin, e.bountyID)
	if err != nil {
		return err
	}
	switch v.Bounty.State {
	case bounty.StateResearchActive, bounty.StateMilestoneReview:
		if rng.Intn(3) != 0 {
			return nil
		}
		_, err = w.Engine.OpenDispute(ctx, e.funder, e.bountyID, lifecycle.DisputeInput{
			Reason:      reasons[rng.Intn(len(reasons))],
			Description: "results do not reproduce",
		})
		return err
	case bounty.StateDisputed:
		if v.Dispute == nil {
			return nil
		}
		if v.Dispute.Status == dispute.StatusOpen && rng.Intn(2) == 0 {
			_, err = w.Engine.EscalateDispute(ctx, w.Admin, v.Dispute.ID, "")
			return err
		}
		_, err = w.Engine.ResolveDispute(ctx, w.Admin, v.Dispute.ID, randomDecision(rng))
		return err
	}
	return nil
}

func randomDecision(rng *rand.Rand) dispute.Decision {
	switch rng.Intn(3) {
	case 0:
		return dispute.Decision{Resolution: dispute.ResolutionFunderWins, SlashPercent: rng.Intn(101)}
	case 1:
		return dispute.Decision{Resolution: dispute.ResolutionLabWins}
	default:
		return dispute.Decision{
			Resolution:    dispute.ResolutionPartialRefund,
			SlashPercent:  rng.Intn(51),
			RefundPercent: 1 + rng.Intn(99),
		}
	}
}

// Settler pushes journaled settlements forward the way operators and the
// reconciler do, concurrently with the commands that created them.
func Settler(ctx context.Context, w *World, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		if fin, err := done(ctx, stop); fin {
			return err
		}
		if rng.Intn(4) == 0 {
			_, err := w.Engine.Reconcile(ctx)
			if err := w.record(err); err != nil {
				return err
			}
		} else if e, ok := w.pick(rng); ok {
			v, err := w.Engine.GetBounty(ctx, w.Admin, e.bountyID)
			if err == nil && v.Settlement != nil {
				_, err = w.Engine.ExecuteSettlement(ctx, w.Admin, e.bountyID)
			}
			if err := w.record(err); err != nil {
				return err
			}
		}
		pause(rng, 50, 100)
	}
}
