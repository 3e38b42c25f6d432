package bounty

import (
	"strings"
	"time"

	"bountyflow/apperr"
)

// State is a lifecycle state of a bounty.
type State string

const (
	StateDraft             State = "DRAFT"
	StatePendingApproval   State = "PENDING_APPROVAL"
	StateFunding           State = "FUNDING"
	StateOpenForProposals  State = "OPEN_FOR_PROPOSALS"
	StateResearchActive    State = "RESEARCH_ACTIVE"
	StateMilestoneReview   State = "MILESTONE_REVIEW"
	StateDisputed          State = "DISPUTED"
	StateRefunding         State = "REFUNDING"
	StatePaidOut           State = "PAID_OUT"
	StatePartialSettlement State = "PARTIAL_SETTLEMENT"
	StateCompleted         State = "COMPLETED"
	StateCancelled         State = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Bounty mirrors the bounties table plus its history and milestones.
type Bounty struct {
	ID          string
	FunderID    string
	LabID       string
	Title       string
	Description string
	Budget      int64
	Currency    string
	MinTier     int
	State       State
	Deadline    *time.Time
	AcceptedBid int64
	// LockedStake is the collateral locked on the assigned lab's account for
	// this bounty. It is the base for dispute slashing.
	LockedStake int64
	History     []Transition
	Milestones  []Milestone
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transition is one append-only history entry.
type Transition struct {
	Seq     int
	From    State
	To      State
	Event   Event
	ActorID string
	Reason  string
	At      time.Time
}

// MilestoneStatus tracks review progress of a single milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneVerified   MilestoneStatus = "verified"
	MilestoneRejected   MilestoneStatus = "rejected"
)

// Evidence is a content-addressed reference to submitted research output.
type Evidence struct {
	ContentHash string
	URL         string
	Size        int64
}

type Milestone struct {
	ID            string
	BountyID      string
	Sequence      int
	Title         string
	PayoutPercent int
	Status        MilestoneStatus
	Evidence      *Evidence
	Feedback      string
	SubmittedAt   *time.Time
	VerifiedAt    *time.Time
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type Proposal struct {
	ID        string
	BountyID  string
	LabID     string
	BidAmount int64
	Summary   string
	Status    ProposalStatus
	CreatedAt time.Time
}

// Apply moves the bounty through the transition table and appends the
// resulting history entry. The bounty is left unchanged on error.
func (b *Bounty) Apply(ev Event, actorID, reason string, at time.Time) (Transition, error) {
	to, err := Next(b.State, ev)
	if err != nil {
		return Transition{}, err
	}
	tr := Transition{
		Seq:     len(b.History) + 1,
		From:    b.State,
		To:      to,
		Event:   ev,
		ActorID: actorID,
		Reason:  reason,
		At:      at.UTC(),
	}
	if err := b.validateNext(tr); err != nil {
		return Transition{}, err
	}
	b.History = append(b.History, tr)
	b.State = to
	b.UpdatedAt = tr.At
	return tr, nil
}

func (b *Bounty) validateNext(tr Transition) error {
	if n := len(b.History); n > 0 {
		last := b.History[n-1]
		if last.Seq+1 != tr.Seq {
			return apperr.Internal(nil, "bounty %s: history seq gap %d -> %d", b.ID, last.Seq, tr.Seq)
		}
		if last.To != tr.From {
			return apperr.Internal(nil, "bounty %s: history broken at seq %d", b.ID, tr.Seq)
		}
	} else if tr.Event != EventCreate {
		return apperr.Internal(nil, "bounty %s: first history entry must be %s", b.ID, EventCreate)
	}
	return nil
}

// MilestoneByID returns a pointer into b.Milestones.
func (b *Bounty) MilestoneByID(id string) (*Milestone, bool) {
	for i := range b.Milestones {
		if b.Milestones[i].ID == id {
			return &b.Milestones[i], true
		}
	}
	return nil, false
}

// CurrentMilestone is the lowest-sequence milestone that is not yet verified.
func (b *Bounty) CurrentMilestone() (*Milestone, bool) {
	var cur *Milestone
	for i := range b.Milestones {
		m := &b.Milestones[i]
		if m.Status == MilestoneVerified {
			continue
		}
		if cur == nil || m.Sequence < cur.Sequence {
			cur = m
		}
	}
	return cur, cur != nil
}

// IsFinalMilestone reports whether every other milestone is already verified.
func (b *Bounty) IsFinalMilestone(id string) bool {
	for _, m := range b.Milestones {
		if m.ID != id && m.Status != MilestoneVerified {
			return false
		}
	}
	return true
}

// ValidateDraft checks the fields required to create a bounty.
func ValidateDraft(b Bounty) error {
	if strings.TrimSpace(b.FunderID) == "" {
		return apperr.Validation("funder is required")
	}
	if strings.TrimSpace(b.Title) == "" {
		return apperr.Validation("title is required")
	}
	if b.Budget <= 0 {
		return apperr.Validation("budget must be positive")
	}
	if len(b.Currency) != 3 {
		return apperr.Validation("currency must be a 3 letter code")
	}
	if b.MinTier < 0 || b.MinTier > 3 {
		return apperr.Validation("min tier must be between 0 and 3")
	}
	if len(b.Milestones) == 0 {
		return apperr.Validation("at least one milestone is required")
	}
	seen := make(map[int]struct{}, len(b.Milestones))
	for _, m := range b.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return apperr.Validation("milestone %d: title is required", m.Sequence)
		}
		if m.PayoutPercent <= 0 || m.PayoutPercent > 100 {
			return apperr.Validation("milestone %d: payout percent must be within 1..100", m.Sequence)
		}
		if _, dup := seen[m.Sequence]; dup {
			return apperr.Validation("milestone sequence %d is duplicated", m.Sequence)
		}
		seen[m.Sequence] = struct{}{}
	}
	return nil
}

// ValidatePayoutSplit enforces that milestone payouts cover the whole bid.
func ValidatePayoutSplit(ms []Milestone) error {
	total := 0
	for _, m := range ms {
		total += m.PayoutPercent
	}
	if total != 100 {
		return apperr.Validation("milestone payout percentages sum to %d, want 100", total)
	}
	return nil
}
