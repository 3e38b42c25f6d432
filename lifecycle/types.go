package lifecycle

import (
	"time"

	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/rail"
)

type MilestoneInput struct {
	Title         string
	PayoutPercent int
}

type CreateBountyInput struct {
	Title       string
	Description string
	Budget      int64
	Currency    string
	MinTier     int
	Deadline    *time.Time
	Milestones  []MilestoneInput
}

type FundingInput struct {
	Rail string
	// Amount must equal the bounty budget; the platform fee is added on top.
	Amount int64
	// Payer is where refunds go on rails without a card to refund against.
	Payer string
}

type FundingResult struct {
	Escrow  escrow.Escrow
	Deposit rail.Deposit
}

type ConfirmResult struct {
	Outcome rail.Outcome
	Detail  string
	Escrow  escrow.Escrow
	Bounty  bounty.Bounty
}

type ProposalInput struct {
	BidAmount int64
	Summary   string
}

type DisputeInput struct {
	Reason        dispute.Reason
	Description   string
	EvidenceLinks []string
}

// ResolveResult carries the committed resolution. When the settlement could
// not finish right away Settled is false and the intent is left for
// ExecuteSettlement or Reconcile.
type ResolveResult struct {
	Dispute         dispute.Record
	Bounty          bounty.Bounty
	Settled         bool
	SettlementError string
}

// View is a bounty with its ledger state.
type View struct {
	Bounty     bounty.Bounty
	Escrow     *escrow.Escrow
	Releases   []escrow.Release
	Refunds    []escrow.Refund
	Dispute    *dispute.Record
	Settlement *escrow.Intent
}

type transitionMessage struct {
	BountyID string       `json:"bounty_id"`
	Seq      int          `json:"seq"`
	From     bounty.State `json:"from"`
	To       bounty.State `json:"to"`
	Event    bounty.Event `json:"event"`
	ActorID  string       `json:"actor_id"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

type movementMessage struct {
	BountyID    string `json:"bounty_id"`
	EscrowID    string `json:"escrow_id"`
	Rail        string `json:"rail"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Reference   string `json:"reference"`
	MilestoneID string `json:"milestone_id,omitempty"`
	DisputeID   string `json:"dispute_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type stakeMessage struct {
	LabID     string `json:"lab_id"`
	BountyID  string `json:"bounty_id"`
	Requested int64  `json:"requested"`
	Applied   int64  `json:"applied"`
	Shortfall int64  `json:"shortfall,omitempty"`
}

type disputeMessage struct {
	DisputeID  string             `json:"dispute_id"`
	BountyID   string             `json:"bounty_id"`
	Reason     dispute.Reason     `json:"reason,omitempty"`
	Resolution dispute.Resolution `json:"resolution,omitempty"`
	ActorID    string             `json:"actor_id"`
}

type proposalMessage struct {
	ProposalID string `json:"proposal_id"`
	BountyID   string `json:"bounty_id"`
	LabID      string `json:"lab_id"`
	BidAmount  int64  `json:"bid_amount"`
}
