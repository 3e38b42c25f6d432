package escrow

import (
	"strconv"
	"time"

	"bountyflow/bounty"
)

// Status tracks how much of the held principal has left the escrow.
type Status string

const (
	StatusPending           Status = "pending"
	StatusLocked            Status = "locked"
	StatusPartiallyReleased Status = "partially_released"
	StatusFullyReleased     Status = "fully_released"
	StatusRefunded          Status = "refunded"
)

// Escrow mirrors the escrows table. Amounts are minor units.
type Escrow struct {
	ID              string
	BountyID        string
	Rail            string
	RailReference   string
	PayerIdentity   string
	Currency        string
	RequestedAmount int64
	PlatformFee     int64
	TotalAmount     int64
	// ReceivedAmount is what the rail reported at verification; it may exceed
	// TotalAmount on overpayment.
	ReceivedAmount int64
	// PayoutBasis is the accepted bid, the most the lab can ever receive.
	PayoutBasis    int64
	ReleasedAmount int64
	RefundedAmount int64
	Status         Status
	VerifiedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Release is one payout to the lab, keyed by milestone or by dispute.
type Release struct {
	ID          string
	EscrowID    string
	BountyID    string
	MilestoneID string
	DisputeID   string
	Amount      int64
	Destination string
	Reference   string
	CreatedAt   time.Time
}

// Refund is one return of principal to the funder.
type Refund struct {
	ID          string
	EscrowID    string
	BountyID    string
	Amount      int64
	Destination string
	Reference   string
	Reason      string
	CreatedAt   time.Time
}

type LegKind string

const (
	LegRelease LegKind = "release"
	LegRefund  LegKind = "refund"
)

// Leg is one rail movement of a settlement. Reference is set once the rail
// accepted the movement and is never overwritten afterwards.
type Leg struct {
	Kind        LegKind `json:"kind"`
	Amount      int64   `json:"amount"`
	Destination string  `json:"destination"`
	MilestoneID string  `json:"milestone_id,omitempty"`
	DisputeID   string  `json:"dispute_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Reference   string  `json:"reference,omitempty"`
}

type IntentKind string

const (
	IntentMilestoneRelease  IntentKind = "milestone_release"
	IntentDisputeSettlement IntentKind = "dispute_settlement"
)

// Intent journals a settlement between the moment it is decided under the
// bounty lock and the moment its ledger effects are committed.
type Intent struct {
	ID          string
	BountyID    string
	EscrowID    string
	Rail        string
	Kind        IntentKind
	MilestoneID string
	DisputeID   string
	// Event is applied to the bounty when the intent commits.
	Event     bounty.Event
	ActorID   string
	Legs      []Leg
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Executed reports whether every leg carries a rail reference.
func (i Intent) Executed() bool {
	for _, l := range i.Legs {
		if l.Reference == "" {
			return false
		}
	}
	return true
}

// Started reports whether at least one leg reached the rail.
func (i Intent) Started() bool {
	for _, l := range i.Legs {
		if l.Reference != "" {
			return true
		}
	}
	return false
}

// LegKey is the idempotency key sent to the rail for leg n.
func (i Intent) LegKey(n int) string {
	return i.ID + ":" + string(i.Legs[n].Kind) + ":" + strconv.Itoa(n)
}
