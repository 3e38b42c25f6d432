package escrow

import (
	"strings"
	"time"

	"bountyflow/apperr"
)

// NewParams describes a deposit about to be initialized on a rail.
type NewParams struct {
	ID              string
	BountyID        string
	Rail            string
	RailReference   string
	PayerIdentity   string
	Currency        string
	RequestedAmount int64
	PlatformFee     int64
}

// New builds a pending escrow. TotalAmount is requested plus fee.
func New(p NewParams, now time.Time) (Escrow, error) {
	if strings.TrimSpace(p.BountyID) == "" {
		return Escrow{}, apperr.Validation("escrow: bounty id is required")
	}
	if strings.TrimSpace(p.Rail) == "" {
		return Escrow{}, apperr.Validation("escrow: rail is required")
	}
	if p.RequestedAmount <= 0 {
		return Escrow{}, apperr.Validation("escrow: requested amount must be positive")
	}
	if p.PlatformFee < 0 {
		return Escrow{}, apperr.Validation("escrow: platform fee must not be negative")
	}
	now = now.UTC()
	return Escrow{
		ID:              p.ID,
		BountyID:        p.BountyID,
		Rail:            p.Rail,
		RailReference:   p.RailReference,
		PayerIdentity:   p.PayerIdentity,
		Currency:        p.Currency,
		RequestedAmount: p.RequestedAmount,
		PlatformFee:     p.PlatformFee,
		TotalAmount:     p.RequestedAmount + p.PlatformFee,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Principal is the part of the deposit that belongs to the bounty; the fee is
// never released or refunded.
func (e Escrow) Principal() int64 {
	return e.TotalAmount - e.PlatformFee
}

// Held is the principal still sitting in escrow.
func (e Escrow) Held() int64 {
	return e.Principal() - e.ReleasedAmount - e.RefundedAmount
}

// PayoutRemaining is what the lab can still receive under the accepted bid.
func (e Escrow) PayoutRemaining() int64 {
	left := e.PayoutBasis - e.ReleasedAmount
	if left < 0 {
		return 0
	}
	if held := e.Held(); left > held {
		return held
	}
	return left
}

// Surplus is held principal that no payout can ever claim: budget minus bid.
func (e Escrow) Surplus() int64 {
	return e.Held() - e.PayoutRemaining()
}

// MarkLocked records a verified deposit.
func (e *Escrow) MarkLocked(reference string, received int64, now time.Time) error {
	if e.Status != StatusPending {
		return apperr.StateConflict("escrow %s is %s, not pending", e.ID, e.Status)
	}
	if strings.TrimSpace(reference) == "" {
		return apperr.Validation("escrow %s: verified reference is required", e.ID)
	}
	now = now.UTC()
	e.RailReference = reference
	e.ReceivedAmount = received
	e.Status = StatusLocked
	e.VerifiedAt = &now
	e.UpdatedAt = now
	return nil
}

// SetPayoutBasis pins the accepted bid once a proposal is accepted.
func (e *Escrow) SetPayoutBasis(bid int64, now time.Time) error {
	if !e.holdsFunds() {
		return apperr.StateConflict("escrow %s does not hold funds", e.ID)
	}
	if bid <= 0 || bid > e.Principal() {
		return apperr.Validation("bid %d must be within 1..%d", bid, e.Principal())
	}
	e.PayoutBasis = bid
	e.UpdatedAt = now.UTC()
	return nil
}

// ApplyRelease books a payout to the lab.
func (e *Escrow) ApplyRelease(r Release, now time.Time) error {
	if !e.holdsFunds() {
		return apperr.StateConflict("escrow %s is %s, cannot release", e.ID, e.Status)
	}
	if r.Amount <= 0 {
		return apperr.Validation("release amount must be positive")
	}
	if r.Amount > e.PayoutRemaining() {
		return apperr.StateConflict("release %d exceeds remaining payout %d", r.Amount, e.PayoutRemaining())
	}
	e.ReleasedAmount += r.Amount
	e.settleStatus(now)
	return nil
}

// ApplyRefund books a return of principal to the funder.
func (e *Escrow) ApplyRefund(r Refund, now time.Time) error {
	if !e.holdsFunds() {
		return apperr.StateConflict("escrow %s is %s, cannot refund", e.ID, e.Status)
	}
	if r.Amount <= 0 {
		return apperr.Validation("refund amount must be positive")
	}
	if r.Amount > e.Held() {
		return apperr.StateConflict("refund %d exceeds held principal %d", r.Amount, e.Held())
	}
	e.RefundedAmount += r.Amount
	e.settleStatus(now)
	return nil
}

func (e *Escrow) holdsFunds() bool {
	return e.Status == StatusLocked || e.Status == StatusPartiallyReleased
}

// settleStatus derives the status from the amounts. An emptied escrow is
// fully_released when the lab received its whole payout, refunded otherwise.
func (e *Escrow) settleStatus(now time.Time) {
	switch {
	case e.Held() > 0 && e.ReleasedAmount > 0:
		e.Status = StatusPartiallyReleased
	case e.Held() > 0:
		e.Status = StatusLocked
	case e.ReleasedAmount > 0 && e.ReleasedAmount >= e.PayoutBasis:
		e.Status = StatusFullyReleased
	default:
		e.Status = StatusRefunded
	}
	e.UpdatedAt = now.UTC()
}

// MilestonePayout is the release owed for verifying a milestone worth pct of
// the bid. The final milestone takes whatever payout remains so rounding never
// strands funds.
func MilestonePayout(e Escrow, pct int, final bool) int64 {
	if final {
		return e.PayoutRemaining()
	}
	amount := e.PayoutBasis * int64(pct) / 100
	if left := e.PayoutRemaining(); amount > left {
		return left
	}
	return amount
}

// CheckInvariants verifies the ledger against its release rows.
func CheckInvariants(e Escrow, releases []Release, refunds []Refund) error {
	var released, refunded int64
	for _, r := range releases {
		released += r.Amount
	}
	for _, r := range refunds {
		refunded += r.Amount
	}
	if released != e.ReleasedAmount {
		return apperr.Internal(nil, "escrow %s: released %d but rows sum to %d", e.ID, e.ReleasedAmount, released)
	}
	if refunded != e.RefundedAmount {
		return apperr.Internal(nil, "escrow %s: refunded %d but rows sum to %d", e.ID, e.RefundedAmount, refunded)
	}
	if e.ReleasedAmount+e.RefundedAmount > e.Principal() {
		return apperr.Internal(nil, "escrow %s: paid out %d over principal %d", e.ID, e.ReleasedAmount+e.RefundedAmount, e.Principal())
	}
	return nil
}
