package dispute

import (
	"bountyflow/apperr"
	"bountyflow/bounty"
	"bountyflow/escrow"
	"bountyflow/stake"
)

// Decision is what an admin or arbitrator rules.
type Decision struct {
	Resolution    Resolution
	SlashPercent  int
	RefundPercent int
	Notes         string
}

// Parties carries the destinations settlement legs pay into.
type Parties struct {
	LabDestination    string
	FunderDestination string
}

// Outcome is the ledger effect of a decision.
type Outcome struct {
	Event  bounty.Event
	Slash  int64
	Unlock int64
	Legs   []escrow.Leg
}

// Resolve computes slash, stake release and settlement legs for a dispute.
// lockedStake is the collateral locked for this bounty's assignment.
func Resolve(disputeID string, d Decision, e escrow.Escrow, lockedStake int64, p Parties) (Outcome, error) {
	if err := validateDecision(d); err != nil {
		return Outcome{}, err
	}

	out := Outcome{}
	switch d.Resolution {
	case ResolutionFunderWins:
		out.Event = bounty.EventResolvedFunderWins
		out.Legs = appendRefund(out.Legs, e.Held(), p.FunderDestination, "dispute_funder_wins")
	case ResolutionLabWins:
		out.Event = bounty.EventResolvedLabWins
		out.Legs = appendRelease(out.Legs, e.PayoutRemaining(), p.LabDestination, disputeID)
		out.Legs = appendRefund(out.Legs, e.Surplus(), p.FunderDestination, "budget_surplus")
	case ResolutionPartialRefund:
		out.Event = bounty.EventResolvedPartial
		payout := e.PayoutRemaining()
		toFunder := payout * int64(d.RefundPercent) / 100
		out.Legs = appendRelease(out.Legs, payout-toFunder, p.LabDestination, disputeID)
		out.Legs = appendRefund(out.Legs, toFunder+e.Surplus(), p.FunderDestination, "dispute_partial_refund")
	}

	out.Slash = stake.SlashAmount(lockedStake, d.SlashPercent)
	if out.Unlock = lockedStake - out.Slash; out.Unlock < 0 {
		out.Unlock = 0
	}
	return out, nil
}

func validateDecision(d Decision) error {
	if !d.Resolution.Valid() {
		return apperr.Validation("unknown resolution %q", d.Resolution)
	}
	if d.SlashPercent < 0 || d.SlashPercent > 100 {
		return apperr.Validation("slash percent must be within 0..100")
	}
	if d.RefundPercent < 0 || d.RefundPercent > 100 {
		return apperr.Validation("refund percent must be within 0..100")
	}
	if d.Resolution == ResolutionLabWins && d.SlashPercent > 0 {
		return apperr.Validation("lab_wins does not slash")
	}
	if d.Resolution != ResolutionPartialRefund && d.RefundPercent != 0 {
		return apperr.Validation("refund percent only applies to partial_refund")
	}
	return nil
}

func appendRelease(legs []escrow.Leg, amount int64, dest, disputeID string) []escrow.Leg {
	if amount <= 0 {
		return legs
	}
	return append(legs, escrow.Leg{Kind: escrow.LegRelease, Amount: amount, Destination: dest, DisputeID: disputeID})
}

func appendRefund(legs []escrow.Leg, amount int64, dest, reason string) []escrow.Leg {
	if amount <= 0 {
		return legs
	}
	return append(legs, escrow.Leg{Kind: escrow.LegRefund, Amount: amount, Destination: dest, Reason: reason})
}
