package dispute

import (
	"errors"
	"strings"
	"time"

	"bountyflow/apperr"
	"bountyflow/bounty"
)

var (
	// ErrBadStatus is returned for status moves the dispute workflow forbids.
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusArbitration Status = "arbitration"
	StatusResolved    Status = "resolved"
)

type Reason string

const (
	ReasonFalsification        Reason = "falsification"
	ReasonProtocolDeviation    Reason = "protocol_deviation"
	ReasonTampering            Reason = "tampering"
	ReasonTimelineBreach       Reason = "timeline_breach"
	ReasonQualityFailure       Reason = "quality_failure"
	ReasonCommunicationFailure Reason = "communication_failure"
)

type Resolution string

const (
	ResolutionFunderWins    Resolution = "funder_wins"
	ResolutionLabWins       Resolution = "lab_wins"
	ResolutionPartialRefund Resolution = "partial_refund"
)

// Record mirrors the disputes table.
type Record struct {
	ID            string
	BountyID      string
	InitiatorID   string
	Reason        Reason
	Description   string
	EvidenceLinks []string
	Status        Status
	Resolution    Resolution
	SlashAmount   int64
	SlashPercent  int
	RefundPercent int
	ArbitratorID  string
	Notes         string
	// PriorState is the bounty state the dispute interrupted.
	PriorState bounty.State
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

func (r Reason) Valid() bool {
	switch r {
	case ReasonFalsification, ReasonProtocolDeviation, ReasonTampering,
		ReasonTimelineBreach, ReasonQualityFailure, ReasonCommunicationFailure:
		return true
	}
	return false
}

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFunderWins, ResolutionLabWins, ResolutionPartialRefund:
		return true
	}
	return false
}

// Active reports whether the dispute still blocks the bounty.
func (r Record) Active() bool {
	return r.Status != StatusResolved
}

// Validate checks a dispute about to be opened.
func Validate(r Record) error {
	if !r.Reason.Valid() {
		return apperr.Validation("unknown dispute reason %q", r.Reason)
	}
	if strings.TrimSpace(r.Description) == "" {
		return apperr.Validation("dispute description is required")
	}
	return nil
}

// Escalate moves open -> under_review -> arbitration. An arbitrator must be
// named when entering arbitration.
func (r *Record) Escalate(arbitratorID string, now time.Time) error {
	switch r.Status {
	case StatusOpen:
		r.Status = StatusUnderReview
	case StatusUnderReview:
		if strings.TrimSpace(arbitratorID) == "" {
			return apperr.Validation("arbitration requires an arbitrator")
		}
		r.Status = StatusArbitration
	default:
		return apperr.StateConflict("dispute %s cannot escalate from %s: %v", r.ID, r.Status, ErrBadStatus)
	}
	if arbitratorID != "" {
		r.ArbitratorID = arbitratorID
	}
	r.UpdatedAt = now.UTC()
	return nil
}

// MarkResolved records a decision. Resolved is terminal.
func (r *Record) MarkResolved(d Decision, slash int64, now time.Time) error {
	if r.Status == StatusResolved {
		return apperr.StateConflict("dispute %s is already resolved", r.ID)
	}
	now = now.UTC()
	r.Status = StatusResolved
	r.Resolution = d.Resolution
	r.SlashPercent = d.SlashPercent
	r.RefundPercent = d.RefundPercent
	r.SlashAmount = slash
	r.Notes = d.Notes
	r.ResolvedAt = &now
	r.UpdatedAt = now
	return nil
}
