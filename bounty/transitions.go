package bounty

import "bountyflow/apperr"

// Event names a command outcome that drives a transition.
type Event string

const (
	EventCreate                 Event = "create"
	EventSubmit                 Event = "submit"
	EventCancel                 Event = "cancel"
	EventApprove                Event = "approve"
	EventReject                 Event = "reject"
	EventDepositInitialized     Event = "deposit_initialized"
	EventDepositVerified        Event = "deposit_verified"
	EventProposalAccepted       Event = "proposal_accepted"
	EventEvidenceSubmitted      Event = "evidence_submitted"
	EventMilestoneRejected      Event = "milestone_rejected"
	EventMilestoneVerified      Event = "milestone_verified"
	EventFinalMilestoneVerified Event = "final_milestone_verified"
	EventDisputeOpened          Event = "dispute_opened"
	EventResolvedFunderWins     Event = "resolved_funder_wins"
	EventResolvedLabWins        Event = "resolved_lab_wins"
	EventResolvedPartial        Event = "resolved_partial"
	EventSettled                Event = "settled"
)

type edge struct {
	from State
	ev   Event
}

var table = map[edge]State{
	{"", EventCreate}: StateDraft,

	{StateDraft, EventSubmit}:           StatePendingApproval,
	{StateDraft, EventCancel}:           StateCancelled,
	{StatePendingApproval, EventCancel}: StateCancelled,
	{StateFunding, EventCancel}:         StateCancelled,

	{StatePendingApproval, EventApprove}: StateFunding,
	{StatePendingApproval, EventReject}:  StateCancelled,

	{StateFunding, EventDepositInitialized}: StateFunding,
	{StateFunding, EventDepositVerified}:    StateOpenForProposals,

	{StateOpenForProposals, EventProposalAccepted}: StateResearchActive,

	{StateResearchActive, EventEvidenceSubmitted}:       StateMilestoneReview,
	{StateMilestoneReview, EventMilestoneRejected}:      StateResearchActive,
	{StateMilestoneReview, EventMilestoneVerified}:      StateResearchActive,
	{StateMilestoneReview, EventFinalMilestoneVerified}: StateCompleted,

	{StateResearchActive, EventDisputeOpened}:  StateDisputed,
	{StateMilestoneReview, EventDisputeOpened}: StateDisputed,

	{StateDisputed, EventResolvedFunderWins}: StateRefunding,
	{StateDisputed, EventResolvedLabWins}:    StatePaidOut,
	{StateDisputed, EventResolvedPartial}:    StatePartialSettlement,

	{StateRefunding, EventSettled}:         StateCompleted,
	{StatePaidOut, EventSettled}:           StateCompleted,
	{StatePartialSettlement, EventSettled}: StateCompleted,
}

// Next returns the state reached from `from` on `ev`. Pairs missing from the
// table are rejected with a state conflict.
func Next(from State, ev Event) (State, error) {
	to, ok := table[edge{from, ev}]
	if !ok {
		if from == "" {
			return "", apperr.StateConflict("event %s is not allowed before creation", ev)
		}
		return "", apperr.StateConflict("event %s is not allowed in state %s", ev, from)
	}
	return to, nil
}

// Allowed reports whether ev is accepted in state from.
func Allowed(from State, ev Event) bool {
	_, ok := table[edge{from, ev}]
	return ok
}
