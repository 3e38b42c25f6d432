// Package store defines the transactional boundary of the settlement core.
// Everything a command changes (bounty, history, escrow, stake, dispute,
// settlement intent and outbox rows) is written through one Tx and commits or
// rolls back together.
package store

import (
	"context"
	"time"

	"bountyflow/bounty"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/inbox"
	"bountyflow/lab"
	"bountyflow/outbox"
	"bountyflow/stake"
)

// Store runs units of work and serves the relay queues.
type Store interface {
	// InTx runs fn in one transaction. A non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	outbox.Queue
	inbox.Queue
}

// Tx is the set of operations available inside a unit of work. Lookups of a
// missing row return an apperr NotFound; unique violations return
// StateConflict.
type Tx interface {
	InsertBounty(ctx context.Context, b bounty.Bounty) error
	GetBounty(ctx context.Context, id string) (bounty.Bounty, error)
	// LockBounty loads a bounty and holds its row lock until the unit of work
	// ends. All commands on one bounty serialize here.
	LockBounty(ctx context.Context, id string) (bounty.Bounty, error)
	// SaveBounty writes the bounty columns and its milestones.
	SaveBounty(ctx context.Context, b bounty.Bounty) error
	AppendTransition(ctx context.Context, bountyID string, tr bounty.Transition) error
	GetMilestone(ctx context.Context, id string) (bounty.Milestone, error)

	InsertProposal(ctx context.Context, p bounty.Proposal) error
	GetProposal(ctx context.Context, id string) (bounty.Proposal, error)
	ListProposals(ctx context.Context, bountyID string) ([]bounty.Proposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status bounty.ProposalStatus) error

	GetLab(ctx context.Context, id string) (lab.Profile, error)
	UpsertLab(ctx context.Context, p lab.Profile) error

	InsertEscrow(ctx context.Context, e escrow.Escrow) error
	UpdateEscrow(ctx context.Context, e escrow.Escrow) error
	GetEscrow(ctx context.Context, id string) (escrow.Escrow, error)
	EscrowForBounty(ctx context.Context, bountyID string) (escrow.Escrow, error)
	EscrowByReference(ctx context.Context, rail, reference string) (escrow.Escrow, error)
	// ClaimRailReference binds a settled rail reference to one escrow. A
	// reference already bound to a different escrow is a StateConflict.
	ClaimRailReference(ctx context.Context, rail, reference, escrowID string) error
	InsertRelease(ctx context.Context, r escrow.Release) error
	InsertRefund(ctx context.Context, r escrow.Refund) error
	ListReleases(ctx context.Context, escrowID string) ([]escrow.Release, error)
	ListRefunds(ctx context.Context, escrowID string) ([]escrow.Refund, error)

	// InsertIntent records the settlement a bounty is about to execute. Only
	// one intent per bounty may exist.
	InsertIntent(ctx context.Context, in escrow.Intent) error
	IntentForBounty(ctx context.Context, bountyID string) (escrow.Intent, error)
	UpdateIntent(ctx context.Context, in escrow.Intent) error
	DeleteIntent(ctx context.Context, id string) error
	StaleIntents(ctx context.Context, before time.Time, limit int) ([]escrow.Intent, error)

	// LockStakeAccount loads (or opens, at zero) a lab's account under lock.
	LockStakeAccount(ctx context.Context, labID string) (stake.Account, error)
	SaveStakeAccount(ctx context.Context, a stake.Account) error
	AppendStakeTransaction(ctx context.Context, t stake.Transaction) error
	InsertStakeAnomaly(ctx context.Context, a stake.Anomaly) error
	ListStakeTransactions(ctx context.Context, labID string) ([]stake.Transaction, error)

	// InsertDispute fails with StateConflict while the bounty has an
	// unresolved dispute.
	InsertDispute(ctx context.Context, d dispute.Record) error
	GetDispute(ctx context.Context, id string) (dispute.Record, error)
	// UpdateDispute fails with StateConflict once the stored dispute is
	// resolved.
	UpdateDispute(ctx context.Context, d dispute.Record) error
	ActiveDispute(ctx context.Context, bountyID string) (dispute.Record, bool, error)

	Enqueue(ctx context.Context, msg outbox.Message) error
}
