// Package lifecycle drives a bounty through its states. Every command
// validates against the locked bounty, applies its ledger side effects, appends
// exactly one history entry and commits in a single unit of work. Rail calls
// never run while the bounty is locked.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bountyflow/apperr"
	"bountyflow/auth"
	"bountyflow/bounty"
	"bountyflow/metrics"
	"bountyflow/outbox"
	"bountyflow/rail"
	"bountyflow/store"
)

// Rails resolves a configured rail by id. *rail.Registry satisfies it.
type Rails interface {
	Get(id string) (rail.Adapter, error)
}

// Policy holds the commercial parameters of the platform.
type Policy struct {
	// FeeBps is charged on top of the budget at funding time.
	FeeBps int64
	// StakeLockBps of the accepted bid is locked from the lab's stake.
	StakeLockBps int64
	// StaleAfter is how long a settlement may sit before Reconcile re-drives it.
	StaleAfter time.Duration
	// CommitTimeout bounds the retries of a settlement's final commit.
	CommitTimeout time.Duration
}

// DefaultPolicy is 5% fee, 10% stake lock.
var DefaultPolicy = Policy{
	FeeBps:        500,
	StakeLockBps:  1000,
	StaleAfter:    time.Minute,
	CommitTimeout: 10 * time.Second,
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p.StaleAfter <= 0 {
			p.StaleAfter = DefaultPolicy.StaleAfter
		}
		if p.CommitTimeout <= 0 {
			p.CommitTimeout = DefaultPolicy.CommitTimeout
		}
		e.policy = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	store   store.Store
	rails   Rails
	policy  Policy
	now     func() time.Time
	newID   func() string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	settling map[string]struct{}
}

func New(st store.Store, rails Rails, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		rails:    rails,
		policy:   DefaultPolicy,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      slog.Default(),
		settling: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// transition applies ev to the locked bounty and writes the bounty row, the
// history entry and its outbox message.
func (e *Engine) transition(ctx context.Context, tx store.Tx, b *bounty.Bounty, ev bounty.Event, actor, reason string) (bounty.Transition, error) {
	tr, err := b.Apply(ev, actor, reason, e.clock())
	if err != nil {
		return bounty.Transition{}, err
	}
	if err := tx.SaveBounty(ctx, *b); err != nil {
		return bounty.Transition{}, err
	}
	if err := tx.AppendTransition(ctx, b.ID, tr); err != nil {
		return bounty.Transition{}, err
	}
	payload := transitionMessage{
		BountyID: b.ID,
		Seq:      tr.Seq,
		From:     tr.From,
		To:       tr.To,
		Event:    tr.Event,
		ActorID:  tr.ActorID,
		Reason:   tr.Reason,
		At:       tr.At,
	}
	if err := e.emit(ctx, tx, outbox.TopicBountyTransitioned, b.ID, payload); err != nil {
		return bounty.Transition{}, err
	}
	return tr, nil
}

func (e *Engine) emit(ctx context.Context, tx store.Tx, topic, key string, payload any) error {
	msg, err := outbox.New(topic, key, payload, e.clock())
	if err != nil {
		return apperr.Internal(err, "encode %s", topic)
	}
	return tx.Enqueue(ctx, msg)
}

// observe records committed transitions.
func (e *Engine) observe(bountyID string, trs ...bounty.Transition) {
	for _, tr := range trs {
		e.metrics.Transition(string(tr.Event), string(tr.To))
		e.log.Info("bounty transitioned",
			"bounty_id", bountyID,
			"seq", tr.Seq,
			"from", tr.From,
			"to", tr.To,
			"event", tr.Event,
			"actor_id", tr.ActorID)
	}
}

// lockedTransition is the common shape of commands that only move state.
func (e *Engine) lockedTransition(ctx context.Context, bountyID string, check func(ctx context.Context, tx store.Tx, b *bounty.Bounty) error, ev bounty.Event, actor, reason string) (bounty.Bounty, error) {
	var (
		out bounty.Bounty
		tr  bounty.Transition
	)
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(ctx, tx, &b); err != nil {
				return err
			}
		}
		if tr, err = e.transition(ctx, tx, &b, ev, actor, reason); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return bounty.Bounty{}, err
	}
	e.observe(out.ID, tr)
	return out, nil
}

func requireFunder(p auth.Principal, b *bounty.Bounty) error {
	if p.IsStaff() || (p.UserID != "" && p.UserID == b.FunderID) {
		return nil
	}
	return apperr.Authorization("only the funder of bounty %s may do this", b.ID)
}

func requireStaff(p auth.Principal) error {
	if p.IsStaff() {
		return nil
	}
	return apperr.Authorization("admin capability required")
}

func requireLab(p auth.Principal, labID string) error {
	if p.IsStaff() {
		return nil
	}
	if labID != "" && p.Has(auth.CapLab) && p.LabID == labID {
		return nil
	}
	return apperr.Authorization("only members of lab %s may do this", labID)
}

func requireArbiter(p auth.Principal) error {
	if p.Has(auth.CapAdmin) || p.Has(auth.CapArbitrator) {
		return nil
	}
	return apperr.Authorization("admin or arbitrator capability required")
}

func requireState(b *bounty.Bounty, states ...bounty.State) error {
	for _, s := range states {
		if b.State == s {
			return nil
		}
	}
	return apperr.StateConflict("bounty %s is %s", b.ID, b.State)
}
