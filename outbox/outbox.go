// Package outbox delivers messages written in the same transaction as the
// state change that produced them. Delivery is at-least-once and never rolls
// the producing transaction back.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bountyflow/metrics"
)

// Topics published by the settlement core.
const (
	TopicBountyTransitioned = "bounty.transitioned"
	TopicEscrowReleased     = "escrow.released"
	TopicEscrowRefunded     = "escrow.refunded"
	TopicStakeSlashed       = "stake.slashed"
	TopicStakeAnomaly       = "stake.anomaly"
	TopicDisputeOpened      = "dispute.opened"
	TopicDisputeResolved    = "dispute.resolved"
	TopicProposalSubmitted  = "proposal.submitted"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID            string
	Topic         string
	Key           string
	Payload       []byte
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// New encodes payload into a pending message. Key groups messages for one
// bounty.
func New(topic, key string, payload any, now time.Time) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	now = now.UTC()
	return Message{
		ID:            uuid.NewString(),
		Topic:         topic,
		Key:           key,
		Payload:       b,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Queue is the storage side of the relay. Claim leases due messages so that
// concurrent relays do not deliver the same row at the same time.
type Queue interface {
	ClaimOutbox(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]Message, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, dead bool) error
}

// Sink receives delivered messages.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// ErrSkip lets a sink decline a topic it does not handle.
var ErrSkip = errors.New("outbox: skip")

// Relay polls the queue and fans each message out to every sink.
type Relay struct {
	queue       Queue
	sinks       []Sink
	batch       int
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
	retryBase   time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Relay)

func WithBatch(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRelay(q Queue, sinks []Sink, opts ...Option) *Relay {
	r := &Relay{
		queue:       q,
		sinks:       sinks,
		batch:       20,
		interval:    500 * time.Millisecond,
		lease:       30 * time.Second,
		maxAttempts: 8,
		retryBase:   time.Second,
		log:         slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("outbox relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch and returns how many messages were processed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.queue.ClaimOutbox(ctx, r.batch, r.now(), r.lease)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	done := 0
	for _, msg := range msgs {
		if err := r.deliver(ctx, msg); err != nil {
			r.fail(ctx, msg, err)
			continue
		}
		if err := r.queue.MarkOutboxProcessed(ctx, msg.ID); err != nil {
			return done, fmt.Errorf("outbox: mark processed %s: %w", msg.ID, err)
		}
		r.metrics.Outbox(msg.Topic, "delivered")
		done++
	}
	return done, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	for _, s := range r.sinks {
		if err := s.Deliver(ctx, msg); err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}

func (r *Relay) fail(ctx context.Context, msg Message, cause error) {
	attempts := msg.Attempts + 1
	dead := attempts >= r.maxAttempts
	delay := r.retryBase << min(attempts-1, 10)
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	next := r.now().Add(delay)
	if err := r.queue.MarkOutboxFailed(ctx, msg.ID, cause.Error(), next, dead); err != nil {
		r.log.Error("outbox mark failed", "id", msg.ID, "error", err)
		return
	}
	outcome := "retry"
	if dead {
		outcome = "dead"
	}
	r.metrics.Outbox(msg.Topic, outcome)
	r.log.Warn("outbox delivery failed",
		"id", msg.ID,
		"topic", msg.Topic,
		"attempts", attempts,
		"dead", dead,
		"error", cause)
}
