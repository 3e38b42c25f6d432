// Package inbox persists inbound rail callbacks before acting on them and
// processes them with one worker per shard. Events are sharded on the escrow
// they settle, and a bounty has one escrow, so a bounty has a single inbox
// writer at a time.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bountyflow/metrics"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Event mirrors the inbound_events table. (Rail, EventID) is unique.
type Event struct {
	ID            string
	Rail          string
	EventID       string
	Type          string
	Reference     string
	BountyID      string
	EscrowID      string
	Shard         int
	Payload       []byte
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	ReceivedAt    time.Time
}

// Queue is the storage side of the inbox.
type Queue interface {
	// RecordInbound stores ev and reports false if (rail, event id) was seen.
	RecordInbound(ctx context.Context, ev Event) (bool, error)
	ClaimInbound(ctx context.Context, shard, limit int, now time.Time, lease time.Duration) ([]Event, error)
	MarkInboundProcessed(ctx context.Context, id string) error
	MarkInboundFailed(ctx context.Context, id string, lastErr string, nextAttempt time.Time, dead bool) error
}

// Handler applies an inbound event to the domain.
type Handler interface {
	HandleRailEvent(ctx context.Context, ev Event) error
}

// ShardFor maps a key onto [0, shards).
func ShardFor(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// ShardKey is the escrow id the event was resolved to when it was recorded,
// whether the engine located it or the rail echoed it. Events no escrow
// claims fall back to their rail reference.
func ShardKey(ev Event) string {
	if ev.EscrowID != "" {
		return ev.EscrowID
	}
	return ev.Reference
}

type Dispatcher struct {
	queue       Queue
	handler     Handler
	shards      int
	batch       int
	interval    time.Duration
	lease       time.Duration
	maxAttempts int
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Config struct {
	Shards      int
	Batch       int
	Interval    time.Duration
	MaxAttempts int
}

func NewDispatcher(q Queue, h Handler, cfg Config, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		queue:       q,
		handler:     h,
		shards:      cfg.Shards,
		batch:       cfg.Batch,
		interval:    cfg.Interval,
		lease:       time.Minute,
		maxAttempts: cfg.MaxAttempts,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}
	if d.shards <= 0 {
		d.shards = 4
	}
	if d.batch <= 0 {
		d.batch = 10
	}
	if d.interval <= 0 {
		d.interval = 250 * time.Millisecond
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 10
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Record persists ev on its shard. Duplicate deliveries return false.
func (d *Dispatcher) Record(ctx context.Context, ev Event) (bool, error) {
	if ev.Rail == "" || ev.EventID == "" {
		return false, fmt.Errorf("inbox: rail and event id are required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Shard = ShardFor(ShardKey(ev), d.shards)
	ev.Status = StatusPending
	now := d.now().UTC()
	ev.ReceivedAt = now
	ev.NextAttemptAt = now

	inserted, err := d.queue.RecordInbound(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("inbox: record %s/%s: %w", ev.Rail, ev.EventID, err)
	}
	if !inserted {
		d.metrics.Inbox(ev.Rail, "duplicate")
	}
	return inserted, nil
}

// Run starts one worker per shard and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for shard := 0; shard < d.shards; shard++ {
		g.Go(func() error {
			ticker := time.NewTicker(d.interval)
			defer ticker.Stop()
			for {
				if _, err := d.RunShardOnce(ctx, shard); err != nil && !errors.Is(err, context.Canceled) {
					d.log.Error("inbox shard pass failed", "shard", shard, "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// RunShardOnce processes one batch of a shard in receive order.
func (d *Dispatcher) RunShardOnce(ctx context.Context, shard int) (int, error) {
	events, err := d.queue.ClaimInbound(ctx, shard, d.batch, d.now(), d.lease)
	if err != nil {
		return 0, fmt.Errorf("inbox: claim shard %d: %w", shard, err)
	}
	done := 0
	for _, ev := range events {
		if err := d.handler.HandleRailEvent(ctx, ev); err != nil {
			d.fail(ctx, ev, err)
			continue
		}
		if err := d.queue.MarkInboundProcessed(ctx, ev.ID); err != nil {
			return done, fmt.Errorf("inbox: mark processed %s: %w", ev.ID, err)
		}
		d.metrics.Inbox(ev.Rail, "processed")
		done++
	}
	return done, nil
}

func (d *Dispatcher) fail(ctx context.Context, ev Event, cause error) {
	attempts := ev.Attempts + 1
	dead := attempts >= d.maxAttempts
	delay := time.Duration(attempts) * 2 * time.Second
	if err := d.queue.MarkInboundFailed(ctx, ev.ID, cause.Error(), d.now().Add(delay), dead); err != nil {
		d.log.Error("inbox mark failed", "id", ev.ID, "error", err)
		return
	}
	outcome := "retry"
	if dead {
		outcome = "dead"
	}
	d.metrics.Inbox(ev.Rail, outcome)
	d.log.Warn("inbox event failed",
		"id", ev.ID,
		"rail", ev.Rail,
		"event_id", ev.EventID,
		"attempts", attempts,
		"error", cause)
}
