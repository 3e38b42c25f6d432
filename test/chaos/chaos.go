package chaos

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bountyflow/apperr"
	"bountyflow/rail"
)

// TerminateRandomBackend kills a random backend connection of the current
// database every few seconds so in-flight units of work roll back mid-way.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database() AND pid <> pg_backend_pid()
                                       ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// FlakyRail is an in-process card rail that verifies every deposit in full
// but fails a share of payouts as if the processor were down. Payout
// references are derived from the idempotency key, so a retried leg returns
// the reference of the first success.
type FlakyRail struct {
	// FailPercent is the chance in [0,100] that a payout call fails.
	FailPercent int
	// PendingPercent is the chance that a deposit check reports pending.
	PendingPercent int

	mu  sync.Mutex
	rng *rand.Rand

	releases atomic.Int64
	refunds  atomic.Int64
	failures atomic.Int64
}

func NewFlakyRail(seed int64, failPercent, pendingPercent int) *FlakyRail {
	return &FlakyRail{
		FailPercent:    failPercent,
		PendingPercent: pendingPercent,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (f *FlakyRail) ID() rail.ID { return rail.Card }

func (f *FlakyRail) roll(percent int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Intn(100) < percent
}

func (f *FlakyRail) InitializeDeposit(ctx context.Context, req rail.DepositRequest) (rail.Deposit, error) {
	return rail.Deposit{Reference: "pi_" + req.EscrowID, ClientSecret: "cs_" + req.EscrowID}, nil
}

func (f *FlakyRail) VerifyDeposit(ctx context.Context, req rail.VerifyRequest) (rail.Verification, error) {
	if f.roll(f.PendingPercent) {
		return rail.Verification{Outcome: rail.OutcomePending, Reference: req.Reference, Detail: "processing"}, nil
	}
	return rail.Verification{Outcome: rail.OutcomeVerified, Received: req.Expected, Reference: req.Reference}, nil
}

func (f *FlakyRail) ReleasePortion(ctx context.Context, req rail.ReleaseRequest) (string, error) {
	if f.roll(f.FailPercent) {
		f.failures.Add(1)
		return "", apperr.RailTransient(rail.ErrUnavailable, "transfer %s", req.IdempotencyKey)
	}
	f.releases.Add(1)
	return "tr_" + req.IdempotencyKey, nil
}

func (f *FlakyRail) Refund(ctx context.Context, req rail.RefundRequest) (string, error) {
	if f.roll(f.FailPercent) {
		f.failures.Add(1)
		return "", apperr.RailTransient(rail.ErrUnavailable, "refund %s", req.IdempotencyKey)
	}
	f.refunds.Add(1)
	return "re_" + req.IdempotencyKey, nil
}

// Stats reports successful releases, refunds and injected failures.
func (f *FlakyRail) Stats() (releases, refunds, failures int64) {
	return f.releases.Load(), f.refunds.Load(), f.failures.Load()
}

// Rails serves a single adapter to the engine.
type Rails struct{ Adapter rail.Adapter }

func (r Rails) Get(id string) (rail.Adapter, error) {
	if id != string(r.Adapter.ID()) {
		return nil, rail.NotConfigured(id)
	}
	return r.Adapter, nil
}
