package rail

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"bountyflow/apperr"
	"bountyflow/metrics"
)

// GuardPolicy bounds outbound calls to one rail.
type GuardPolicy struct {
	// CallTimeout bounds a single attempt.
	CallTimeout time.Duration
	// MaxElapsed bounds all attempts of one call, retries included.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	// RatePerSecond throttles outbound calls; zero disables throttling.
	RatePerSecond float64
	Burst         int
}

type GuardOption func(*Guard)

func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func WithGuardMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// Guard wraps an Adapter with per-attempt timeouts, exponential backoff on
// transient failures and an outbound rate limit. Errors leaving a Guard are
// always *apperr.Error.
type Guard struct {
	next    Adapter
	policy  GuardPolicy
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewGuard(next Adapter, policy GuardPolicy, opts ...GuardOption) *Guard {
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = 10 * time.Second
	}
	if policy.MaxElapsed <= 0 {
		policy.MaxElapsed = 30 * time.Second
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	g := &Guard{next: next, policy: policy, log: slog.Default()}
	if policy.RatePerSecond > 0 {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("rail", string(next.ID()))
	return g
}

func (g *Guard) ID() ID { return g.next.ID() }

func (g *Guard) InitializeDeposit(ctx context.Context, req DepositRequest) (Deposit, error) {
	var out Deposit
	err := g.call(ctx, "initialize_deposit", func(ctx context.Context) (err error) {
		out, err = g.next.InitializeDeposit(ctx, req)
		return err
	})
	return out, err
}

func (g *Guard) VerifyDeposit(ctx context.Context, req VerifyRequest) (Verification, error) {
	var out Verification
	err := g.call(ctx, "verify_deposit", func(ctx context.Context) (err error) {
		out, err = g.next.VerifyDeposit(ctx, req)
		return err
	})
	return out, err
}

func (g *Guard) ReleasePortion(ctx context.Context, req ReleaseRequest) (string, error) {
	var ref string
	err := g.call(ctx, "release", func(ctx context.Context) (err error) {
		ref, err = g.next.ReleasePortion(ctx, req)
		return err
	})
	return ref, err
}

func (g *Guard) Refund(ctx context.Context, req RefundRequest) (string, error) {
	var ref string
	err := g.call(ctx, "refund", func(ctx context.Context) (err error) {
		ref, err = g.next.Refund(ctx, req)
		return err
	})
	return ref, err
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.policy.InitialInterval
	b.MaxElapsedTime = g.policy.MaxElapsed

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(Unavailable(err))
			}
		}
		actx, cancel := context.WithTimeout(ctx, g.policy.CallTimeout)
		defer cancel()

		start := time.Now()
		err := fn(actx)
		g.metrics.RailCall(string(g.next.ID()), op, outcomeLabel(err), time.Since(start))
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		g.log.Warn("rail call retry", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}
	return classify(op, err)
}

func transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func classify(op string, err error) error {
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return typed
	}
	if transient(err) || errors.Is(err, context.Canceled) {
		return apperr.RailTransient(err, "rail %s unavailable", op)
	}
	e := apperr.RailPermanent("rail %s rejected", op)
	e.Err = err
	return e
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case transient(err):
		return "transient"
	default:
		return "error"
	}
}
