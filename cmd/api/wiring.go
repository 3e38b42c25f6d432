package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"bountyflow/auth"
	"bountyflow/config"
	"bountyflow/db"
	"bountyflow/evidence"
	"bountyflow/httpapi"
	"bountyflow/inbox"
	"bountyflow/metrics"
	"bountyflow/migrations"
	"bountyflow/notify"
	"bountyflow/outbox"
	"bountyflow/rail"
	"bountyflow/rail/card"
	"bountyflow/rail/evmusd"
	"bountyflow/rail/hosted"
	"bountyflow/ratelimit"
	"bountyflow/store"
	"bountyflow/store/memory"
	"bountyflow/store/postgres"
)

// backend groups everything that lives in the database.
type backend struct {
	store  store.Store
	outbox outbox.Queue
	inbox  inbox.Queue
	users  auth.Repository
	ready  func(ctx context.Context) error
	close  func()
}

func (b *backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// openBackend connects to PostgreSQL when a database URL is configured and
// falls back to the in-memory store otherwise.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, state is kept in memory")
		mem := memory.New()
		return &backend{
			store:  mem,
			outbox: mem,
			inbox:  mem,
			users:  auth.NewMemoryRepository(),
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	if cfg.Database.Migrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("schema migrated")
	}
	pg := postgres.New(pool)
	return &backend{
		store:  pg,
		outbox: pg,
		inbox:  pg,
		users:  auth.NewRepository(pool),
		ready:  pool.Ping,
		close:  pool.Close,
	}, nil
}

// buildRails registers every enabled rail behind a guard sharing one policy.
func buildRails(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*rail.Registry, error) {
	rc := cfg.Rails
	policy := rail.GuardPolicy{
		CallTimeout:     rc.Guard.CallTimeout,
		MaxElapsed:      rc.Guard.MaxElapsed,
		InitialInterval: rc.Guard.InitialInterval,
		RatePerSecond:   rc.Guard.RatePerSecond,
		Burst:           rc.Guard.Burst,
	}
	tolerance := rail.Tolerance{Bps: rc.Tolerance.Bps, CapMinor: rc.Tolerance.CapMinor}
	httpClient := &http.Client{Timeout: rc.Guard.CallTimeout + 5*time.Second}
	opts := []rail.GuardOption{rail.WithGuardLogger(logger.With("component", "rail")), rail.WithGuardMetrics(m)}

	reg := rail.NewRegistry()
	if rc.Card.Enabled {
		reg.Add(card.New(card.Config{
			BaseURL:       rc.Card.BaseURL,
			SecretKey:     rc.Card.SecretKey,
			WebhookSecret: rc.Card.WebhookSecret,
		}, httpClient), policy, opts...)
	}
	if rc.EVM.Enabled {
		client, err := evmusd.Dial(rc.EVM.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial evm rpc: %w", err)
		}
		adapter, err := evmusd.New(client, evmusd.Config{
			ChainID:       rc.EVM.ChainID,
			Token:         rc.EVM.Token,
			TokenDecimals: rc.EVM.TokenDecimals,
			Collector:     rc.EVM.Collector,
			SignerKey:     rc.EVM.SignerKey,
			Confirmations: rc.EVM.Confirmations,
			GasLimit:      rc.EVM.GasLimit,
			Tolerance:     tolerance,
		})
		if err != nil {
			return nil, fmt.Errorf("configure evm rail: %w", err)
		}
		reg.Add(adapter, policy, opts...)
	}
	if rc.Hosted.Enabled {
		reg.Add(hosted.New(hosted.Config{
			BaseURL:     rc.Hosted.BaseURL,
			APIKey:      rc.Hosted.APIKey,
			IPNSecret:   rc.Hosted.IPNSecret,
			PayoutToken: rc.Hosted.PayoutToken,
			PayCurrency: rc.Hosted.PayCurrency,
			Tolerance:   tolerance,
		}, httpClient), policy, opts...)
	}
	return reg, nil
}

func buildEvidence(ctx context.Context, cfg *config.Config) (evidence.Store, error) {
	switch cfg.Evidence.Backend {
	case "s3":
		st, err := evidence.NewS3Store(ctx, cfg.Evidence.S3)
		if err != nil {
			return nil, fmt.Errorf("configure evidence store: %w", err)
		}
		return st, nil
	default:
		return evidence.NewMemoryStore(cfg.Evidence.S3.MaxSize), nil
	}
}

// buildLimiter returns the request limiter and a func releasing its backend.
func buildLimiter(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ratelimit.Limiter, func()) {
	rl := cfg.RateLimit
	var st ratelimit.Store
	closeFn := func() {}
	switch rl.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rl.RedisAddr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
		})
		st = ratelimit.NewRedisStore(client, cfg.Service+":rl:")
		closeFn = func() { _ = client.Close() }
	default:
		st = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(st, rl.Limits,
		ratelimit.WithKeyFunc(httpapi.CallerKey),
		ratelimit.WithLogger(logger.With("component", "ratelimit")),
		ratelimit.WithMetrics(m),
	)
	return limiter, closeFn
}

// buildSinks always audits to the log and adds the webhook sink when a
// subscriber URL is configured.
func buildSinks(cfg *config.Config, logger *slog.Logger) []outbox.Sink {
	sinks := []outbox.Sink{notify.NewAuditSink(logger.With("component", "audit"))}
	if cfg.Outbox.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Outbox.WebhookURL, cfg.Outbox.WebhookSecret, cfg.Outbox.WebhookTopics, nil))
	}
	return sinks
}
