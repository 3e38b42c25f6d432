package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"bountyflow/config"
	"bountyflow/evidence"
	"bountyflow/logging"
	"bountyflow/metrics"
	"bountyflow/rail"
	"bountyflow/ratelimit"
	"bountyflow/store/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"BOUNTYFLOW_CONFIG", "DATABASE_URL", "REDIS_ADDR", "EVIDENCE_S3_BUCKET"} {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestMemoryBackendWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)

	be, err := openBackend(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer be.Close()

	require.IsType(t, &memory.Store{}, be.store)
	require.Same(t, be.store, be.outbox)
	require.Nil(t, be.ready)
}

func TestBuildRailsRegistersEnabledRails(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New(prometheus.NewRegistry())

	reg, err := buildRails(cfg, logging.Discard(), m)
	require.NoError(t, err)
	require.Empty(t, reg.IDs())

	cfg.Rails.Card.Enabled = true
	cfg.Rails.Card.SecretKey = "sk_test"
	cfg.Rails.Card.WebhookSecret = "whsec"
	cfg.Rails.Hosted.Enabled = true
	cfg.Rails.Hosted.APIKey = "key"
	cfg.Rails.Hosted.IPNSecret = "ipn"

	reg, err = buildRails(cfg, logging.Discard(), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"card", "hosted_crypto"}, reg.IDs())

	_, ok := reg.Webhooks("card")
	require.True(t, ok)
	_, err = reg.Get("evm_usd")
	require.ErrorIs(t, err, rail.ErrNotConfigured)
}

func TestBuildRailsRejectsBadEVMConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rails.EVM.Enabled = true
	cfg.Rails.EVM.RPCURL = ""

	_, err := buildRails(cfg, logging.Discard(), metrics.New(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestBuildLimiterAndEvidenceDefaults(t *testing.T) {
	cfg := testConfig(t)

	limiter, closeFn := buildLimiter(cfg, logging.Discard(), metrics.New(prometheus.NewRegistry()))
	defer closeFn()
	ok, _, err := limiter.Allow(context.Background(), "auth", "ip:192.0.2.1")
	require.NoError(t, err)
	require.True(t, ok)

	st, err := buildEvidence(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &evidence.MemoryStore{}, st)
}

func TestSinksFollowWebhookConfig(t *testing.T) {
	cfg := testConfig(t)
	require.Len(t, buildSinks(cfg, logging.Discard()), 1)

	cfg.Outbox.WebhookURL = "https://hooks.example.com/bountyflow"
	cfg.Outbox.WebhookSecret = "s"
	sinks := buildSinks(cfg, logging.Discard())
	require.Len(t, sinks, 2)
	require.Equal(t, "webhook", sinks[1].Name())
}

func TestLimitsComeFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Limits = map[string]ratelimit.Limit{"auth": {Requests: 1, Window: time.Minute}}

	limiter, closeFn := buildLimiter(cfg, logging.Discard(), metrics.New(prometheus.NewRegistry()))
	defer closeFn()
	ctx := context.Background()
	ok, _, _ := limiter.Allow(ctx, "auth", "ip:192.0.2.9")
	require.True(t, ok)
	ok, _, _ = limiter.Allow(ctx, "auth", "ip:192.0.2.9")
	require.False(t, ok)
}
