package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bountyflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsFromEnvironmentOnly(t *testing.T) {
	t.Setenv(envJWTSecret, "0123456789abcdef0123")
	for _, k := range []string{envConfigPath, envDatabase, envRedisAddr, envEvidenceS3Bkt} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	require.Equal(t, int64(500), cfg.Policy.FeeBps)
	require.Equal(t, int64(1000), cfg.Policy.StakeLockBps)
	require.Equal(t, int64(10), cfg.Rails.Tolerance.Bps)
	require.Equal(t, int64(100), cfg.Rails.Tolerance.CapMinor)
	require.Equal(t, 10*time.Second, cfg.Rails.Guard.CallTimeout)
	require.Equal(t, 30*time.Second, cfg.Rails.Guard.MaxElapsed)
	require.Equal(t, "memory", cfg.Evidence.Backend)
	require.Equal(t, "memory", cfg.RateLimit.Backend)
	require.Empty(t, cfg.Database.URL)
	require.Empty(t, cfg.EnabledRails())
}

func TestFileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
env: staging
http:
  listen_addr: ":9000"
policy:
  fee_bps: 250
  stale_after: 2m
rails:
  card:
    enabled: true
    secret_key: from-file
  hosted_crypto:
    enabled: true
    api_key: k
    ipn_secret: s
rate_limit:
  limits:
    write: {requests: 5, window: 10s}
`)
	t.Setenv(envJWTSecret, "0123456789abcdef0123")
	t.Setenv(envCardSecret, "sk_from_env")
	t.Setenv(envListen, "")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Env)
	require.Equal(t, ":9000", cfg.HTTP.ListenAddr)
	require.Equal(t, int64(250), cfg.Policy.FeeBps)
	require.Equal(t, 2*time.Minute, cfg.Policy.StaleAfter)
	require.Equal(t, "sk_from_env", cfg.Rails.Card.SecretKey)
	require.Equal(t, []string{"card", "hosted_crypto"}, cfg.EnabledRails())
	require.Equal(t, 5, cfg.RateLimit.Limits["write"].Requests)
	require.Equal(t, 10*time.Second, cfg.RateLimit.Limits["write"].Window)
}

func TestRedisAddressSelectsRedis(t *testing.T) {
	t.Setenv(envJWTSecret, "0123456789abcdef0123")
	t.Setenv(envRedisAddr, "127.0.0.1:6379")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.RateLimit.Backend)
}

func TestValidationCollectsProblems(t *testing.T) {
	path := writeFile(t, `
policy:
  fee_bps: 20000
rails:
  evm_usd:
    enabled: true
evidence:
  backend: s3
`)
	t.Setenv(envJWTSecret, "short")
	t.Setenv(envEvidenceS3Bkt, "")

	_, err := LoadFile(path)
	require.Error(t, err)
	for _, want := range []string{"JWT_SECRET", "fee_bps", "evm_usd", "evidence.s3.bucket"} {
		require.ErrorContains(t, err, want)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	path := writeFile(t, "polcy:\n  fee_bps: 1\n")
	t.Setenv(envJWTSecret, "0123456789abcdef0123")

	_, err := LoadFile(path)
	require.ErrorContains(t, err, "polcy")
}
