// Package config loads the process configuration: a YAML file named by
// BOUNTYFLOW_CONFIG, then environment overrides for secrets and addresses,
// then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bountyflow/evidence"
	"bountyflow/ratelimit"
)

const (
	envConfigPath = "BOUNTYFLOW_CONFIG"
	envEnv        = "BOUNTYFLOW_ENV"
	envDatabase   = "DATABASE_URL"
	envJWTSecret  = "JWT_SECRET"
	envListen     = "LISTEN_ADDR"
	envLogLevel   = "LOG_LEVEL"

	envCardSecret        = "CARD_SECRET_KEY"
	envCardWebhookSecret = "CARD_WEBHOOK_SECRET"
	envEVMRPC            = "EVM_RPC_URL"
	envEVMSignerKey      = "EVM_SIGNER_KEY"
	envHostedAPIKey      = "HOSTED_API_KEY"
	envHostedIPNSecret   = "HOSTED_IPN_SECRET"
	envHostedPayoutToken = "HOSTED_PAYOUT_TOKEN"

	envRedisAddr     = "REDIS_ADDR"
	envNotifySecret  = "NOTIFY_WEBHOOK_SECRET"
	envEvidenceS3Bkt = "EVIDENCE_S3_BUCKET"
)

type Config struct {
	Service   string          `yaml:"service"`
	Env       string          `yaml:"env"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Policy    PolicyConfig    `yaml:"policy"`
	Rails     RailsConfig     `yaml:"rails"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Inbox     InboxConfig     `yaml:"inbox"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects Postgres when URL is set and the in-memory store
// otherwise.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	BootstrapAdmins []string      `yaml:"bootstrap_admins"`
}

type PolicyConfig struct {
	FeeBps            int64         `yaml:"fee_bps"`
	StakeLockBps      int64         `yaml:"stake_lock_bps"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type GuardConfig struct {
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Burst           int           `yaml:"burst"`
}

type ToleranceConfig struct {
	Bps      int64 `yaml:"bps"`
	CapMinor int64 `yaml:"cap_minor"`
}

type RailsConfig struct {
	Guard     GuardConfig     `yaml:"guard"`
	Tolerance ToleranceConfig `yaml:"tolerance"`
	Card      CardConfig      `yaml:"card"`
	EVM       EVMConfig       `yaml:"evm_usd"`
	Hosted    HostedConfig    `yaml:"hosted_crypto"`
}

type CardConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type EVMConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RPCURL        string `yaml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id"`
	Token         string `yaml:"token"`
	TokenDecimals int    `yaml:"token_decimals"`
	Collector     string `yaml:"collector"`
	SignerKey     string `yaml:"signer_key"`
	Confirmations uint64 `yaml:"confirmations"`
	GasLimit      uint64 `yaml:"gas_limit"`
}

type HostedConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	IPNSecret   string `yaml:"ipn_secret"`
	PayoutToken string `yaml:"payout_token"`
	PayCurrency string `yaml:"pay_currency"`
}

type OutboxConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Batch         int           `yaml:"batch"`
	MaxAttempts   int           `yaml:"max_attempts"`
	WebhookURL    string        `yaml:"webhook_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	WebhookTopics []string      `yaml:"webhook_topics"`
}

type InboxConfig struct {
	Shards      int           `yaml:"shards"`
	Batch       int           `yaml:"batch"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type EvidenceConfig struct {
	// Backend is "memory" or "s3".
	Backend string            `yaml:"backend"`
	S3      evidence.S3Config `yaml:"s3"`
}

type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend       string                     `yaml:"backend"`
	RedisAddr     string                     `yaml:"redis_addr"`
	RedisPassword string                     `yaml:"redis_password"`
	RedisDB       int                        `yaml:"redis_db"`
	Limits        map[string]ratelimit.Limit `yaml:"limits"`
}

// Load reads the file named by BOUNTYFLOW_CONFIG when set.
func Load() (*Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv(envConfigPath)))
}

// LoadFile reads path (skipped when empty), applies environment overrides
// and defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Env, envEnv)
	override(&c.Database.URL, envDatabase)
	override(&c.Auth.JWTSecret, envJWTSecret)
	override(&c.HTTP.ListenAddr, envListen)
	override(&c.Log.Level, envLogLevel)
	override(&c.Rails.Card.SecretKey, envCardSecret)
	override(&c.Rails.Card.WebhookSecret, envCardWebhookSecret)
	override(&c.Rails.EVM.RPCURL, envEVMRPC)
	override(&c.Rails.EVM.SignerKey, envEVMSignerKey)
	override(&c.Rails.Hosted.APIKey, envHostedAPIKey)
	override(&c.Rails.Hosted.IPNSecret, envHostedIPNSecret)
	override(&c.Rails.Hosted.PayoutToken, envHostedPayoutToken)
	override(&c.Outbox.WebhookSecret, envNotifySecret)
	if override(&c.RateLimit.RedisAddr, envRedisAddr) && c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "redis"
	}
	if override(&c.Evidence.S3.Bucket, envEvidenceS3Bkt) && c.Evidence.Backend == "" {
		c.Evidence.Backend = "s3"
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.Service, "bountyflow")
	setDefault(&c.Env, "development")
	setDefault(&c.HTTP.ListenAddr, ":8080")
	setDefault(&c.HTTP.ReadTimeout, 15*time.Second)
	setDefault(&c.HTTP.WriteTimeout, 30*time.Second)
	setDefault(&c.HTTP.ShutdownTimeout, 15*time.Second)
	setDefault(&c.Database.MaxConns, 16)
	setDefault(&c.Log.Level, "info")
	setDefault(&c.Auth.TokenTTL, 24*time.Hour)

	setDefault(&c.Policy.FeeBps, 500)
	setDefault(&c.Policy.StakeLockBps, 1000)
	setDefault(&c.Policy.StaleAfter, time.Minute)
	setDefault(&c.Policy.CommitTimeout, 10*time.Second)
	setDefault(&c.Policy.ReconcileInterval, 30*time.Second)

	setDefault(&c.Rails.Guard.CallTimeout, 10*time.Second)
	setDefault(&c.Rails.Guard.MaxElapsed, 30*time.Second)
	setDefault(&c.Rails.Guard.InitialInterval, 200*time.Millisecond)
	setDefault(&c.Rails.Tolerance.Bps, 10)
	setDefault(&c.Rails.Tolerance.CapMinor, 100)
	setDefault(&c.Rails.Card.BaseURL, "https://api.stripe.com")
	setDefault(&c.Rails.EVM.TokenDecimals, 6)
	setDefault(&c.Rails.EVM.Confirmations, 12)
	setDefault(&c.Rails.Hosted.BaseURL, "https://api.nowpayments.io")
	setDefault(&c.Rails.Hosted.PayCurrency, "usdc")

	setDefault(&c.Outbox.Interval, time.Second)
	setDefault(&c.Outbox.Batch, 50)
	setDefault(&c.Outbox.MaxAttempts, 12)
	setDefault(&c.Inbox.Shards, 4)
	setDefault(&c.Inbox.Batch, 10)
	setDefault(&c.Inbox.Interval, 250*time.Millisecond)
	setDefault(&c.Inbox.MaxAttempts, 10)

	setDefault(&c.Evidence.Backend, "memory")
	setDefault(&c.Evidence.S3.MaxSize, int64(evidence.DefaultMaxSize))
	setDefault(&c.RateLimit.Backend, "memory")
	if c.RateLimit.Limits == nil {
		c.RateLimit.Limits = map[string]ratelimit.Limit{
			"auth":    {Requests: 20, Window: time.Minute},
			"write":   {Requests: 120, Window: time.Minute},
			"webhook": {Requests: 600, Window: time.Minute},
		}
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("%s must be at least 16 bytes", envJWTSecret))
	}
	if c.Policy.FeeBps < 0 || c.Policy.FeeBps > 10_000 {
		errs = append(errs, fmt.Errorf("policy.fee_bps %d out of range", c.Policy.FeeBps))
	}
	if c.Policy.StakeLockBps < 0 || c.Policy.StakeLockBps > 10_000 {
		errs = append(errs, fmt.Errorf("policy.stake_lock_bps %d out of range", c.Policy.StakeLockBps))
	}
	if c.Rails.Tolerance.Bps < 0 || c.Rails.Tolerance.CapMinor < 0 {
		errs = append(errs, errors.New("rails.tolerance must not be negative"))
	}
	if r := c.Rails.Card; r.Enabled && r.SecretKey == "" {
		errs = append(errs, fmt.Errorf("card rail requires %s", envCardSecret))
	}
	if r := c.Rails.EVM; r.Enabled && (r.RPCURL == "" || r.SignerKey == "" || r.Token == "" || r.Collector == "") {
		errs = append(errs, errors.New("evm_usd rail requires rpc_url, signer_key, token and collector"))
	}
	if r := c.Rails.Hosted; r.Enabled && (r.APIKey == "" || r.IPNSecret == "") {
		errs = append(errs, fmt.Errorf("hosted_crypto rail requires %s and %s", envHostedAPIKey, envHostedIPNSecret))
	}
	switch c.Evidence.Backend {
	case "memory":
	case "s3":
		if c.Evidence.S3.Bucket == "" {
			errs = append(errs, errors.New("evidence.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown evidence backend %q", c.Evidence.Backend))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("redis rate limiting requires %s", envRedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EnabledRails lists the rails switched on.
func (c *Config) EnabledRails() []string {
	var out []string
	if c.Rails.Card.Enabled {
		out = append(out, "card")
	}
	if c.Rails.EVM.Enabled {
		out = append(out, "evm_usd")
	}
	if c.Rails.Hosted.Enabled {
		out = append(out, "hosted_crypto")
	}
	return out
}

func override(dst *string, key string) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
		return true
	}
	return false
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

