// Package ratelimit throttles API callers with fixed-window counters. The
// counters live behind Store so several API replicas can share them in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bountyflow/metrics"
)

// Store counts hits per key within a window.
type Store interface {
	// Incr adds one hit to key and returns the count in the current window
	// plus the time left until it resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type Limit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// MemoryStore keeps counters in process.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: map[string]window{}, now: time.Now}
}

func (m *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(d)}
		if len(m.windows) > 10_000 {
			m.sweep(now)
		}
	}
	w.count++
	m.windows[key] = w
	return w.count, w.resetAt.Sub(now), nil
}

func (m *MemoryStore) sweep(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// RedisStore keeps counters in Redis with INCR and a TTL set on the first hit.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bountyflow:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Incr(ctx context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	k := s.prefix + key
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, d)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("ratelimit: redis incr %s: %w", key, err)
	}
	left := ttl.Val()
	if left < 0 {
		left = d
	}
	return incr.Val(), left, nil
}

// KeyFunc identifies the caller of a request.
type KeyFunc func(r *http.Request) string

// Limiter applies per-group limits.
type Limiter struct {
	store   Store
	limits  map[string]Limit
	key     KeyFunc
	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.key = fn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store Store, limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{store: store, limits: limits, key: ClientIP, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one hit for key in group.
func (l *Limiter) Allow(ctx context.Context, group, key string) (bool, time.Duration, error) {
	limit, ok := l.limits[group]
	if !ok || limit.Requests <= 0 || limit.Window <= 0 {
		return true, 0, nil
	}
	n, reset, err := l.store.Incr(ctx, group+":"+key, limit.Window)
	if err != nil {
		return true, 0, err
	}
	return n <= int64(limit.Requests), reset, nil
}

// Middleware rejects callers over the group's limit with 429. A failing
// counter store lets the request through.
func (l *Limiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, reset, err := l.Allow(r.Context(), group, l.key(r))
			if err != nil {
				l.log.Warn("rate limit store unavailable", "group", group, "err", err)
			}
			if !ok {
				l.metrics.RateLimited(group)
				secs := int(reset.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
