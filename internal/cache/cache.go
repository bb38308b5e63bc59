// Package cache is the short-TTL balance cache in front of the ledger
// and pool stores. It exists to absorb read amplification on balance
// checks; correctness never depends on it. Every failure is swallowed,
// counted, and logged at debug, so a cache outage degrades latency and
// nothing else.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds balance staleness on the read path. The debit
	// path always re-reads under a row lock, so a stale entry can only
	// mislead a display, never a charge.
	DefaultTTL = 60 * time.Second

	keyPrefix = "credits:balance:"

	opTimeout = 500 * time.Millisecond
)

// BalanceCache caches decimal balance strings keyed by identity.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the cache.
type Option func(*BalanceCache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *BalanceCache) { c.ttl = ttl }
}

// New creates a balance cache over an existing Redis client.
func New(client *redis.Client, logger *slog.Logger, opts ...Option) *BalanceCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &BalanceCache{client: client, ttl: DefaultTTL, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromURL creates a balance cache from a redis:// URL.
func NewFromURL(url string, logger *slog.Logger, opts ...Option) (*BalanceCache, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(redisOpts), logger, opts...), nil
}

// Key returns the cache key for an identity.
func Key(ident string) string {
	return keyPrefix + ident
}

// Get returns the cached balance for an identity. A miss and an error
// look the same to the caller.
func (c *BalanceCache) Get(ctx context.Context, ident string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, Key(ident)).Result()
	if err == redis.Nil {
		missesTotal.Inc()
		return "", false
	}
	if err != nil {
		errorsTotal.WithLabelValues("get").Inc()
		c.logger.Debug("balance cache read failed", "identity", ident, "error", err)
		return "", false
	}
	hitsTotal.Inc()
	return val, true
}

// Set stores the balance for an identity with the configured TTL.
func (c *BalanceCache) Set(ctx context.Context, ident string, balance string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, Key(ident), balance, c.ttl).Err(); err != nil {
		errorsTotal.WithLabelValues("set").Inc()
		c.logger.Debug("balance cache write failed", "identity", ident, "error", err)
	}
}

// Invalidate drops the cached balance for an identity. Called
// synchronously after every committed balance mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, ident string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, Key(ident)).Err(); err != nil {
		errorsTotal.WithLabelValues("invalidate").Inc()
		c.logger.Debug("balance cache invalidation failed", "identity", ident, "error", err)
	}
	invalidationsTotal.Inc()
}

// Ping verifies connectivity for health checks.
func (c *BalanceCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *BalanceCache) Close() error {
	return c.client.Close()
}
