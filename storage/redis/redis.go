// Package redis provides the Redis-backed concurrency primitives guarding
// the billing entry points: a per-tenant checkout lock and a fail-closed
// rate limiter.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/billsync/billsync/pkg/billing"
)

// Config holds Redis configuration for the billing locks and limiters.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// CheckoutLockTTL bounds how long a checkout lock can be held before it
	// expires on its own (default: 300s)
	CheckoutLockTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "billsync:",
		CheckoutLockTTL: 300 * time.Second,
	}
}

// CheckoutLock is a per-tenant short-TTL mutual exclusion guard around the
// checkout flow. Acquire-or-reject: there is no blocking wait, a concurrent
// checkout simply fails with ErrCheckoutInProgress.
type CheckoutLock struct {
	client redis.UniversalClient
	config Config
}

// NewCheckoutLock creates a checkout lock on the given client. The client
// can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func NewCheckoutLock(client redis.UniversalClient, config Config) (*CheckoutLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.CheckoutLockTTL <= 0 {
		config.CheckoutLockTTL = 300 * time.Second
	}
	return &CheckoutLock{client: client, config: config}, nil
}

func (l *CheckoutLock) key(tenantKey string) string {
	return l.config.KeyPrefix + "checkout_lock:" + tenantKey
}

// Acquire takes the tenant's checkout lock. Returns ErrCheckoutInProgress
// when another checkout already holds it. A Redis failure is reported as a
// provider connection error; checkout cannot proceed unguarded.
func (l *CheckoutLock) Acquire(ctx context.Context, tenantKey string) error {
	ok, err := l.client.SetNX(ctx, l.key(tenantKey), time.Now().UTC().Format(time.RFC3339), l.config.CheckoutLockTTL).Result()
	if err != nil {
		return billing.NewProviderError(billing.ProviderErrorConnection, "checkout_lock", err)
	}
	if !ok {
		return billing.ErrCheckoutInProgress
	}
	return nil
}

// Release drops the tenant's checkout lock. Best effort: the TTL reclaims
// leaked locks.
func (l *CheckoutLock) Release(ctx context.Context, tenantKey string) {
	_ = l.client.Del(ctx, l.key(tenantKey)).Err()
}

// RateLimiter is a fixed-window per-key rate limiter for user-facing entry
// points (plan selection, enterprise contact). It fails closed: when the
// limiting store is unreachable the request is treated as rate limited
// rather than allowed through.
type RateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(client redis.UniversalClient, config Config, limit int, window time.Duration) (*RateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("limit and window must be positive")
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "billsync:"
	}
	return &RateLimiter{
		client: client,
		prefix: prefix + "rate:",
		limit:  int64(limit),
		window: window,
	}, nil
}

// Allow checks and consumes one request for key. Returns ErrRateLimited when
// the window budget is exhausted or the store is unreachable.
func (rl *RateLimiter) Allow(ctx context.Context, key string) error {
	bucket := fmt.Sprintf("%s%s:%d", rl.prefix, key, time.Now().Unix()/int64(rl.window.Seconds()))

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail closed: an unreachable limiter must not open the gate.
		return fmt.Errorf("%w: limiter unavailable: %v", billing.ErrRateLimited, err)
	}

	if incr.Val() > rl.limit {
		return billing.ErrRateLimited
	}
	return nil
}
