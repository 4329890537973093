package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is the shared counter backend for multi-instance
// deployments: atomic INCR with expiry set on the window's first
// increment. Every call is bounded by a short timeout; a timeout is a
// backend failure, not an allow.
type RedisCounter struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCounter creates a shared counter backend against addr.
func NewRedisCounter(addr string, timeout time.Duration) *RedisCounter {
	return &RedisCounter{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		timeout: timeout,
	}
}

// Incr increments key and returns the post-increment value, arranging
// expiry on the first increment of the window.
func (r *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX: only the first increment of the window sets the expiry.
	pipe.ExpireNX(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	return incr.Val(), nil
}

// Ping verifies the backend is reachable, used at startup.
func (r *RedisCounter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}
