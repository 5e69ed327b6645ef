// Package ratelimit implements the per-caller request limiter that the
// gateway applies before routing, so native and proxied requests are limited
// identically.
package ratelimit

import (
	"context"
	"time"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a limiter check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether a caller may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// New returns a Redis-backed limiter when client is non-nil, an in-process
// one otherwise, and nil when limiting is disabled.
func New(cfg *config.RateLimitConfig, client *redis.Client) Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	if client != nil {
		return NewRedisLimiter(client, cfg.RequestsPerMinute, time.Minute)
	}
	return NewMemoryLimiter(cfg.RequestsPerMinute, cfg.Burst)
}
