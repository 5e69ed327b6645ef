package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowCounter increments the counter for one window and returns its value
type windowCounter interface {
	incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisCounter struct {
	client *redis.Client
}

func (c redisCounter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// RedisLimiter is a fixed-window counter shared by every gateway replica
type RedisLimiter struct {
	counter windowCounter
	limit   int64
	window  time.Duration
	now     func() time.Time
}

// NewRedisLimiter allows limit requests per window per key
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		counter: redisCounter{client: client},
		limit:   int64(limit),
		window:  window,
		now:     time.Now,
	}
}

// Allow counts the request against key's current window
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	windowStart := now.Truncate(r.window)
	redisKey := "ratelimit:" + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	count, err := r.counter.incr(ctx, redisKey, r.window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count > r.limit {
		return Decision{Allowed: false, RetryAfter: windowStart.Add(r.window).Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
