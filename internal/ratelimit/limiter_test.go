package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	assert.Nil(t, New(&config.RateLimitConfig{RequestsPerMinute: 0}, nil))
	assert.IsType(t, &MemoryLimiter{}, New(&config.RateLimitConfig{RequestsPerMinute: 60, Burst: 5}, nil))

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	assert.IsType(t, &RedisLimiter{}, New(&config.RateLimitConfig{RequestsPerMinute: 60}, client))
}

func TestMemoryLimiter_BurstThenReject(t *testing.T) {
	limiter := NewMemoryLimiter(60, 3)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d", i)
	}

	decision, err := limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.InDelta(t, time.Second, decision.RetryAfter, float64(10*time.Millisecond))

	other, err := limiter.Allow(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are limited independently")
}

func TestMemoryLimiter_Refills(t *testing.T) {
	limiter := NewMemoryLimiter(60, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	first, _ := limiter.Allow(ctx, "k")
	second, _ := limiter.Allow(ctx, "k")
	now = now.Add(time.Second)
	third, _ := limiter.Allow(ctx, "k")

	assert.True(t, first.Allowed)
	assert.False(t, second.Allowed)
	assert.True(t, third.Allowed)
}

type fakeCounter struct {
	counts map[string]int64
	ttls   map[string]time.Duration
	err    error
}

func (f *fakeCounter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	if f.counts[key] == 1 {
		f.ttls[key] = ttl
	}
	return f.counts[key], nil
}

func newFakeRedisLimiter(limit int, now time.Time) (*RedisLimiter, *fakeCounter) {
	counter := &fakeCounter{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
	return &RedisLimiter{
		counter: counter,
		limit:   int64(limit),
		window:  time.Minute,
		now:     func() time.Time { return now },
	}, counter
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 45, 0, time.UTC)
	limiter, counter := newFakeRedisLimiter(2, now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	decision, err := limiter.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 15*time.Second, decision.RetryAfter)

	windowKey := "ratelimit:user:a:" + "1772366400"
	assert.Equal(t, int64(3), counter.counts[windowKey])
	assert.Equal(t, time.Minute, counter.ttls[windowKey])
}

func TestRedisLimiter_CounterError(t *testing.T) {
	limiter, counter := newFakeRedisLimiter(2, time.Now())
	counter.err = errors.New("connection refused")

	_, err := limiter.Allow(context.Background(), "user:a")

	assert.ErrorContains(t, err, "connection refused")
}
