package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	entryTTL        = 15 * time.Minute
	cleanupInterval = 5 * time.Minute
)

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a token bucket per key, local to one gateway process
type MemoryLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*memoryEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewMemoryLimiter allows requestsPerMinute steady state with the given burst
func NewMemoryLimiter(requestsPerMinute, burst int) *MemoryLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &MemoryLimiter{
		limit:       rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:       burst,
		entries:     make(map[string]*memoryEntry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow consumes a token for key if one is available
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastCleanup) >= cleanupInterval {
		for k, entry := range m.entries {
			if now.Sub(entry.lastSeen) > entryTTL {
				delete(m.entries, k)
			}
		}
		m.lastCleanup = now
	}

	entry, ok := m.entries[key]
	if !ok {
		entry = &memoryEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}
