package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	minuteBucket int64
	minute       int64
	hourBucket   int64
	hour         int64
}

// MemoryRateLimiter keeps counters in process. Counters reset when the
// wall-clock bucket changes, matching the Redis limiter's fixed windows.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limits   Limits
	counters map[string]*counter
	swept    int64
	now      func() time.Time
}

func NewMemoryRateLimiter(limits Limits) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limits:   limits,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (m *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	m.now = now
	return m
}

func (m *MemoryRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if m.limits.PerMinute <= 0 && m.limits.PerHour <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := m.now()
	minuteBucket := now.Unix() / 60
	hourBucket := now.Unix() / 3600

	m.mu.Lock()
	c, ok := m.counters[key]
	if !ok {
		c = &counter{}
		m.counters[key] = c
	}
	if c.minuteBucket != minuteBucket {
		c.minuteBucket, c.minute = minuteBucket, 0
	}
	if c.hourBucket != hourBucket {
		c.hourBucket, c.hour = hourBucket, 0
	}
	if hourBucket > m.swept {
		m.sweep(hourBucket)
	}
	c.minute++
	c.hour++
	minute, hour := c.minute, c.hour
	m.mu.Unlock()

	return decide(m.limits, minute, hour, now), nil
}

// sweep drops counters idle since an earlier hour. Caller holds mu.
func (m *MemoryRateLimiter) sweep(hourBucket int64) {
	for k, c := range m.counters {
		if c.hourBucket < hourBucket {
			delete(m.counters, k)
		}
	}
	m.swept = hourBucket
}

func (m *MemoryRateLimiter) Close() error {
	return nil
}
