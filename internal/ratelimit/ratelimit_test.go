package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMiniRedisLimiter(t *testing.T, limits Limits) (*RedisRateLimiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)}
	return NewRedisRateLimiterWithClient(client, "test", limits).WithClock(clock.Now), mr, clock
}

func TestNoOpRateLimiter(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := limiter.Allow(ctx, "any")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.NoError(t, limiter.Close())
}

func TestNewRedisRateLimiter_InvalidURL(t *testing.T) {
	_, err := NewRedisRateLimiter("not-a-valid-url", Limits{PerMinute: 1})
	assert.Error(t, err)
}

func TestNewRedisRateLimiter_ConnectionFailed(t *testing.T) {
	_, err := NewRedisRateLimiter("redis://localhost:1", Limits{PerMinute: 1})
	assert.Error(t, err)
}

func TestNewRedisRateLimiter_OwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisRateLimiter("redis://"+mr.Addr(), Limits{PerMinute: 2})
	require.NoError(t, err)

	d, err := limiter.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, limiter.Close())
}

func TestRedisRateLimiter_MinuteWindow(t *testing.T) {
	limiter, _, clock := newMiniRedisLimiter(t, Limits{PerMinute: 3, PerHour: 100})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMinute, d.Window)
	assert.Equal(t, 55*time.Second, d.RetryAfter)

	// A new minute bucket starts a fresh count.
	clock.Advance(time.Minute)
	d, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisRateLimiter_HourWindow(t *testing.T) {
	limiter, _, clock := newMiniRedisLimiter(t, Limits{PerMinute: 10, PerHour: 4})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d, err := limiter.Allow(ctx, "10.0.0.2")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		clock.Advance(time.Minute)
	}

	d, err := limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowHour, d.Window)

	clock.Advance(time.Hour)
	d, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisRateLimiter_DifferentKeys(t *testing.T) {
	limiter, _, _ := newMiniRedisLimiter(t, Limits{PerMinute: 1})
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = limiter.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisRateLimiter_KeysExpire(t *testing.T) {
	limiter, mr, _ := newMiniRedisLimiter(t, Limits{PerMinute: 5, PerHour: 50})
	_, err := limiter.Allow(context.Background(), "10.0.0.3")
	require.NoError(t, err)

	keys := mr.Keys()
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Greater(t, mr.TTL(k), time.Duration(0), k)
	}

	mr.FastForward(time.Hour + time.Second)
	assert.Empty(t, mr.Keys())
}

func TestRedisRateLimiter_Unlimited(t *testing.T) {
	limiter, mr, _ := newMiniRedisLimiter(t, Limits{})
	d, err := limiter.Allow(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, mr.Keys())
}

func TestRedisRateLimiter_RedisDown(t *testing.T) {
	limiter, mr, _ := newMiniRedisLimiter(t, Limits{PerMinute: 1})
	mr.Close()

	_, err := limiter.Allow(context.Background(), "x")
	assert.Error(t, err)
}

func TestMemoryRateLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)}
	limiter := NewMemoryRateLimiter(Limits{PerMinute: 2, PerHour: 3}).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, _ := limiter.Allow(ctx, "ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMinute, d.Window)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// Next minute: minute quota resets but the rejected request still
	// counted towards the hour.
	clock.Advance(time.Minute)
	d, _ = limiter.Allow(ctx, "ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowHour, d.Window)

	clock.Advance(time.Hour)
	d, _ = limiter.Allow(ctx, "ip")
	assert.True(t, d.Allowed)
}

func TestMemoryRateLimiter_SweepsIdleKeys(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewMemoryRateLimiter(Limits{PerMinute: 10}).WithClock(clock.Now)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "old")
	clock.Advance(2 * time.Hour)
	_, _ = limiter.Allow(ctx, "new")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.counters, "old")
	assert.Contains(t, limiter.counters, "new")
}
