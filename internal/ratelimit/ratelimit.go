// Package ratelimit enforces per-key request quotas with two independent
// fixed windows, one per minute and one per hour.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/threatlink/internal/metrics"
)

// Window names the counter that rejected a request.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Limits caps requests per window. Zero disables a window.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Window is set when Allowed is false.
	Window     Window
	RetryAfter time.Duration
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// Both windows are counted on every request, so a request rejected by the
// minute window still consumes hour quota.
const windowScript = `
local m = redis.call('INCR', KEYS[1])
if m == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local h = redis.call('INCR', KEYS[2])
if h == 1 then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return {m, h}
`

var script = redis.NewScript(windowScript)

// RedisRateLimiter counts requests in Redis so every instance shares quota.
type RedisRateLimiter struct {
	client     *redis.Client
	limits     Limits
	prefix     string
	ownsClient bool
	now        func() time.Time
}

// NewRedisRateLimiter dials redisURL and returns a limiter that owns the
// connection.
func NewRedisRateLimiter(redisURL string, limits Limits) (RateLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	l := NewRedisRateLimiterWithClient(client, "", limits)
	l.ownsClient = true
	return l, nil
}

// NewRedisRateLimiterWithClient shares an existing client. prefix namespaces
// the keys, typically with the webhook name.
func NewRedisRateLimiterWithClient(client *redis.Client, prefix string, limits Limits) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		limits: limits,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock replaces the time source used to pick buckets.
func (r *RedisRateLimiter) WithClock(now func() time.Time) *RedisRateLimiter {
	r.now = now
	return r
}

func (r *RedisRateLimiter) key(key string, w Window, bucket int64) string {
	base := "ratelimit:"
	if r.prefix != "" {
		base += r.prefix + ":"
	}
	suffix := "m"
	if w == WindowHour {
		suffix = "h"
	}
	return base + key + ":" + suffix + ":" + strconv.FormatInt(bucket, 10)
}

// Allow counts the request in the current minute and hour buckets.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if r.limits.PerMinute <= 0 && r.limits.PerHour <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := r.now()
	minuteBucket := now.Unix() / 60
	hourBucket := now.Unix() / 3600

	keys := []string{
		r.key(key, WindowMinute, minuteBucket),
		r.key(key, WindowHour, hourBucket),
	}
	res, err := script.Run(ctx, r.client, keys,
		time.Minute.Milliseconds(), time.Hour.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit check failed: unexpected reply %v", res)
	}

	return decide(r.limits, res[0], res[1], now), nil
}

func (r *RedisRateLimiter) Close() error {
	if r.client != nil && r.ownsClient {
		return r.client.Close()
	}
	return nil
}

// decide applies limits to counts. The minute window is checked first.
func decide(limits Limits, minuteCount, hourCount int64, now time.Time) Decision {
	if limits.PerMinute > 0 && minuteCount > int64(limits.PerMinute) {
		metrics.RateLimitHits.WithLabelValues(string(WindowMinute)).Inc()
		return Decision{Window: WindowMinute, RetryAfter: untilNext(now, time.Minute)}
	}
	if limits.PerHour > 0 && hourCount > int64(limits.PerHour) {
		metrics.RateLimitHits.WithLabelValues(string(WindowHour)).Inc()
		return Decision{Window: WindowHour, RetryAfter: untilNext(now, time.Hour)}
	}
	return Decision{Allowed: true}
}

func untilNext(now time.Time, d time.Duration) time.Duration {
	return now.Truncate(d).Add(d).Sub(now)
}

// NoOpRateLimiter always allows requests (for testing or disabled rate limiting)
type NoOpRateLimiter struct{}

func (n *NoOpRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (n *NoOpRateLimiter) Close() error {
	return nil
}
