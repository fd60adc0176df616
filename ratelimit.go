package welfarekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts uses of a key inside fixed windows.
// Allow increments the counter for the window containing now and reports whether
// the count is still within limit, plus the time until the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

func windowBounds(now time.Time, window time.Duration) (index int64, resetIn time.Duration) {
	index = now.UnixNano() / int64(window)
	end := time.Unix(0, (index+1)*int64(window))
	return index, end.Sub(now)
}

// rateLimitKey identifies the counter for one user and permission.
func rateLimitKey(userID, permission string) string {
	return userID + ":" + permission
}

// MemoryRateLimiter is a process-local fixed window limiter.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
}

type windowCounter struct {
	index   int64
	count   int
	expires time.Time
}

const memoryLimiterPruneAt = 10000

// NewMemoryRateLimiter creates an in-memory limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{counters: make(map[string]*windowCounter)}
}

// Allow implements RateLimiter.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	index, resetIn := windowBounds(now, window)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || c.index != index {
		if len(l.counters) >= memoryLimiterPruneAt {
			for k, stale := range l.counters {
				if !stale.expires.After(now) {
					delete(l.counters, k)
				}
			}
		}
		c = &windowCounter{index: index, expires: now.Add(resetIn)}
		l.counters[key] = c
	}
	c.count++

	if c.count > limit {
		return false, resetIn, nil
	}
	return true, 0, nil
}

// Reset drops every counter.
func (l *MemoryRateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]*windowCounter)
}

// RedisRateLimiter shares fixed window counters across service instances.
// The counter increment and its expiry are sent in one MULTI pipeline.
type RedisRateLimiter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRateLimiter creates a limiter storing counters under prefix.
func NewRedisRateLimiter(client redis.Cmdable, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = "welfarekit:ratelimit:"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// Allow implements RateLimiter.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	index, resetIn := windowBounds(now, window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, index)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit counter: %w", err)
	}

	if incr.Val() > int64(limit) {
		return false, resetIn, nil
	}
	return true, 0, nil
}
