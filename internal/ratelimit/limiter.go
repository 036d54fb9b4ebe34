package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RouteLimit configures a fixed window for one route scope.
type RouteLimit struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one consume attempt.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// Limiter implements per-{scope, actor} fixed-window rate limiting.
type Limiter interface {
	// Consume attempts to take one unit from the actor's window,
	// starting a fresh window when the previous one has elapsed.
	Consume(ctx context.Context, scope, actor string, limit RouteLimit) (Decision, error)

	Close() error
}

// bucket is one fixed window. Increments within a bucket are serialized
// by its own mutex so unrelated actors never contend. Each bucket carries
// the window it was opened with; scopes are configured independently, so
// staleness is always judged against the bucket's own window.
type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	window      time.Duration
	count       int
}

// MemoryLimiter keeps windows in process memory. Buckets idle for two
// full windows are garbage-collected lazily on the next map scan.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// lastSweep throttles the lazy GC scan.
	lastSweep time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryLimiter creates an in-memory fixed-window limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Consume implements Limiter.
func (l *MemoryLimiter) Consume(_ context.Context, scope, actor string, limit RouteLimit) (Decision, error) {
	if limit.Limit <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	key := scope + ":" + actor

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now, window: limit.Window}
		l.buckets[key] = b
	}
	// Lazy GC: drop buckets idle for two of their own full windows. Runs
	// at most once per window to keep the scan off the hot path.
	if now.Sub(l.lastSweep) >= limit.Window {
		l.lastSweep = now
		for k, stale := range l.buckets {
			if k == key {
				continue
			}
			stale.mu.Lock()
			idle := now.Sub(stale.windowStart) >= 2*stale.window
			stale.mu.Unlock()
			if idle {
				delete(l.buckets, k)
			}
		}
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.windowStart) >= limit.Window {
		b.windowStart = now
		b.window = limit.Window
		b.count = 0
	}

	if b.count >= limit.Limit {
		remaining := limit.Window - now.Sub(b.windowStart)
		retryAfter := int((remaining + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
	}

	b.count++
	return Decision{Allowed: true, Remaining: limit.Limit - b.count}, nil
}

// Close implements Limiter.
func (l *MemoryLimiter) Close() error {
	return nil
}

// setNow overrides the clock for tests.
func (l *MemoryLimiter) setNow(now func() time.Time) {
	l.now = now
}

// RedisLimiter keeps windows in Redis so limits hold across replicas.
// Each window is one INCR'd key that expires with the window; the key
// TTL doubles as the retry-after source.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter.
func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	return &RedisLimiter{client: redis.NewClient(opts)}, nil
}

// NewRedisLimiterWithClient wraps an existing client (used by tests).
func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Consume implements Limiter.
func (l *RedisLimiter) Consume(ctx context.Context, scope, actor string, limit RouteLimit) (Decision, error) {
	if limit.Limit <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := "cloak:rl:" + scope + ":" + actor

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	// First hit opens the window; the key expiry closes it.
	if count == 1 {
		if err := l.client.PExpire(ctx, key, limit.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	if count > int64(limit.Limit) {
		ttl, err := l.client.PTTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = limit.Window
		}
		retryAfter := int((ttl + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
	}

	return Decision{Allowed: true, Remaining: limit.Limit - int(count)}, nil
}

// Close implements Limiter.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
