package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewMemoryLimiter()
	l.setNow(func() time.Time { return now })

	limit := RouteLimit{Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, "scope", "0xactor", limit)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("consume %d denied, want allowed", i)
		}
	}

	d, err := l.Consume(ctx, "scope", "0xactor", limit)
	if err != nil {
		t.Fatalf("consume over limit: %v", err)
	}
	if d.Allowed {
		t.Fatal("third consume allowed, want denied")
	}
	if d.RetryAfterSeconds <= 0 {
		t.Errorf("retry_after = %d, want > 0", d.RetryAfterSeconds)
	}

	// Other actors progress independently.
	d, _ = l.Consume(ctx, "scope", "0xother", limit)
	if !d.Allowed {
		t.Fatal("independent actor denied")
	}

	// Window reset grants a fresh allowance.
	now = now.Add(time.Minute)
	d, _ = l.Consume(ctx, "scope", "0xactor", limit)
	if !d.Allowed {
		t.Fatal("consume after window reset denied, want allowed")
	}
}

func TestMemoryLimiterRetryAfterCeiling(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewMemoryLimiter()
	l.setNow(func() time.Time { return now })

	limit := RouteLimit{Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	l.Consume(ctx, "s", "a", limit)
	now = now.Add(7500 * time.Millisecond)

	d, _ := l.Consume(ctx, "s", "a", limit)
	if d.Allowed {
		t.Fatal("consume within window allowed, want denied")
	}
	// ceil(2.5s) = 3
	if d.RetryAfterSeconds != 3 {
		t.Errorf("retry_after = %d, want 3", d.RetryAfterSeconds)
	}
}

func TestMemoryLimiterConcurrentActors(t *testing.T) {
	l := NewMemoryLimiter()
	limit := RouteLimit{Limit: 50, Window: time.Minute}
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make([]int, 4)
	actors := []string{"a", "b", "c", "d"}
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d, err := l.Consume(ctx, "s", actor, limit)
				if err != nil {
					t.Error(err)
					return
				}
				if d.Allowed {
					allowed[i]++
				}
			}
		}(i, actor)
	}
	wg.Wait()

	for i, n := range allowed {
		if n != 50 {
			t.Errorf("actor %s allowed %d of 100, want exactly 50", actors[i], n)
		}
	}
}

func TestMemoryLimiterLazyGC(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewMemoryLimiter()
	l.setNow(func() time.Time { return now })

	limit := RouteLimit{Limit: 5, Window: time.Second}
	ctx := context.Background()

	l.Consume(ctx, "s", "stale", limit)

	// Two full windows later a consume for another actor sweeps the
	// stale bucket out.
	now = now.Add(3 * time.Second)
	l.Consume(ctx, "s", "fresh", limit)

	l.mu.Lock()
	_, staleAlive := l.buckets["s:stale"]
	l.mu.Unlock()
	if staleAlive {
		t.Error("stale bucket survived two full windows")
	}
}

func TestMemoryLimiterGCKeepsMixedWindowBuckets(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewMemoryLimiter()
	l.setNow(func() time.Time { return now })

	long := RouteLimit{Limit: 1, Window: 10 * time.Minute}
	short := RouteLimit{Limit: 100, Window: time.Second}
	ctx := context.Background()

	// Exhaust the long-window scope.
	l.Consume(ctx, "slow", "0xactor", long)

	// Traffic on a short-window scope 30s later triggers the sweep. The
	// long-window bucket is mid-window and must not be judged stale by
	// the short scope's window.
	now = now.Add(30 * time.Second)
	l.Consume(ctx, "fast", "0xactor", short)
	l.Consume(ctx, "fast", "0xactor", short)

	d, err := l.Consume(ctx, "slow", "0xactor", long)
	if err != nil {
		t.Fatalf("consume long scope: %v", err)
	}
	if d.Allowed {
		t.Fatal("long-window scope allowed mid-window, want denied")
	}

	// The long bucket still releases once its own window elapses.
	now = now.Add(10 * time.Minute)
	d, _ = l.Consume(ctx, "slow", "0xactor", long)
	if !d.Allowed {
		t.Fatal("long-window scope denied after its window elapsed")
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLimiterWithClient(client)
	defer l.Close()

	limit := RouteLimit{Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, "scope", "0xactor", limit)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("consume %d denied, want allowed", i)
		}
	}

	d, err := l.Consume(ctx, "scope", "0xactor", limit)
	if err != nil {
		t.Fatalf("consume over limit: %v", err)
	}
	if d.Allowed {
		t.Fatal("third consume allowed, want denied")
	}
	if d.RetryAfterSeconds <= 0 {
		t.Errorf("retry_after = %d, want > 0", d.RetryAfterSeconds)
	}

	// Expiring the window key grants a fresh allowance.
	mr.FastForward(time.Minute)
	d, err = l.Consume(ctx, "scope", "0xactor", limit)
	if err != nil {
		t.Fatalf("consume after window: %v", err)
	}
	if !d.Allowed {
		t.Fatal("consume after window expiry denied, want allowed")
	}
}
