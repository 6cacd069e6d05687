package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestLimiter creates a Limiter connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestAllowWithinLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "user-1", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Allow #%d = false, want true", i+1)
		}
	}

	ok, err := l.Allow(ctx, "user-1", rule)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if ok {
		t.Error("Allow over limit = true, want false")
	}
}

func TestAllowIsPerIdentifier(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow(ctx, "user-1", rule); !ok {
		t.Fatal("first request for user-1 denied")
	}
	if ok, _ := l.Allow(ctx, "user-1", rule); ok {
		t.Error("second request for user-1 allowed")
	}
	if ok, _ := l.Allow(ctx, "user-2", rule); !ok {
		t.Error("user-2 throttled by user-1's counter")
	}
}

func TestWindowExpires(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	l.Allow(ctx, "user-1", rule)
	if ok, _ := l.Allow(ctx, "user-1", rule); ok {
		t.Fatal("limit not enforced")
	}

	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "user-1", rule); !ok {
		t.Error("request denied after the window expired")
	}
}

func TestRemaining(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	n, err := l.Remaining(ctx, "user-1", rule)
	if err != nil || n != 5 {
		t.Errorf("Remaining before any request = %d, %v", n, err)
	}

	l.Allow(ctx, "user-1", rule)
	l.Allow(ctx, "user-1", rule)

	n, err = l.Remaining(ctx, "user-1", rule)
	if err != nil || n != 3 {
		t.Errorf("Remaining after two requests = %d, %v", n, err)
	}
}
