package ratelimit_test

import (
	"context"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

func TestKeyLimiterAllowsUnderEveryWindow(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	windows := ratelimit.DefaultWindows(5, 100, 10000)
	limiter := ratelimit.NewKeyLimiter(rdb, windows)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := limiter.Allow(ctx, "key-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}
}

func TestKeyLimiterBlocksOnTightestWindow(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	windows := ratelimit.DefaultWindows(2, 1000, 100000)
	limiter := ratelimit.NewKeyLimiter(rdb, windows)
	ctx := context.Background()

	limiter.Allow(ctx, "key-1")
	limiter.Allow(ctx, "key-1")
	allowed, window, err := limiter.Allow(ctx, "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected third request to be blocked by the 1s window")
	}
	if window != "1s" {
		t.Errorf("expected blocking window to be 1s, got %q", window)
	}
}

func TestKeyLimiterIsolatesKeys(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	windows := ratelimit.DefaultWindows(1, 1000, 100000)
	limiter := ratelimit.NewKeyLimiter(rdb, windows)
	ctx := context.Background()

	allowedA, _, _ := limiter.Allow(ctx, "key-a")
	allowedB, _, _ := limiter.Allow(ctx, "key-b")
	if !allowedA || !allowedB {
		t.Error("distinct api keys should not share a rate-limit bucket")
	}
}

func TestKeyLimiterFailsOpenOnRedisError(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // close immediately so subsequent calls fail

	windows := ratelimit.DefaultWindows(1, 1, 1)
	limiter := ratelimit.NewKeyLimiter(rdb, windows)

	allowed, _, err := limiter.Allow(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("expected fail-open with nil error, got %v", err)
	}
	if !allowed {
		t.Error("expected fail-open to allow the request when Redis is unavailable")
	}
}
