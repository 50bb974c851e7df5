package catalog_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/catalog"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

func newTestCache(t *testing.T, freshTTL, staleTTL time.Duration) *catalog.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	local := cache.NewMemoryCache(ctx)
	t.Cleanup(local.Close)
	remote := cache.NewExactCacheFromClient(client)

	return catalog.New(catalog.Options{
		Local:    local,
		Remote:   remote,
		FreshTTL: freshTTL,
		StaleTTL: staleTTL,
	})
}

func TestGetLoadsOnMiss(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)
	var calls int32

	load := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value-for-" + key), nil
	}

	value, freshness, err := c.Get(context.Background(), "k1", load)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != "value-for-k1" {
		t.Errorf("unexpected value %q", value)
	}
	if freshness != domain.FreshnessFresh {
		t.Errorf("expected Fresh on first load, got %v", freshness)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 load call, got %d", calls)
	}
}

func TestGetServesFreshWithoutReload(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)
	var calls int32
	load := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v"), nil
	}

	for i := 0; i < 3; i++ {
		if _, _, err := c.Get(context.Background(), "k1", load); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 load for repeated fresh reads, got %d", calls)
	}
}

func TestGetServesStaleAndTriggersRefresh(t *testing.T) {
	// FreshTTL of effectively zero so the entry is immediately stale.
	c := newTestCache(t, time.Nanosecond, time.Minute)
	var calls int32
	load := func(ctx context.Context, key string) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		return []byte{byte(n)}, nil
	}

	// First call: miss, synchronous load.
	if _, fr, err := c.Get(context.Background(), "k1", load); err != nil || fr != domain.FreshnessFresh {
		t.Fatalf("initial Get: freshness=%v err=%v", fr, err)
	}

	time.Sleep(2 * time.Millisecond)

	_, fr, err := c.Get(context.Background(), "k1", load)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fr != domain.FreshnessStale {
		t.Errorf("expected Stale on second read, got %v", fr)
	}

	// Give the background refresh goroutine a moment to run.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Error("expected a background refresh to have called load a second time")
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	c := newTestCache(t, time.Minute, time.Minute)
	var calls int32
	load := func(ctx context.Context, key string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("v"), nil
	}

	ctx := context.Background()
	if _, _, err := c.Get(ctx, "k1", load); err != nil {
		t.Fatalf("Get: %v", err)
	}
	c.Invalidate(ctx, "k1")
	if _, _, err := c.Get(ctx, "k1", load); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected reload after invalidate, got %d calls", calls)
	}
}
