package health_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/health"
)

func TestRegisterAndProbeRecordsHealth(t *testing.T) {
	var calls int32
	prober := func(ctx context.Context, provider, canonicalID string) (bool, int64, error) {
		atomic.AddInt32(&calls, 1)
		return true, 12, nil
	}

	tracker := health.New(nil, prober, health.Config{}, nil)
	tracker.Register("openai", "gpt-4-class-large", domain.TierCritical)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	defer tracker.Close()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected at least one probe to run")
	}

	record, ok := tracker.Record("openai", "gpt-4-class-large")
	if !ok {
		t.Fatal("expected a recorded health result")
	}
	if !record.Healthy {
		t.Error("expected healthy record")
	}
}

func TestUnhealthyProbeIsRecorded(t *testing.T) {
	prober := func(ctx context.Context, provider, canonicalID string) (bool, int64, error) {
		return false, 999, nil
	}
	tracker := health.New(nil, prober, health.Config{}, nil)
	tracker.Register("anthropic", "claude-class-large", domain.TierPopular)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	defer tracker.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := tracker.Record("anthropic", "claude-class-large"); ok && !r.Healthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected unhealthy record to appear")
}

func TestSnapshotIncludesAllRegisteredPairs(t *testing.T) {
	prober := func(ctx context.Context, provider, canonicalID string) (bool, int64, error) {
		return true, 1, nil
	}
	tracker := health.New(nil, prober, health.Config{}, nil)
	tracker.Register("openai", "model-a", domain.TierCritical)
	tracker.Register("anthropic", "model-b", domain.TierStandard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	defer tracker.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tracker.Snapshot()) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected snapshot to eventually include both pairs")
}

func TestRetierPromotesHighUsagePairToCritical(t *testing.T) {
	prober := func(ctx context.Context, provider, canonicalID string) (bool, int64, error) {
		return true, 1, nil
	}
	tracker := health.New(nil, prober, health.Config{RetierInterval: 30 * time.Millisecond}, nil)

	const n = 25
	for i := 0; i < n; i++ {
		tracker.Register("p", fmt.Sprintf("m-%d", i), domain.TierStandard)
	}
	for i := 0; i < n; i++ {
		tracker.Observe("p", fmt.Sprintf("m-%d", i), true, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	defer tracker.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tracker.Observe("p", "m-0", true, 1)
		if r, ok := tracker.Record("p", "m-0"); ok && r.Tier == domain.TierCritical {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected m-0 to be promoted to TierCritical after repeated usage")
}

func TestRetierDemotesUnusedPairToOnDemand(t *testing.T) {
	prober := func(ctx context.Context, provider, canonicalID string) (bool, int64, error) {
		return true, 1, nil
	}
	tracker := health.New(nil, prober, health.Config{RetierInterval: 30 * time.Millisecond}, nil)
	tracker.Register("p", "unused", domain.TierCritical)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)
	defer tracker.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := tracker.Record("p", "unused"); ok && r.Tier == domain.TierOnDemand {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected a never-observed pair to be demoted to TierOnDemand")
}
