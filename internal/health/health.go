// Package health implements HealthTracker: a tiered probe scheduler for
// (provider, canonical_id) pairs. Unlike internal/proxy/healthchecker.go —
// which probes every configured provider on one fixed 30s interval for the
// liveness/readiness endpoints — HealthTracker probes each pair at a
// frequency proportional to how much traffic it carries, and coordinates
// across gateway instances so only one replica probes a given pair at a
// time.
package health

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

// TierIntervals gives the default probe frequency for each tier, used when
// Config leaves the corresponding TierXInterval at zero. A critical model
// (top of the 24h-usage distribution) is probed far more often than one used
// only occasionally.
var TierIntervals = map[domain.HealthTier]time.Duration{
	domain.TierCritical: 5 * time.Minute,
	domain.TierPopular:  30 * time.Minute,
	domain.TierStandard: 2 * time.Hour,
	domain.TierOnDemand: 4 * time.Hour,
}

// Usage-tier population split: the top criticalShare of pairs by 24h request
// volume are TierCritical, the next popularShare are TierPopular, the rest
// with any volume at all are TierStandard, and zero-usage pairs are
// TierOnDemand regardless of share.
const (
	criticalShare = 0.05
	popularShare  = 0.20
)

// usageBucketCount is how many hourly buckets Observe rolls request counts
// into — 24, one per hour, so the retier pass always has a true trailing-24h
// window instead of a single cumulative counter that never ages out.
const usageBucketCount = 24

// Prober performs one liveness probe against a (provider, canonical_id)
// pair, returning its health and observed latency.
type Prober func(ctx context.Context, providerSlug, canonicalID string) (healthy bool, latencyMs int64, err error)

// Config tunes the Tracker.
type Config struct {
	// MaxConcurrentProbes bounds how many probes run at once across the
	// whole tracker. Default 20.
	MaxConcurrentProbes int
	// LeaseTTL is how long a Redis SETNX lease on one pair is held, long
	// enough to cover a single probe's timeout. Default 60s.
	LeaseTTL time.Duration
	// ProbeTimeout bounds a single Prober call.
	ProbeTimeout time.Duration

	// TierCriticalInterval, TierPopularInterval, TierStandardInterval, and
	// TierOnDemandInterval override TierIntervals' package defaults (5m /
	// 30m / 2h / 4h) per tier. Zero keeps the default for that tier.
	TierCriticalInterval time.Duration
	TierPopularInterval  time.Duration
	TierStandardInterval time.Duration
	TierOnDemandInterval time.Duration

	// RetierInterval is how often the tracker recomputes each pair's usage
	// tier from its trailing 24h request volume. Default 5m.
	RetierInterval time.Duration
}

func (c Config) retierInterval() time.Duration {
	if c.RetierInterval > 0 {
		return c.RetierInterval
	}
	return 5 * time.Minute
}

// tierIntervals resolves the effective per-tier probe interval, falling back
// to the package-level TierIntervals default for any tier Config leaves at
// zero.
func (c Config) tierIntervals() map[domain.HealthTier]time.Duration {
	resolved := map[domain.HealthTier]time.Duration{
		domain.TierCritical: TierIntervals[domain.TierCritical],
		domain.TierPopular:  TierIntervals[domain.TierPopular],
		domain.TierStandard: TierIntervals[domain.TierStandard],
		domain.TierOnDemand: TierIntervals[domain.TierOnDemand],
	}
	if c.TierCriticalInterval > 0 {
		resolved[domain.TierCritical] = c.TierCriticalInterval
	}
	if c.TierPopularInterval > 0 {
		resolved[domain.TierPopular] = c.TierPopularInterval
	}
	if c.TierStandardInterval > 0 {
		resolved[domain.TierStandard] = c.TierStandardInterval
	}
	if c.TierOnDemandInterval > 0 {
		resolved[domain.TierOnDemand] = c.TierOnDemandInterval
	}
	return resolved
}

func (c Config) maxConcurrentProbes() int {
	if c.MaxConcurrentProbes > 0 {
		return c.MaxConcurrentProbes
	}
	return 20
}

func (c Config) leaseTTL() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return 60 * time.Second
}

func (c Config) probeTimeout() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return 5 * time.Second
}

type pairKey struct {
	provider    string
	canonicalID string
}

// usageCounter rolls request counts into 24 hourly buckets so sum() always
// reflects a trailing 24h window instead of a cumulative count that never
// ages out. advance clears any bucket the clock has passed since the last
// observation before crediting the current hour.
type usageCounter struct {
	buckets  [usageBucketCount]int64
	lastHour int64 // Unix hour of the most recent advance; 0 means unset
}

func (u *usageCounter) advance(hour int64) {
	if u.lastHour == 0 {
		u.lastHour = hour
		return
	}
	span := hour - u.lastHour
	if span <= 0 {
		return
	}
	if span > usageBucketCount {
		span = usageBucketCount
	}
	for i := int64(1); i <= span; i++ {
		u.buckets[(u.lastHour+i)%usageBucketCount] = 0
	}
	u.lastHour = hour
}

func (u *usageCounter) record(now time.Time) {
	hour := now.Unix() / 3600
	u.advance(hour)
	u.buckets[hour%usageBucketCount]++
}

func (u *usageCounter) sum(now time.Time) int64 {
	u.advance(now.Unix() / 3600)
	var total int64
	for _, b := range u.buckets {
		total += b
	}
	return total
}

// scheduledItem is one entry in the due-probe priority queue.
type scheduledItem struct {
	key         pairKey
	tier        domain.HealthTier
	nextProbeAt time.Time
	index       int // heap.Interface bookkeeping
}

type probeQueue []*scheduledItem

func (q probeQueue) Len() int            { return len(q) }
func (q probeQueue) Less(i, j int) bool  { return q[i].nextProbeAt.Before(q[j].nextProbeAt) }
func (q probeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *probeQueue) Push(x interface{}) {
	item := x.(*scheduledItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *probeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Tracker schedules and runs tiered health probes, coordinating across
// instances via Redis leases so the same pair isn't probed redundantly by
// every replica at once.
type Tracker struct {
	rdb    *redis.Client // may be nil to run single-instance, lease-free
	prober Prober
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	queue   probeQueue
	items   map[pairKey]*scheduledItem
	records map[pairKey]domain.HealthRecord
	usage   map[pairKey]*usageCounter

	intervals map[domain.HealthTier]time.Duration

	sem  chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Tracker. rdb may be nil (no cross-instance lease
// coordination — fine for a single-replica deployment).
func New(rdb *redis.Client, prober Prober, cfg Config, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		rdb:       rdb,
		prober:    prober,
		cfg:       cfg,
		log:       log,
		items:     make(map[pairKey]*scheduledItem),
		records:   make(map[pairKey]domain.HealthRecord),
		usage:     make(map[pairKey]*usageCounter),
		intervals: cfg.tierIntervals(),
		sem:       make(chan struct{}, cfg.maxConcurrentProbes()),
		done:      make(chan struct{}),
	}
}

// Register adds (or re-tiers) a pair to the schedule, due for its first
// probe immediately.
func (t *Tracker) Register(providerSlug, canonicalID string, tier domain.HealthTier) {
	key := pairKey{providerSlug, canonicalID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if item, ok := t.items[key]; ok {
		item.tier = tier
		return
	}
	item := &scheduledItem{key: key, tier: tier, nextProbeAt: time.Now()}
	t.items[key] = item
	heap.Push(&t.queue, item)
}

// SetTier updates the tier of an already-registered pair without resetting
// its schedule, used when usage-based re-tiering promotes or demotes a
// pair.
func (t *Tracker) SetTier(providerSlug, canonicalID string, tier domain.HealthTier) {
	key := pairKey{providerSlug, canonicalID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.items[key]; ok {
		item.tier = tier
	}
}

// Record returns the last known HealthRecord for a pair.
func (t *Tracker) Record(providerSlug, canonicalID string) (domain.HealthRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[pairKey{providerSlug, canonicalID}]
	return r, ok
}

// Observe feeds a live request outcome into the same record the scheduled
// prober writes, so a pair's health reflects real traffic between probe
// cycles instead of only the last synthetic check. Unregistered pairs are
// recorded at TierOnDemand until Register assigns a real tier.
func (t *Tracker) Observe(providerSlug, canonicalID string, healthy bool, latencyMs int64) {
	key := pairKey{providerSlug, canonicalID}

	t.mu.Lock()
	defer t.mu.Unlock()

	counter, ok := t.usage[key]
	if !ok {
		counter = &usageCounter{}
		t.usage[key] = counter
	}
	counter.record(time.Now())

	tier := domain.TierOnDemand
	if item, ok := t.items[key]; ok {
		tier = item.tier
	}
	prev := t.records[key]
	consecutive := 1
	if prev.Healthy == healthy {
		consecutive = prev.Consecutive + 1
	}
	t.records[key] = domain.HealthRecord{
		ProviderSlug: providerSlug,
		CanonicalID:  canonicalID,
		Tier:         tier,
		Healthy:      healthy,
		LastProbedAt: time.Now(),
		NextProbeAt:  prev.NextProbeAt,
		LatencyMs:    latencyMs,
		Consecutive:  consecutive,
	}
}

// Snapshot returns every tracked pair's current HealthRecord.
func (t *Tracker) Snapshot() []domain.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.HealthRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Run drives the scheduler until ctx is cancelled or Close is called. It is
// meant to run in its own goroutine for the lifetime of the process.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	retier := time.NewTicker(t.cfg.retierInterval())
	defer retier.Stop()
	for {
		select {
		case <-ticker.C:
			t.tick(ctx)
		case <-retier.C:
			t.retier()
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// retier recomputes each registered pair's tier from its trailing 24h
// request volume: the top criticalShare by volume become TierCritical, the
// next popularShare TierPopular, the remainder with any usage at all
// TierStandard, and pairs with zero usage in the window TierOnDemand —
// regardless of rank, since a pair nobody is calling doesn't belong in a
// frequently-probed tier no matter how the population happens to split.
func (t *Tracker) retier() {
	now := time.Now()

	type ranked struct {
		key   pairKey
		usage int64
	}

	t.mu.Lock()
	ranked_ := make([]ranked, 0, len(t.items))
	for key := range t.items {
		var usage int64
		if counter, ok := t.usage[key]; ok {
			usage = counter.sum(now)
		}
		ranked_ = append(ranked_, ranked{key: key, usage: usage})
	}
	t.mu.Unlock()

	sort.Slice(ranked_, func(i, j int) bool { return ranked_[i].usage > ranked_[j].usage })

	active := 0
	for _, r := range ranked_ {
		if r.usage > 0 {
			active++
		}
	}
	criticalCutoff := int(float64(active) * criticalShare)
	popularCutoff := int(float64(active) * (criticalShare + popularShare))

	for i, r := range ranked_ {
		var tier domain.HealthTier
		switch {
		case r.usage == 0:
			tier = domain.TierOnDemand
		case i < criticalCutoff:
			tier = domain.TierCritical
		case i < popularCutoff:
			tier = domain.TierPopular
		default:
			tier = domain.TierStandard
		}
		t.SetTier(r.key.provider, r.key.canonicalID, tier)
	}
}

// Close stops any in-flight Run loop's owner from scheduling further probes.
// Callers should also cancel the context passed to Run.
func (t *Tracker) Close() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.wg.Wait()
}

func (t *Tracker) tick(ctx context.Context) {
	now := time.Now()
	var due []*scheduledItem

	t.mu.Lock()
	for t.queue.Len() > 0 && t.queue[0].nextProbeAt.Before(now) {
		item := heap.Pop(&t.queue).(*scheduledItem)
		due = append(due, item)
	}
	t.mu.Unlock()

	for _, item := range due {
		item := item
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.runProbe(ctx, item)

			t.mu.Lock()
			item.nextProbeAt = time.Now().Add(t.intervalFor(item.tier))
			heap.Push(&t.queue, item)
			t.mu.Unlock()
		}()
	}
}

func (t *Tracker) intervalFor(tier domain.HealthTier) time.Duration {
	if d, ok := t.intervals[tier]; ok {
		return d
	}
	return t.intervals[domain.TierStandard]
}

func (t *Tracker) runProbe(ctx context.Context, item *scheduledItem) {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return
	}

	if !t.acquireLease(ctx, item.key) {
		return // another instance owns this probe cycle
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.probeTimeout())
	defer cancel()

	start := time.Now()
	healthy, latencyMs, err := t.prober(probeCtx, item.key.provider, item.key.canonicalID)
	if err != nil {
		healthy = false
		latencyMs = time.Since(start).Milliseconds()
	}

	t.mu.Lock()
	prev := t.records[item.key]
	consecutive := 1
	if prev.Healthy == healthy {
		consecutive = prev.Consecutive + 1
	}
	t.records[item.key] = domain.HealthRecord{
		ProviderSlug: item.key.provider,
		CanonicalID:  item.key.canonicalID,
		Tier:         item.tier,
		Healthy:      healthy,
		LastProbedAt: start,
		NextProbeAt:  start.Add(t.intervalFor(item.tier)),
		LatencyMs:    latencyMs,
		Consecutive:  consecutive,
	}
	t.mu.Unlock()

	if !healthy {
		t.log.WarnContext(ctx, "health_probe_unhealthy",
			slog.String("provider", item.key.provider),
			slog.String("canonical_id", item.key.canonicalID),
			slog.Int64("latency_ms", latencyMs),
		)
	}
}

// acquireLease attempts to claim the right to probe key on this instance.
// Without Redis configured, every instance is assumed to be the only one
// and the lease always succeeds.
func (t *Tracker) acquireLease(ctx context.Context, key pairKey) bool {
	if t.rdb == nil {
		return true
	}
	leaseKey := "health:lease:" + key.provider + ":" + key.canonicalID
	ok, err := t.rdb.SetNX(ctx, leaseKey, "1", t.cfg.leaseTTL()).Result()
	if err != nil {
		// Redis unavailable — degrade to "every instance probes", which is
		// wasteful but never silently stops health checking.
		return true
	}
	return ok
}
