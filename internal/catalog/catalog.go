// Package catalog implements CatalogCache: a two-tier (in-process +
// distributed) cache with a single stale-while-revalidate freshness policy.
// It composes internal/cache's existing Cache implementations — MemoryCache
// as the local tier, ExactCache (Redis) as the shared tier — instead of
// replacing them, and adds the freshness/refresh semantics neither of those
// implementations has on its own.
//
// Concurrent Get calls for the same missing or expired key share one
// in-flight fill via golang.org/x/sync/singleflight, the same dependency
// family the gateway already uses for errgroup-based lifecycle management.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

// Loader fetches the authoritative value for key when both cache tiers miss
// or every tier's entry has aged past its stale window.
type Loader func(ctx context.Context, key string) ([]byte, error)

// Cache is the two-tier, stale-while-revalidate catalog cache.
type Cache struct {
	local  cache.Cache
	remote cache.Cache // nil when running without Redis

	freshTTL time.Duration
	staleTTL time.Duration

	log *slog.Logger
	sf  singleflight.Group
}

// Options configures a Cache.
type Options struct {
	// Local is the process-local tier (normally internal/cache.MemoryCache).
	// Required.
	Local cache.Cache
	// Remote is the shared tier (normally internal/cache.ExactCache backed
	// by Redis). May be nil to run local-only.
	Remote cache.Cache
	// FreshTTL is how long an entry is served without triggering a
	// background refresh.
	FreshTTL time.Duration
	// StaleTTL is how much longer, past FreshTTL, an entry may still be
	// served while a refresh runs in the background. After FreshTTL+StaleTTL
	// the entry is a full miss and Get blocks on a synchronous load.
	StaleTTL time.Duration
	Log      *slog.Logger
}

// New constructs a Cache. Local must not be nil.
func New(opts Options) *Cache {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	freshTTL := opts.FreshTTL
	if freshTTL <= 0 {
		freshTTL = 5 * time.Minute
	}
	staleTTL := opts.StaleTTL
	if staleTTL <= 0 {
		staleTTL = 10 * time.Minute
	}
	return &Cache{
		local:    opts.Local,
		remote:   opts.Remote,
		freshTTL: freshTTL,
		staleTTL: staleTTL,
		log:      log,
	}
}

// Get returns the cached value for key, classified as fresh, stale, or a
// miss. On a miss (including the very first call for key) it blocks and
// calls load once, sharing the in-flight call across concurrent callers for
// the same key. On a stale hit it returns the stale value immediately and
// kicks off an async refresh so the next caller sees a fresh entry.
func (c *Cache) Get(ctx context.Context, key string, load Loader) ([]byte, domain.Freshness, error) {
	entry, ok := c.read(ctx, key)
	if ok {
		switch entry.Classify(time.Now()) {
		case domain.FreshnessFresh:
			return entry.Value, domain.FreshnessFresh, nil
		case domain.FreshnessStale:
			c.refreshAsync(key, load)
			return entry.Value, domain.FreshnessStale, nil
		}
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return load(ctx, key)
	})
	if err != nil {
		return nil, domain.FreshnessMiss, err
	}
	value := v.([]byte)
	c.store(ctx, key, value)
	return value, domain.FreshnessFresh, nil
}

// Invalidate drops key from both tiers, forcing the next Get to load fresh.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	_ = c.local.Delete(ctx, key)
	if c.remote != nil {
		_ = c.remote.Delete(ctx, key)
	}
}

func (c *Cache) read(ctx context.Context, key string) (domain.CacheEntry, bool) {
	if raw, ok := c.local.Get(ctx, key); ok {
		if entry, ok := decode(raw); ok {
			return entry, true
		}
	}
	if c.remote == nil {
		return domain.CacheEntry{}, false
	}
	raw, ok := c.remote.Get(ctx, key)
	if !ok {
		return domain.CacheEntry{}, false
	}
	entry, ok := decode(raw)
	if !ok {
		return domain.CacheEntry{}, false
	}
	// Backfill the local tier so the next request on this instance doesn't
	// need the round trip to Redis.
	c.writeLocal(ctx, key, entry)
	return entry, true
}

func (c *Cache) store(ctx context.Context, key string, value []byte) {
	entry := domain.CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: time.Now(),
		FreshTTL: c.freshTTL,
		// domain.CacheEntry.StaleTTL is the absolute age at which an entry
		// is evicted; c.staleTTL is Options' relative "how much longer past
		// FreshTTL" knob, so convert here at the one construction site.
		StaleTTL: c.freshTTL + c.staleTTL,
	}
	c.writeLocal(ctx, key, entry)
	if c.remote != nil {
		if raw, err := json.Marshal(entry); err == nil {
			_ = c.remote.Set(ctx, key, raw, c.freshTTL+c.staleTTL)
		}
	}
}

func (c *Cache) writeLocal(ctx context.Context, key string, entry domain.CacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.local.Set(ctx, key, raw, c.freshTTL+c.staleTTL)
}

func decode(raw []byte) (domain.CacheEntry, bool) {
	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.CacheEntry{}, false
	}
	return entry, true
}

// refreshAsync triggers a background reload of key, deduplicated via
// singleflight so multiple stale reads for the same key in quick succession
// only cause one upstream fetch. It runs detached from the request that
// triggered it — the caller already got its (stale) answer — so it uses a
// fresh context bounded by its own timeout rather than the request's.
func (c *Cache) refreshAsync(key string, load Loader) {
	refreshKey := "refresh:" + key
	go func() {
		_, _, _ = c.sf.Do(refreshKey, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			value, err := load(ctx, key)
			if err != nil {
				c.log.WarnContext(ctx, "catalog_refresh_failed", slog.String("key", key), slog.String("error", err.Error()))
				return nil, err
			}
			c.store(ctx, key, value)
			return value, nil
		})
	}()
}
