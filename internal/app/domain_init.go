package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	npCache "github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/catalog"
	"github.com/nulpointcorp/inference-gateway/internal/circuitbreaker"
	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/health"
	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/pricing"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/selector"
	"github.com/nulpointcorp/inference-gateway/internal/store"
	chstore "github.com/nulpointcorp/inference-gateway/internal/store/clickhouse"
	sqlstore "github.com/nulpointcorp/inference-gateway/internal/store/sql"
)

// initDomain constructs the routing engine's domain components — registry,
// circuit breaker, selector, pricing, credit ledger, health tracker, rate
// limiter — and the inference.Handler that wires them all into one request
// pipeline. It runs after initProviders (needs a.provs for the health
// prober) and before initGateway (which injects the finished Handler into
// the HTTP adapter).
func (a *App) initDomain(ctx context.Context) error {
	a.catalogLocal = npCache.NewMemoryCache(a.baseCtx)
	var catalogRemote npCache.Cache
	if a.rdb != nil {
		catalogRemote = npCache.NewExactCacheFromClient(a.rdb)
	}
	a.catalogCache = catalog.New(catalog.Options{
		Local:    a.catalogLocal,
		Remote:   catalogRemote,
		FreshTTL: a.cfg.Registry.CatalogFreshTTL,
		StaleTTL: a.cfg.Registry.CatalogStaleTTL,
		Log:      a.log,
	})

	models, err := a.loadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load canonical catalog: %w", err)
	}
	a.registry = registry.New(models)
	a.log.Info("canonical catalog loaded", slog.Int("models", len(models)))

	cb := circuitbreaker.New(circuitbreaker.Config{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
	sel := selector.New(cb)
	pricer := pricing.New()

	switch a.cfg.Credit.SQLDriver {
	case "postgres":
		a.sqlStore, err = sqlstore.NewPostgres(a.cfg.Credit.SQLDSN)
	default:
		a.sqlStore, err = sqlstore.NewSQLite(a.cfg.Credit.SQLDSN)
	}
	if err != nil {
		return fmt.Errorf("open credit sql store: %w", err)
	}

	var txSink interface {
		RecordTransaction(context.Context, credit.Transaction) error
	} = noopTransactionSink{}
	if len(a.cfg.Credit.ClickHouseAddr) > 0 {
		ch, err := chstore.New(ctx, chstore.Options{
			Addr:     a.cfg.Credit.ClickHouseAddr,
			Database: a.cfg.Credit.ClickHouseDatabase,
			Username: a.cfg.Credit.ClickHouseUsername,
			Password: a.cfg.Credit.ClickHousePassword,
		}, a.log)
		if err != nil {
			return fmt.Errorf("open clickhouse store: %w", err)
		}
		a.chStore = ch
		txSink = ch
	} else {
		a.log.Info("clickhouse analytics sink disabled (no CLICKHOUSE_ADDR configured)")
	}

	ledger := store.NewLedger(a.sqlStore, txSink)
	guard := credit.New(ledger, a.sqlStore, credit.Config{
		SettleRetries: a.cfg.Credit.SettleMaxRetries,
	})

	a.authn = auth.New(a.sqlStore.LookupUser)

	healthCfg := health.Config{
		MaxConcurrentProbes:  a.cfg.HealthTracker.MaxConcurrentProbes,
		LeaseTTL:             a.cfg.HealthTracker.LeaseTTL,
		ProbeTimeout:         a.cfg.HealthTracker.ProbeTimeout,
		TierCriticalInterval: a.cfg.HealthTracker.TierCriticalInterval,
		TierPopularInterval:  a.cfg.HealthTracker.TierPopularInterval,
		TierStandardInterval: a.cfg.HealthTracker.TierStandardInterval,
		TierOnDemandInterval: a.cfg.HealthTracker.TierOnDemandInterval,
		RetierInterval:       a.cfg.HealthTracker.RetierInterval,
	}
	prober := func(ctx context.Context, providerSlug, canonicalID string) (bool, int64, error) {
		prov, ok := a.provs[providerSlug]
		if !ok {
			return false, 0, fmt.Errorf("provider %q not configured", providerSlug)
		}
		start := time.Now()
		err := prov.HealthCheck(ctx)
		return err == nil, time.Since(start).Milliseconds(), err
	}
	a.healthTracker = health.New(a.rdb, prober, healthCfg, a.log)
	for _, m := range models {
		for _, b := range m.Bindings {
			a.healthTracker.Register(b.ProviderSlug, m.CanonicalID, domain.TierStandard)
		}
	}
	a.domainDone = make(chan struct{})
	go a.healthTracker.Run(a.baseCtx)

	var limiter *ratelimit.KeyLimiter
	if a.rdb != nil {
		windows := ratelimit.DefaultWindows(
			a.cfg.KeyRateLimit.PerSecond, a.cfg.KeyRateLimit.PerMinute, a.cfg.KeyRateLimit.PerDay,
		)
		hasLimit := false
		for _, w := range windows {
			if w.Limit > 0 {
				hasLimit = true
			}
		}
		if hasLimit {
			limiter = ratelimit.NewKeyLimiter(a.rdb, windows)
		}
	}

	var recorder inference.RequestRecorder
	if a.chStore != nil {
		recorder = chRequestRecorder{store: a.chStore}
	}

	a.infer = inference.New(inference.Config{
		Registry:        a.registry,
		Selector:        sel,
		CircuitBreaker:  cb,
		Pricing:         pricer,
		Credit:          guard,
		Health:          a.healthTracker,
		Limiter:         limiter,
		Recorder:        recorder,
		Providers:       a.provs,
		Log:             a.log,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
	})

	go a.syncRegistry(a.baseCtx)

	return nil
}

// catalogCacheKey is the single key the full catalog document is cached
// under — there is exactly one catalog, so one key is all CatalogCache ever
// needs to track for this use.
const catalogCacheKey = "catalog:v2:all"

// loadCatalog fetches and parses the canonical model catalog through
// a.catalogCache, which handles the stale-while-revalidate policy and
// single-flight fill across concurrent callers (the initial load here and
// every syncRegistry tick).
func (a *App) loadCatalog(ctx context.Context) ([]domain.CanonicalModel, error) {
	data, _, err := a.catalogCache.Get(ctx, catalogCacheKey, registry.FetchCatalogBytes)
	if err != nil {
		return nil, err
	}
	return registry.ParseCatalog(data)
}

// syncRegistry periodically reloads the canonical catalog and atomically
// swaps it into the live registry, so a catalog update (new model, revised
// pricing) takes effect without a restart.
func (a *App) syncRegistry(ctx context.Context) {
	interval := a.cfg.Registry.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.catalogCache.Invalidate(ctx, catalogCacheKey)
			models, err := a.loadCatalog(ctx)
			if err != nil {
				a.log.Warn("registry sync failed", slog.String("error", err.Error()))
				continue
			}
			a.registry.Load(models)
		case <-ctx.Done():
			return
		case <-a.domainDone:
			return
		}
	}
}

// noopTransactionSink discards transaction audit rows when no ClickHouse
// sink is configured — the balance write (the half that matters to the
// caller) still goes through the SQL store unaffected.
type noopTransactionSink struct{}

func (noopTransactionSink) RecordTransaction(context.Context, credit.Transaction) error { return nil }

// chRequestRecorder adapts chstore.Store to inference.RequestRecorder,
// translating domain.Attempt into the chat_completion_requests row shape.
type chRequestRecorder struct {
	store *chstore.Store
}

func (r chRequestRecorder) RecordRequest(canonicalID, userID string, a domain.Attempt) {
	r.store.RecordRequest(chstore.RequestRecord{
		RequestID:       a.RequestID,
		UserID:          userID,
		CanonicalID:     canonicalID,
		ProviderSlug:    a.ProviderSlug,
		UpstreamModelID: a.UpstreamModelID,
		Outcome:         a.Outcome,
		StatusCode:      int32(a.StatusCode),
		LatencyMs:       a.LatencyMs,
		InputTokens:     a.InputTokens,
		OutputTokens:    a.OutputTokens,
		Cost:            a.Cost.String(),
		AttemptedAt:     a.AttemptedAt,
	})
}
