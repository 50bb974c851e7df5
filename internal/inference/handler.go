// Package inference orchestrates one inbound request end to end: resolve
// the canonical model, rate-limit the caller, build a failover chain,
// reserve credit against an estimate priced on the chain's first binding,
// attempt each binding in turn recording
// circuit-breaker and health outcomes, settle the real cost, and return the
// response. It generalizes internal/proxy/gateway.go's dispatchChat/
// dispatchEmbeddings request lifecycle (parse → route → rate-limit →
// dispatch-with-failover → respond → log) into the routing engine's richer
// pipeline; proxy.Gateway remains the thin HTTP-to-domain adapter that calls
// into this package.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/circuitbreaker"
	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/health"
	"github.com/nulpointcorp/inference-gateway/internal/money"
	"github.com/nulpointcorp/inference-gateway/internal/pricing"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/selector"
)

// ErrModelUnknown is returned when the registry has no canonical model for
// the requested name.
var ErrModelUnknown = errors.New("inference: unknown model")

// ErrNoProviderAvailable is returned when every binding in a model's chain
// is disabled or circuit-broken, leaving no chain to attempt. When every
// attempt in a non-empty chain fails, Execute returns the last attempt's
// error instead.
var ErrNoProviderAvailable = errors.New("inference: no provider available")

// ErrRateLimited is returned when the caller's api_key_id has exceeded one
// of its configured rate-limit windows.
type ErrRateLimited struct{ Window string }

func (e *ErrRateLimited) Error() string { return "inference: rate limited on window " + e.Window }

// charsPerToken is the same rough token-estimate ratio
// internal/proxy/gateway.go's writeSSE fallback uses for streaming usage
// when a provider doesn't report a final usage frame: ~4 characters per
// token. Reserve uses the identical ratio to estimate pre-flight cost from
// the request body before any tokens have actually been counted.
const charsPerToken = 4

// defaultMaxOutputTokens is the max_output_tokens Reserve estimates against
// when the caller didn't send one — the same ceiling most providers apply
// themselves absent an explicit max_tokens.
const defaultMaxOutputTokens = 4096

// Result is what Execute returns on success.
type Result struct {
	Response     *providers.ProxyResponse
	ProviderSlug string
	Attempt      domain.Attempt
}

// RequestRecorder receives one row per provider attempt (success or
// failure) for analytical storage. Optional — a nil Handler.recorder simply
// skips analytical recording, the same graceful-degradation posture
// internal/store.Ledger takes toward a missing transaction sink.
type RequestRecorder interface {
	RecordRequest(canonicalID, userID string, attempt domain.Attempt)
}

// Handler wires together every domain component needed to serve one
// request.
type Handler struct {
	registry  *registry.Registry
	selector  *selector.Selector
	cb        *circuitbreaker.CircuitBreaker
	pricing   *pricing.Resolver
	credit    *credit.Guard
	health    *health.Tracker       // optional
	limiter   *ratelimit.KeyLimiter // optional
	recorder  RequestRecorder       // optional
	providers map[string]providers.Provider
	log       *slog.Logger

	providerTimeout time.Duration
}

// Config groups Handler's dependencies. Health, Limiter, and Recorder may
// be nil.
type Config struct {
	Registry        *registry.Registry
	Selector        *selector.Selector
	CircuitBreaker  *circuitbreaker.CircuitBreaker
	Pricing         *pricing.Resolver
	Credit          *credit.Guard
	Health          *health.Tracker
	Limiter         *ratelimit.KeyLimiter
	Recorder        RequestRecorder
	Providers       map[string]providers.Provider
	Log             *slog.Logger
	ProviderTimeout time.Duration
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		registry:        cfg.Registry,
		selector:        cfg.Selector,
		cb:              cfg.CircuitBreaker,
		pricing:         cfg.Pricing,
		credit:          cfg.Credit,
		health:          cfg.Health,
		limiter:         cfg.Limiter,
		recorder:        cfg.Recorder,
		providers:       cfg.Providers,
		log:             log,
		providerTimeout: timeout,
	}
}

// Execute runs the full seven-step pipeline for one request: resolve,
// rate-limit, build chain, reserve (priced on the chain's first binding),
// attempt-with-failover, settle, record-health. rc.CanonicalID names the model; req carries the normalized
// provider-facing payload (req.Model is overwritten per attempted binding's
// UpstreamModelID).
func (h *Handler) Execute(ctx context.Context, rc domain.RequestContext, req *providers.ProxyRequest) (*Result, error) {
	model, err := h.registry.Resolve(rc.CanonicalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnknown, rc.CanonicalID)
	}

	if h.limiter != nil && rc.User.APIKeyID != "" {
		allowed, window, err := h.limiter.Allow(ctx, rc.User.APIKeyID)
		if err != nil {
			h.log.WarnContext(ctx, "rate_limiter_error", slog.String("error", err.Error()))
		}
		if !allowed {
			return nil, &ErrRateLimited{Window: window}
		}
	}

	chain := h.selector.BuildChain(model.CanonicalID, model.Bindings, selector.Constraints{
		PreferredProvider: rc.PreferredProvider,
		RequireStreaming:  req.Stream,
	})
	if len(chain) == 0 {
		return nil, ErrNoProviderAvailable
	}

	if h.credit != nil && h.pricing != nil {
		resolved, perr := h.pricing.Resolve(model.CanonicalID, chain[0], model.CanonicalFreeProvider)
		if perr != nil {
			return nil, perr
		}
		maxOutputTokens := int64(req.MaxTokens)
		if maxOutputTokens <= 0 {
			maxOutputTokens = defaultMaxOutputTokens
		}
		if err := h.credit.Reserve(ctx, rc.RequestID, model.CanonicalID, rc.User, estimateInputTokens(req), maxOutputTokens, resolved); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, binding := range chain {
		result, outcome, err := h.attempt(ctx, rc, model, binding, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !selector.IsRetryable(outcome) {
			break
		}
	}

	if lastErr == nil {
		lastErr = ErrNoProviderAvailable
	}
	return nil, lastErr
}

// attempt dials a single binding, classifies the outcome, updates the
// circuit breaker and health tracker, and — on success — settles the real
// cost against the user's credit balance.
func (h *Handler) attempt(ctx context.Context, rc domain.RequestContext, model domain.CanonicalModel, binding domain.ProviderBinding, req *providers.ProxyRequest) (*Result, domain.Outcome, error) {
	canonicalID := model.CanonicalID
	prov, ok := h.providers[binding.ProviderSlug]
	if !ok {
		return nil, domain.OutcomeProviderError, fmt.Errorf("inference: provider %q not configured", binding.ProviderSlug)
	}

	attemptReq := *req
	attemptReq.Model = binding.UpstreamModelID

	attemptCtx, cancel := context.WithTimeout(ctx, h.providerTimeout)
	defer cancel()

	start := time.Now()
	resp, err := prov.Request(attemptCtx, &attemptReq)
	latency := time.Since(start).Milliseconds()

	outcome := domain.OutcomeSuccess
	statusCode := 0
	if err != nil {
		if sc, ok := err.(providers.StatusCoder); ok {
			statusCode = sc.HTTPStatus()
			outcome = selector.ClassifyStatus(statusCode)
		} else {
			outcome = selector.ClassifyErr(attemptCtx, err)
		}
	}

	if h.cb != nil {
		if outcome == domain.OutcomeSuccess {
			h.cb.RecordSuccess(binding.ProviderSlug, canonicalID)
		} else if outcome == domain.OutcomeProviderError || outcome == domain.OutcomeRateLimited {
			h.cb.RecordFailure(binding.ProviderSlug, canonicalID)
		}
	}
	if h.health != nil {
		h.health.Observe(binding.ProviderSlug, canonicalID, outcome == domain.OutcomeSuccess, latency)
	}

	attempt := domain.Attempt{
		RequestID:       rc.RequestID,
		ProviderSlug:    binding.ProviderSlug,
		UpstreamModelID: binding.UpstreamModelID,
		Outcome:         outcome,
		StatusCode:      statusCode,
		LatencyMs:       latency,
		Err:             err,
		AttemptedAt:     start,
	}

	if err != nil {
		if h.recorder != nil {
			h.recorder.RecordRequest(canonicalID, rc.User.ID, attempt)
		}
		return nil, outcome, err
	}

	attempt.InputTokens = int64(resp.Usage.InputTokens)
	attempt.OutputTokens = int64(resp.Usage.OutputTokens)

	cost := money.Zero
	if h.pricing != nil && h.credit != nil && credit.IsBillable(rc.User) {
		resolved, perr := h.pricing.Resolve(canonicalID, binding, model.CanonicalFreeProvider)
		if perr != nil {
			h.log.ErrorContext(ctx, "pricing_anomaly", slog.String("canonical_id", canonicalID), slog.String("error", perr.Error()))
			return nil, domain.OutcomeProviderError, perr
		}
		cost = pricing.Cost(resolved, pricing.Usage{
			InputTokens:  attempt.InputTokens,
			OutputTokens: attempt.OutputTokens,
		})
		settle := h.credit.Settle
		if rc.Stream {
			settle = h.credit.SettleStreaming
		}
		if err := settle(ctx, rc.User.ID, rc.RequestID, cost); err != nil {
			h.log.ErrorContext(ctx, "settle_failed",
				slog.String("request_id", rc.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
	attempt.Cost = cost

	if h.recorder != nil {
		h.recorder.RecordRequest(canonicalID, rc.User.ID, attempt)
	}

	return &Result{Response: resp, ProviderSlug: binding.ProviderSlug, Attempt: attempt}, domain.OutcomeSuccess, nil
}

// estimateInputTokens gives Reserve a conservative pre-flight prompt-token
// estimate from the request body, before any real token count is known —
// the same chars/4 heuristic internal/proxy/gateway.go's SSE writer uses as
// a streaming usage fallback.
func estimateInputTokens(req *providers.ProxyRequest) int64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return int64(chars / charsPerToken)
}
