// Package domain holds the shared types that flow between the registry,
// selector, circuit breaker, pricing, credit, and inference packages. They
// are the nouns of the routing engine: a CanonicalModel a client asks for,
// the ProviderBindings it resolves to, the User making the call, and the
// RequestContext/Attempt/HealthRecord/CacheEntry produced while serving it.
package domain

import (
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/money"
)

// Modality distinguishes the kind of inference a binding serves.
type Modality string

const (
	ModalityChat       Modality = "chat"
	ModalityEmbedding  Modality = "embedding"
	ModalityCompletion Modality = "completion"
)

// Capabilities mirrors the feature flags a ProviderBinding advertises, used
// by the selector to filter out bindings that can't satisfy a request (e.g.
// a request with tool calls skips bindings with FunctionCalling=false).
type Capabilities struct {
	Vision            bool
	FunctionCalling   bool
	ParallelToolCalls bool
	JSONMode          bool
	Streaming         bool
	PromptCaching     bool
	Reasoning         bool
}

// Pricing holds per-1k-token prices as exact decimals. A nil-able "not
// applicable" distinction (as opposed to a legitimate zero price) is carried
// via the *Set booleans, following the nullable-pricing idea in the
// catalog model this was adapted from, now expressed with an explicit flag
// instead of a pointer so the zero value of Pricing is always well-formed.
type Pricing struct {
	InputPer1K      money.Amount
	OutputPer1K     money.Amount
	CacheReadPer1K  money.Amount
	CacheWritePer1K money.Amount
	InputSet        bool
	OutputSet       bool
	CacheReadSet    bool
	CacheWriteSet   bool
	// FreeTier is true when the binding's upstream model ID carries a
	// ":free" suffix and its provider is the canonical model's
	// CanonicalFreeProvider (see pricing.Resolver.Resolve) — settlement
	// always computes zero cost regardless of token counts. The upstream
	// model ID, suffix included, is sent to the provider unchanged.
	FreeTier bool
}

// ProviderBinding is one provider's implementation of a CanonicalModel:
// which upstream model ID to call, at what priority relative to sibling
// bindings, with what pricing and capability set.
type ProviderBinding struct {
	ProviderSlug    string
	UpstreamModelID string
	Priority        int // lower attempts first
	Pricing         Pricing
	Capabilities    Capabilities
	Disabled        bool
}

// CanonicalModel is the logical model a client requests (e.g.
// "gpt-4-class-large"), resolved to an ordered set of ProviderBindings.
type CanonicalModel struct {
	CanonicalID string
	Aliases     []string // alternate client-facing names that resolve here
	Bindings    []ProviderBinding
	Modality    Modality
	// CanonicalFreeProvider, when set, is the one provider_slug whose
	// ":free"-suffixed binding is honored as actually free. Any other
	// provider's ":free" suffix is cosmetic and is ignored for pricing
	// (the binding is priced normally), since a free tier offered by one provider says nothing
	// about another provider's price for the same canonical model.
	CanonicalFreeProvider string
}

// User is the authenticated caller, carrying just enough state for credit
// and rate-limit decisions — account management itself is out of scope.
type User struct {
	ID            string
	APIKeyID      string
	CreditBalance money.Amount
	TrialAccount  bool
	// SubscriptionIndicators counts distinct signals (e.g. a Stripe
	// webhook, a plan field on the account) that the caller actually holds
	// a paid subscription. A trial account with at least one indicator is
	// billed on the paid path instead of the trial path — see
	// credit.Guard.Reserve.
	SubscriptionIndicators int
}

// RequestContext threads through one inbound call end to end.
type RequestContext struct {
	RequestID   string // ULID, sortable and unique per request
	User        User
	CanonicalID string
	Modality    Modality
	Stream      bool
	// PreferredProvider, when set, asks the selector to try this
	// provider_slug first within the canonical model's chain.
	PreferredProvider string
	StartedAt         time.Time
}

// Outcome classifies how a single provider attempt ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeProviderError Outcome = "provider_error" // 5xx/timeout/network — retryable
	OutcomeClientError   Outcome = "client_error"   // 4xx — not retryable, request is malformed for this binding
	OutcomeRateLimited   Outcome = "rate_limited"   // 429 from upstream — retryable against a sibling binding
	OutcomeCircuitOpen   Outcome = "circuit_open"   // skipped without dialing out
	OutcomeCancelled     Outcome = "cancelled"      // caller context cancelled mid-attempt
)

// Attempt records one provider dial within a request's failover chain.
type Attempt struct {
	RequestID       string
	ProviderSlug    string
	UpstreamModelID string
	Outcome         Outcome
	StatusCode      int
	LatencyMs       int64
	InputTokens     int64
	OutputTokens    int64
	Cost            money.Amount
	Err             error
	AttemptedAt     time.Time
}

// HealthTier controls how often HealthTracker probes a (provider,
// canonical_id) pair.
type HealthTier string

const (
	TierCritical HealthTier = "critical"
	TierPopular  HealthTier = "popular"
	TierStandard HealthTier = "standard"
	TierOnDemand HealthTier = "on_demand"
)

// HealthRecord is the last-known probe result for a (provider,
// canonical_id) pair.
type HealthRecord struct {
	ProviderSlug string
	CanonicalID  string
	Tier         HealthTier
	Healthy      bool
	LastProbedAt time.Time
	NextProbeAt  time.Time
	LatencyMs    int64
	Consecutive  int // consecutive identical outcomes; tiering uses trailing usage, not this count
}

// CacheEntry is one CatalogCache record: a cached blob plus the freshness
// window it was stored with.
type CacheEntry struct {
	Key      string
	Value    []byte
	StoredAt time.Time
	FreshTTL time.Duration
	// StaleTTL is the absolute age, measured from StoredAt, past which the
	// entry is evicted entirely — not an additional span past FreshTTL.
	// age ∈ [0, FreshTTL] is fresh; (FreshTTL, StaleTTL] is stale (servable
	// while an async refresh runs); beyond StaleTTL it's a miss. Invariant:
	// FreshTTL ≤ StaleTTL.
	StaleTTL time.Duration
}

// Freshness classifies a CacheEntry relative to now.
type Freshness int

const (
	FreshnessMiss Freshness = iota
	FreshnessFresh
	FreshnessStale
)

// Classify returns the entry's freshness at time now.
func (e CacheEntry) Classify(now time.Time) Freshness {
	age := now.Sub(e.StoredAt)
	switch {
	case age <= e.FreshTTL:
		return FreshnessFresh
	case age <= e.StaleTTL:
		return FreshnessStale
	default:
		return FreshnessMiss
	}
}
