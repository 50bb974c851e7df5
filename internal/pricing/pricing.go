// Package pricing resolves a provider binding's per-token pricing and turns
// a completed attempt's token usage into an exact cost. It is the decimal
// rewrite of ferro-labs-ai-gateway's models/catalog.go Pricing struct and
// models/calculator.go Calculate/perM helpers — same shape, but every field
// is a shopspring/decimal amount instead of a nullable *float64, since the
// gateway must never compute money with a binary float.
package pricing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/money"
)

// Sanity bounds for per-1k-token pricing. A resolved price outside this
// range almost certainly indicates a catalog sync bug (e.g. a per-token
// price mistakenly loaded as a per-million-token price) rather than a real
// tariff, so Resolve refuses to settle against it.
var (
	MinPricePer1K = money.MustFromString("0.0001")
	MaxPricePer1K = money.MustFromString("100.0")
)

// freeSuffix marks a binding's upstream model ID as promotionally free
// (e.g. "llama-3.1-8b:free" on an aggregator like OpenRouter).
const freeSuffix = ":free"

// highValuePattern matches upstream model families that are never free in
// practice; Resolve treats a missing or zero price for one of these as a
// configuration error rather than silently billing nothing.
var highValuePattern = regexp.MustCompile(`(?i)(gpt-4|o1|o3|opus|claude-3(\.5)?-sonnet|gemini-1\.5-pro|gemini-2\.5-pro)`)

// ErrPricingAnomaly is returned when a resolved price falls outside the
// sanity bounds.
type ErrPricingAnomaly struct {
	CanonicalID string
	Field       string
	Value       money.Amount
}

func (e *ErrPricingAnomaly) Error() string {
	return fmt.Sprintf("pricing: anomalous %s for %s: %s", e.Field, e.CanonicalID, e.Value)
}

// ErrMissingPricing is returned when a high-value model has no price set.
type ErrMissingPricing struct {
	CanonicalID     string
	UpstreamModelID string
}

func (e *ErrMissingPricing) Error() string {
	return fmt.Sprintf("pricing: %s (%s) matches a high-value model pattern but has no configured price", e.CanonicalID, e.UpstreamModelID)
}

// Resolver validates and normalizes ProviderBinding pricing before it is
// used to settle a request.
type Resolver struct{}

// New creates a Resolver. It holds no state; pricing always comes from the
// binding the registry hands back, so there is nothing to cache here beyond
// what the registry's own snapshot already caches.
func New() *Resolver {
	return &Resolver{}
}

// Resolve validates binding's pricing for canonicalID, applying the
// ":free" suffix override and sanity-bound checks. canonicalFreeProvider is
// the one provider_slug (from domain.CanonicalModel.CanonicalFreeProvider)
// whose ":free" suffix is actually honored; any other provider's ":free"
// suffix is cosmetic (some aggregators append it even on a paid route) and
// is ignored, so normal pricing applies. Resolve returns the (possibly
// free-tier-zeroed) Pricing to settle against.
func (r *Resolver) Resolve(canonicalID string, binding domain.ProviderBinding, canonicalFreeProvider string) (domain.Pricing, error) {
	p := binding.Pricing

	if strings.HasSuffix(binding.UpstreamModelID, freeSuffix) && canonicalFreeProvider != "" && binding.ProviderSlug == canonicalFreeProvider {
		p.FreeTier = true
	} else {
		p.FreeTier = false
	}
	if p.FreeTier {
		return domain.Pricing{FreeTier: true, InputSet: true, OutputSet: true}, nil
	}

	if err := checkBounds(canonicalID, "input_per_1k", p.InputSet, p.InputPer1K); err != nil {
		return domain.Pricing{}, err
	}
	if err := checkBounds(canonicalID, "output_per_1k", p.OutputSet, p.OutputPer1K); err != nil {
		return domain.Pricing{}, err
	}

	if highValuePattern.MatchString(binding.UpstreamModelID) {
		if !p.InputSet || !p.OutputSet || (p.InputPer1K.IsZero() && p.OutputPer1K.IsZero()) {
			return domain.Pricing{}, &ErrMissingPricing{CanonicalID: canonicalID, UpstreamModelID: binding.UpstreamModelID}
		}
	}

	return p, nil
}

func checkBounds(canonicalID, field string, set bool, value money.Amount) error {
	if !set || value.IsZero() {
		return nil
	}
	if value.LessThan(MinPricePer1K) || value.GreaterThan(MaxPricePer1K) {
		return &ErrPricingAnomaly{CanonicalID: canonicalID, Field: field, Value: value}
	}
	return nil
}

// Usage carries the token counts a completed attempt is billed on, the
// decimal analogue of ferro-labs-ai-gateway/models.Usage.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Cost computes the exact cost of usage against pricing. A FreeTier pricing
// always costs zero regardless of usage.
func Cost(pricing domain.Pricing, usage Usage) money.Amount {
	if pricing.FreeTier {
		return money.Zero
	}

	total := money.Zero
	if pricing.InputSet {
		total = total.Add(money.PerThousand(pricing.InputPer1K, usage.InputTokens))
	}
	if pricing.OutputSet {
		total = total.Add(money.PerThousand(pricing.OutputPer1K, usage.OutputTokens))
	}
	if pricing.CacheReadSet {
		total = total.Add(money.PerThousand(pricing.CacheReadPer1K, usage.CacheReadTokens))
	}
	if pricing.CacheWriteSet {
		total = total.Add(money.PerThousand(pricing.CacheWritePer1K, usage.CacheWriteTokens))
	}
	return total
}
