package pricing_test

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/money"
	"github.com/nulpointcorp/inference-gateway/internal/pricing"
)

func binding(upstream string, input, output string) domain.ProviderBinding {
	return domain.ProviderBinding{
		ProviderSlug:    "openai",
		UpstreamModelID: upstream,
		Pricing: domain.Pricing{
			InputPer1K:  money.MustFromString(input),
			OutputPer1K: money.MustFromString(output),
			InputSet:    true,
			OutputSet:   true,
		},
	}
}

func TestResolveNormalPricing(t *testing.T) {
	r := pricing.New()
	p, err := r.Resolve("gpt-4-class-large", binding("gpt-4o", "0.0025", "0.01"), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.FreeTier {
		t.Error("unexpected free tier")
	}
}

func TestResolveFreeSuffixOverridesPricing(t *testing.T) {
	r := pricing.New()
	b := binding("llama-3.1-8b:free", "5", "5") // a paid price unless the override zeroes it
	p, err := r.Resolve("llama-small", b, "openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.FreeTier {
		t.Error("expected free tier when the binding's provider is the canonical free provider")
	}
	if !pricing.Cost(p, pricing.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}).IsZero() {
		t.Error("free tier must cost zero regardless of usage")
	}
}

func TestResolveIgnoresFreeSuffixFromNonFreeProvider(t *testing.T) {
	r := pricing.New()
	b := binding("llama-3.1-8b:free", "5", "5")
	p, err := r.Resolve("llama-small", b, "nebius")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.FreeTier {
		t.Error("expected free suffix from a non-canonical-free provider to be ignored")
	}
}

func TestResolveRejectsPriceBelowMin(t *testing.T) {
	r := pricing.New()
	_, err := r.Resolve("model", binding("some-model", "0.00001", "0.01"), "")
	var anomaly *pricing.ErrPricingAnomaly
	if !errors.As(err, &anomaly) {
		t.Fatalf("expected ErrPricingAnomaly, got %v", err)
	}
}

func TestResolveRejectsPriceAboveMax(t *testing.T) {
	r := pricing.New()
	_, err := r.Resolve("model", binding("some-model", "0.01", "500"), "")
	var anomaly *pricing.ErrPricingAnomaly
	if !errors.As(err, &anomaly) {
		t.Fatalf("expected ErrPricingAnomaly, got %v", err)
	}
}

func TestResolveRejectsMissingPriceForHighValueModel(t *testing.T) {
	r := pricing.New()
	b := domain.ProviderBinding{ProviderSlug: "openai", UpstreamModelID: "gpt-4-turbo"}
	_, err := r.Resolve("gpt-4-class-large", b, "")
	var missing *pricing.ErrMissingPricing
	if !errors.As(err, &missing) {
		t.Fatalf("expected ErrMissingPricing, got %v", err)
	}
}

func TestCostComputation(t *testing.T) {
	p := domain.Pricing{
		InputPer1K:  money.MustFromString("0.01"),
		OutputPer1K: money.MustFromString("0.03"),
		InputSet:    true,
		OutputSet:   true,
	}
	cost := pricing.Cost(p, pricing.Usage{InputTokens: 2000, OutputTokens: 500})
	// 0.01*2 + 0.03*0.5 = 0.02 + 0.015 = 0.035
	if cost.String() != "0.035" {
		t.Errorf("Cost = %s, want 0.035", cost)
	}
}
