package inference_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/circuitbreaker"
	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/money"
	"github.com/nulpointcorp/inference-gateway/internal/pricing"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/selector"
)

type fakeProvider struct {
	name     string
	response *providers.ProxyResponse
	err      error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return p.response, p.err
}
func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type statusError struct{ status int }

func (e *statusError) Error() string  { return "provider error" }
func (e *statusError) HTTPStatus() int { return e.status }

type fakeLedger struct {
	balance money.Amount
	version int64
	txns    []credit.Transaction
}

func (l *fakeLedger) GetBalance(ctx context.Context, userID string) (money.Amount, int64, error) {
	return l.balance, l.version, nil
}
func (l *fakeLedger) SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error) {
	if expectedVersion != l.version {
		return 0, credit.ErrVersionConflict
	}
	l.balance = l.balance.Add(delta)
	l.version++
	return l.version, nil
}
func (l *fakeLedger) RecordTransaction(ctx context.Context, tx credit.Transaction) error {
	l.txns = append(l.txns, tx)
	return nil
}

func canonicalModel(bindings ...domain.ProviderBinding) []domain.CanonicalModel {
	return []domain.CanonicalModel{{
		CanonicalID: "test-model",
		Modality:    domain.ModalityChat,
		Bindings:    bindings,
	}}
}

func binding(slug string, priority int) domain.ProviderBinding {
	return domain.ProviderBinding{
		ProviderSlug:    slug,
		UpstreamModelID: slug + "-upstream",
		Priority:        priority,
		Pricing: domain.Pricing{
			InputPer1K:  money.MustFromString("1.00"),
			OutputPer1K: money.MustFromString("2.00"),
			InputSet:    true,
			OutputSet:   true,
		},
	}
}

func newHandler(t *testing.T, provs map[string]providers.Provider, bindings ...domain.ProviderBinding) (*inference.Handler, *fakeLedger) {
	t.Helper()
	reg := registry.New(canonicalModel(bindings...))
	cb := circuitbreaker.New(circuitbreaker.Config{})
	sel := selector.New(cb)
	ledger := &fakeLedger{balance: money.MustFromString("100.00")}
	guard := credit.New(ledger, nil, credit.Config{})

	h := inference.New(inference.Config{
		Registry:       reg,
		Selector:       sel,
		CircuitBreaker: cb,
		Pricing:        pricing.New(),
		Credit:         guard,
		Providers:      provs,
		ProviderTimeout: time.Second,
	})
	return h, ledger
}

func TestExecuteSucceedsOnFirstBinding(t *testing.T) {
	prov := &fakeProvider{name: "openai", response: &providers.ProxyResponse{
		ID: "resp-1", Model: "openai-upstream", Content: "hello",
		Usage: providers.Usage{InputTokens: 100, OutputTokens: 50},
	}}
	h, ledger := newHandler(t, map[string]providers.Provider{"openai": prov}, binding("openai", 0))

	rc := domain.RequestContext{RequestID: "req-1", CanonicalID: "test-model", User: domain.User{ID: "user-1"}}
	req := &providers.ProxyRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	result, err := h.Execute(context.Background(), rc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProviderSlug != "openai" {
		t.Errorf("expected openai, got %s", result.ProviderSlug)
	}
	if len(ledger.txns) != 1 {
		t.Fatalf("expected 1 settled transaction, got %d", len(ledger.txns))
	}
	wantCost := money.MustFromString("-0.2") // 100*1.00/1000 + 50*2.00/1000
	if ledger.txns[0].Amount.Cmp(wantCost) != 0 {
		t.Errorf("expected cost %s, got %s", wantCost, ledger.txns[0].Amount)
	}
}

func TestExecuteFallsOverToSecondBindingOnProviderError(t *testing.T) {
	failing := &fakeProvider{name: "openai", err: &statusError{status: 500}}
	working := &fakeProvider{name: "anthropic", response: &providers.ProxyResponse{
		ID: "resp-2", Model: "anthropic-upstream", Content: "hi there",
		Usage: providers.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	h, _ := newHandler(t, map[string]providers.Provider{"openai": failing, "anthropic": working},
		binding("openai", 0), binding("anthropic", 1))

	rc := domain.RequestContext{RequestID: "req-2", CanonicalID: "test-model", User: domain.User{ID: "user-1"}}
	req := &providers.ProxyRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	result, err := h.Execute(context.Background(), rc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProviderSlug != "anthropic" {
		t.Errorf("expected failover to anthropic, got %s", result.ProviderSlug)
	}
}

func TestExecuteDoesNotFailoverOnClientError(t *testing.T) {
	failing := &fakeProvider{name: "openai", err: &statusError{status: 400}}
	neverCalled := &fakeProvider{name: "anthropic", response: &providers.ProxyResponse{Model: "anthropic-upstream"}}
	h, _ := newHandler(t, map[string]providers.Provider{"openai": failing, "anthropic": neverCalled},
		binding("openai", 0), binding("anthropic", 1))

	rc := domain.RequestContext{RequestID: "req-3", CanonicalID: "test-model", User: domain.User{ID: "user-1"}}
	req := &providers.ProxyRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	_, err := h.Execute(context.Background(), rc, req)
	if err == nil {
		t.Fatal("expected client error to surface, not be swallowed by failover")
	}
}

func TestExecuteReturnsModelUnknown(t *testing.T) {
	h, _ := newHandler(t, map[string]providers.Provider{}, binding("openai", 0))
	rc := domain.RequestContext{RequestID: "req-4", CanonicalID: "does-not-exist", User: domain.User{ID: "user-1"}}
	_, err := h.Execute(context.Background(), rc, &providers.ProxyRequest{})
	if !errors.Is(err, inference.ErrModelUnknown) {
		t.Fatalf("expected ErrModelUnknown, got %v", err)
	}
}

func TestExecuteReturnsNoProviderAvailableWhenChainEmpty(t *testing.T) {
	b := binding("openai", 0)
	b.Disabled = true
	h, _ := newHandler(t, map[string]providers.Provider{}, b)
	rc := domain.RequestContext{RequestID: "req-5", CanonicalID: "test-model", User: domain.User{ID: "user-1"}}
	_, err := h.Execute(context.Background(), rc, &providers.ProxyRequest{})
	if !errors.Is(err, inference.ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}
