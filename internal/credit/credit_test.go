package credit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/money"
)

type fakeLedger struct {
	mu           sync.Mutex
	balance      money.Amount
	version      int64
	transactions []credit.Transaction

	// conflictsBeforeSuccess forces SettleAtomic to return ErrVersionConflict
	// this many times before it lets a write through, simulating a
	// concurrent writer winning the race.
	conflictsBeforeSuccess int
	settleCalls            int
}

func (f *fakeLedger) GetBalance(ctx context.Context, userID string) (money.Amount, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.version, nil
}

func (f *fakeLedger) SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.settleCalls <= f.conflictsBeforeSuccess {
		return 0, credit.ErrVersionConflict
	}
	if expectedVersion != f.version {
		return 0, credit.ErrVersionConflict
	}
	f.balance = f.balance.Add(delta)
	f.version++
	return f.version, nil
}

func (f *fakeLedger) RecordTransaction(ctx context.Context, tx credit.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, tx)
	return nil
}

type fakeJournal struct {
	mu       sync.Mutex
	recorded []credit.DeductionFailure
}

func (f *fakeJournal) Record(ctx context.Context, failure credit.DeductionFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, failure)
	return nil
}

func testConfig() credit.Config {
	return credit.Config{
		SettleRetries:          3,
		StreamingSettleRetries: 6,
		Backoff:                []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func flatPricing(inputPer1K, outputPer1K string) domain.Pricing {
	return domain.Pricing{
		InputPer1K:  money.MustFromString(inputPer1K),
		OutputPer1K: money.MustFromString(outputPer1K),
		InputSet:    true,
		OutputSet:   true,
	}
}

func TestReserveAllowsSufficientBalance(t *testing.T) {
	g := credit.New(&fakeLedger{}, &fakeJournal{}, testConfig())
	user := domain.User{CreditBalance: money.MustFromString("5.00")}
	err := g.Reserve(context.Background(), "req-1", "model", user, 1000, 500, flatPricing("0.001", "0.001"))
	if err != nil {
		t.Errorf("Reserve: %v", err)
	}
}

func TestReserveRejectsInsufficientBalance(t *testing.T) {
	g := credit.New(&fakeLedger{}, &fakeJournal{}, testConfig())
	user := domain.User{CreditBalance: money.MustFromString("0.50")}
	err := g.Reserve(context.Background(), "req-1", "model", user, 1_000_000, 1_000_000, flatPricing("0.01", "0.01"))
	var insufficient *credit.ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestReserveGenuineTrialSkipsCostMath(t *testing.T) {
	g := credit.New(&fakeLedger{}, &fakeJournal{}, testConfig())
	user := domain.User{CreditBalance: money.Zero, TrialAccount: true}
	err := g.Reserve(context.Background(), "req-1", "model", user, 1_000_000, 1_000_000, flatPricing("10", "10"))
	if err != nil {
		t.Errorf("expected trial account to get reservation_ok without cost math, got %v", err)
	}
}

func TestReserveSubscriptionIndicatorOverridesTrialToPaidPath(t *testing.T) {
	g := credit.New(&fakeLedger{}, &fakeJournal{}, testConfig())
	user := domain.User{CreditBalance: money.MustFromString("0.50"), TrialAccount: true, SubscriptionIndicators: 1}
	err := g.Reserve(context.Background(), "req-1", "model", user, 1_000_000, 1_000_000, flatPricing("0.01", "0.01"))
	var insufficient *credit.ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected a subscription-indicated trial account to run real cost math, got %v", err)
	}
}

func TestReserveAlertsAtIndicatorThreshold(t *testing.T) {
	var alerted domain.User
	cfg := testConfig()
	cfg.Alert = func(ctx context.Context, user domain.User) { alerted = user }
	g := credit.New(&fakeLedger{}, &fakeJournal{}, cfg)
	user := domain.User{CreditBalance: money.MustFromString("100"), TrialAccount: true, SubscriptionIndicators: 3}
	if err := g.Reserve(context.Background(), "req-1", "model", user, 10, 10, flatPricing("0.001", "0.001")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if alerted.ID != user.ID || alerted.SubscriptionIndicators != 3 {
		t.Error("expected Alert to fire at the indicator threshold")
	}
}

func TestReserveSuggestsMaxTokensFromScenario4(t *testing.T) {
	g := credit.New(&fakeLedger{}, &fakeJournal{}, testConfig())
	user := domain.User{CreditBalance: money.MustFromString("0.05")}
	// max_cost must come out to $0.20 for 4096 max_tokens; pick a
	// completion price that produces it with zero prompt cost so the
	// arithmetic matches the scenario exactly.
	pricing := domain.Pricing{
		OutputPer1K: money.MustFromString("0.048828125"), // 4096 * p/1000 = 0.2
		OutputSet:   true,
	}
	err := g.Reserve(context.Background(), "req-1", "gpt-4o", user, 0, 4096, pricing)
	var insufficient *credit.ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if insufficient.RequiredCredits.String() != "0.2" {
		t.Errorf("RequiredCredits = %s, want 0.2", insufficient.RequiredCredits)
	}
	if insufficient.CreditDeficit.String() != "0.15" {
		t.Errorf("CreditDeficit = %s, want 0.15", insufficient.CreditDeficit)
	}
	if !insufficient.HasSuggestion || insufficient.SuggestedMaxTokens != 1024 {
		t.Errorf("SuggestedMaxTokens = %d (has=%v), want 1024", insufficient.SuggestedMaxTokens, insufficient.HasSuggestion)
	}
}

func TestReserveOmitsSuggestionBelow100Tokens(t *testing.T) {
	g := credit.New(&fakeLedger{}, &fakeJournal{}, testConfig())
	user := domain.User{CreditBalance: money.MustFromString("0.001")}
	err := g.Reserve(context.Background(), "req-1", "model", user, 0, 4096, flatPricing("0", "0.048828125"))
	var insufficient *credit.ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if insufficient.HasSuggestion {
		t.Errorf("expected no suggestion below 100 tokens, got %d", insufficient.SuggestedMaxTokens)
	}
}

func TestSettleDecrementsBalanceAndRecordsTransaction(t *testing.T) {
	ledger := &fakeLedger{balance: money.MustFromString("10.00")}
	g := credit.New(ledger, &fakeJournal{}, testConfig())

	if err := g.Settle(context.Background(), "user-1", "req-1", money.MustFromString("2.50")); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if ledger.balance.String() != "7.5" {
		t.Errorf("balance = %s, want 7.5", ledger.balance)
	}
	if len(ledger.transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(ledger.transactions))
	}
}

func TestSettleRetriesOnVersionConflict(t *testing.T) {
	ledger := &fakeLedger{balance: money.MustFromString("10.00"), conflictsBeforeSuccess: 2}
	g := credit.New(ledger, &fakeJournal{}, testConfig())

	if err := g.Settle(context.Background(), "user-1", "req-1", money.MustFromString("1.00")); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if ledger.balance.String() != "9" {
		t.Errorf("balance = %s, want 9", ledger.balance)
	}
}

func TestSettleExhaustsRetriesAndWritesJournal(t *testing.T) {
	ledger := &fakeLedger{balance: money.MustFromString("10.00"), conflictsBeforeSuccess: 999}
	journal := &fakeJournal{}
	g := credit.New(ledger, journal, testConfig())

	_ = g.Settle(context.Background(), "user-1", "req-1", money.MustFromString("1.00"))

	if len(journal.recorded) != 1 {
		t.Fatalf("expected 1 journaled failure, got %d", len(journal.recorded))
	}
	if journal.recorded[0].RequestID != "req-1" {
		t.Errorf("unexpected journal entry: %+v", journal.recorded[0])
	}
	// Balance must be untouched since every attempt lost the race.
	if ledger.balance.String() != "10" {
		t.Errorf("balance should be unchanged, got %s", ledger.balance)
	}
}

func TestSettleZeroCostIsNoOp(t *testing.T) {
	ledger := &fakeLedger{balance: money.MustFromString("10.00")}
	g := credit.New(ledger, &fakeJournal{}, testConfig())
	if err := g.Settle(context.Background(), "user-1", "req-1", money.Zero); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if len(ledger.transactions) != 0 {
		t.Error("zero-cost settlement should not record a transaction")
	}
}

func TestSettleStreamingUsesMoreRetries(t *testing.T) {
	ledger := &fakeLedger{balance: money.MustFromString("10.00"), conflictsBeforeSuccess: 5}
	g := credit.New(ledger, &fakeJournal{}, testConfig())

	if err := g.SettleStreaming(context.Background(), "user-1", "req-1", money.MustFromString("1.00")); err != nil {
		t.Fatalf("SettleStreaming: %v", err)
	}
}
