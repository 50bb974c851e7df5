package store_test

import (
	"context"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/money"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

type fakeBalances struct {
	balance money.Amount
	version int64
}

func (f *fakeBalances) GetBalance(ctx context.Context, userID string) (money.Amount, int64, error) {
	return f.balance, f.version, nil
}

func (f *fakeBalances) SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error) {
	if expectedVersion != f.version {
		return 0, credit.ErrVersionConflict
	}
	f.balance = f.balance.Add(delta)
	f.version++
	return f.version, nil
}

type fakeSink struct {
	recorded []credit.Transaction
}

func (f *fakeSink) RecordTransaction(ctx context.Context, tx credit.Transaction) error {
	f.recorded = append(f.recorded, tx)
	return nil
}

func TestLedgerDelegatesToComponents(t *testing.T) {
	balances := &fakeBalances{balance: money.MustFromString("10.00")}
	sink := &fakeSink{}
	ledger := store.NewLedger(balances, sink)

	balance, version, err := ledger.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Cmp(money.MustFromString("10.00")) != 0 {
		t.Errorf("unexpected balance %s", balance)
	}

	newVersion, err := ledger.SettleAtomic(context.Background(), "user-1", version, money.MustFromString("-1.00"))
	if err != nil {
		t.Fatalf("settle atomic: %v", err)
	}
	if newVersion != version+1 {
		t.Errorf("expected version %d, got %d", version+1, newVersion)
	}

	if err := ledger.RecordTransaction(context.Background(), credit.Transaction{UserID: "user-1"}); err != nil {
		t.Fatalf("record transaction: %v", err)
	}
	if len(sink.recorded) != 1 {
		t.Errorf("expected 1 recorded transaction, got %d", len(sink.recorded))
	}
}
