// Package store glues the two persistence backends together into the
// single credit.Ledger the CreditGuard settles against: SQL owns the
// authoritative, version-locked balance; ClickHouse owns the append-only
// audit trail. Splitting them this way keeps the hot settlement path off
// the analytical store — a ClickHouse hiccup never blocks a balance write,
// it only risks a dropped audit row (counted in ClickHouse Store's
// DroppedTransactions).
package store

import (
	"context"

	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/money"
)

// balanceStore is the subset of sql.Store's API the Ledger needs.
type balanceStore interface {
	GetBalance(ctx context.Context, userID string) (money.Amount, int64, error)
	SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error)
}

// transactionSink is the subset of clickhouse.Store's API the Ledger needs.
type transactionSink interface {
	RecordTransaction(ctx context.Context, tx credit.Transaction) error
}

// Ledger composes a balanceStore and a transactionSink into credit.Ledger.
type Ledger struct {
	Balances     balanceStore
	Transactions transactionSink
}

// NewLedger builds a credit.Ledger backed by the given SQL balance store
// and ClickHouse transaction sink.
func NewLedger(balances balanceStore, transactions transactionSink) *Ledger {
	return &Ledger{Balances: balances, Transactions: transactions}
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (money.Amount, int64, error) {
	return l.Balances.GetBalance(ctx, userID)
}

func (l *Ledger) SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error) {
	return l.Balances.SettleAtomic(ctx, userID, expectedVersion, delta)
}

func (l *Ledger) RecordTransaction(ctx context.Context, tx credit.Transaction) error {
	return l.Transactions.RecordTransaction(ctx, tx)
}
