// Package credit implements pre-flight credit reservation and post-call
// settlement. Reserve never writes anything — it only checks that the
// caller can plausibly afford the call. Settle performs the real balance
// decrement using optimistic locking: read the balance and its version,
// compute the new balance, then write it back conditioned on the version
// being unchanged. A concurrent settlement on the same user (two requests
// finishing at once) loses the race and retries against the refreshed
// version instead of clobbering the other write.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/money"
)

// ErrInsufficientCredits is returned by Reserve when the user's balance
// cannot plausibly cover max_cost. It carries everything §7's 402 payload
// requires: current/required balances, the shortfall, and — when
// computable and at least 100 tokens — a recommended max_output_tokens the
// caller could retry with instead.
type ErrInsufficientCredits struct {
	CurrentCredits  money.Amount
	RequiredCredits money.Amount
	CreditDeficit   money.Amount
	// SuggestedMaxTokens and HasSuggestion: floor(max_output_tokens ×
	// credits / max_cost), omitted (HasSuggestion=false) when it would
	// round below 100 tokens or can't be computed (zero max_cost).
	SuggestedMaxTokens int64
	HasSuggestion      bool
	RequestedModel     string
	RequestID          string
}

func (e *ErrInsufficientCredits) Error() string {
	return fmt.Sprintf("credit: insufficient balance %s for required %s (model %s)",
		e.CurrentCredits.Decimal.Round(2), e.RequiredCredits.Decimal.Round(2), e.RequestedModel)
}

// ErrVersionConflict is returned by Ledger.SettleAtomic when the balance was
// modified concurrently; the caller should re-read and retry.
var ErrVersionConflict = errors.New("credit: optimistic lock version conflict")

// ErrInsufficientAfterFact is returned by Ledger.SettleAtomic when applying
// delta would drive the balance negative — a settlement query must never
// let that happen, so the CAS condition itself guards it (§4.6 invariants).
// This is not a retryable race: the caller settles once, logs, and journals
// the failure; the already-served response is unaffected.
var ErrInsufficientAfterFact = errors.New("credit: settlement would drive balance negative")

// Transaction is one ledger entry recorded alongside a successful
// settlement (credit_transactions table, §6).
type Transaction struct {
	UserID      string
	RequestID   string
	Amount      money.Amount // negative: a deduction
	BalanceAfter money.Amount
	CreatedAt   time.Time
}

// DeductionFailure is a durable record of a settlement that could not be
// applied after every retry was exhausted (credit_deduction_failures
// table, §6). The request has already been served by this point — the
// failure only means the cost was never deducted, so this journal is what
// lets an offline reconciliation job make the user whole (or write the
// balance off) later.
type DeductionFailure struct {
	UserID    string
	RequestID string
	Amount    money.Amount
	Reason    string
	OccurredAt time.Time
}

// Ledger is the persistence boundary credit.Guard settles against. A
// store/sql implementation backs it in production; tests use an in-memory
// fake.
type Ledger interface {
	// GetBalance returns the user's current balance and its optimistic-lock
	// version.
	GetBalance(ctx context.Context, userID string) (balance money.Amount, version int64, err error)
	// SettleAtomic applies delta (typically negative) to userID's balance,
	// conditioned on the balance still being at expectedVersion. Returns
	// ErrVersionConflict if another writer updated the balance first.
	SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (newVersion int64, err error)
	// RecordTransaction appends an audit row for a successful settlement.
	RecordTransaction(ctx context.Context, tx Transaction) error
}

// FailureJournal persists DeductionFailure rows once Settle's retries are
// exhausted.
type FailureJournal interface {
	Record(ctx context.Context, failure DeductionFailure) error
}

// Config tunes retry behavior.
type Config struct {
	// SettleRetries is the number of CAS attempts for a normal (non-streaming)
	// settlement. Default 3.
	SettleRetries int
	// StreamingSettleRetries is the number of CAS attempts for a streaming
	// settlement, which races a longer-lived connection and so gets more
	// attempts before giving up. Default 6.
	StreamingSettleRetries int
	// Backoff lists the delays between CAS attempts: the wait after attempt
	// i is Backoff[i], and attempts past the end of the list reuse its last
	// step. Default 10/25/60ms.
	Backoff []time.Duration
	// SubscriptionIndicatorAlertThreshold is the indicator count at or
	// above which Reserve's trial-override path emits an alert (a signal
	// that the account's subscription state may be inconsistent — e.g. a
	// Stripe webhook firing repeatedly for one account). Default 3.
	SubscriptionIndicatorAlertThreshold int
	// Alert receives the affected user when that threshold is hit. Optional;
	// nil means the alert is only logged by the caller, if at all.
	Alert func(ctx context.Context, user domain.User)
}

func (c Config) subscriptionIndicatorAlertThreshold() int {
	if c.SubscriptionIndicatorAlertThreshold > 0 {
		return c.SubscriptionIndicatorAlertThreshold
	}
	return 3
}

func (c Config) settleRetries() int {
	if c.SettleRetries > 0 {
		return c.SettleRetries
	}
	return 3
}

func (c Config) streamingSettleRetries() int {
	if c.StreamingSettleRetries > 0 {
		return c.StreamingSettleRetries
	}
	return 6
}

func (c Config) backoff(attempt int) time.Duration {
	steps := c.Backoff
	if len(steps) == 0 {
		steps = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 60 * time.Millisecond}
	}
	if attempt < len(steps) {
		return steps[attempt]
	}
	return steps[len(steps)-1]
}

// Guard reserves and settles credit against a Ledger.
type Guard struct {
	ledger  Ledger
	journal FailureJournal
	cfg     Config
}

// New creates a Guard.
func New(ledger Ledger, journal FailureJournal, cfg Config) *Guard {
	return &Guard{ledger: ledger, journal: journal, cfg: cfg}
}

// Reserve checks that user can plausibly afford a call before any provider
// is dialed. It performs no write — the actual decrement happens in Settle
// once the true cost is known.
//
// 1. A trial account with at least one subscription indicator present is
//    billed on the paid path instead (a subscription signal overrides the
//    trial flag; it never waives billing). If SubscriptionIndicators
//    reaches the alert threshold, Config.Alert fires — it usually means
//    the account's trial/paid state itself is inconsistent somewhere
//    upstream (e.g. a webhook that should have flipped TrialAccount never
//    arrived).
// 2. A genuine trial account (no indicators) always gets reservation_ok
//    without computing cost — trial usage is never billed.
// 3. Otherwise max_cost = inputTokensEstimate × pricing.InputPer1K/1000 +
//    maxOutputTokens × pricing.OutputPer1K/1000; if the balance can't
//    cover it, Reserve returns an *ErrInsufficientCredits carrying the
//    structured detail §7 requires.
func (g *Guard) Reserve(ctx context.Context, requestID, canonicalID string, user domain.User, inputTokensEstimate, maxOutputTokens int64, pricing domain.Pricing) error {
	isTrial := user.TrialAccount
	if isTrial && user.SubscriptionIndicators > 0 {
		isTrial = false
		if user.SubscriptionIndicators >= g.cfg.subscriptionIndicatorAlertThreshold() && g.cfg.Alert != nil {
			g.cfg.Alert(ctx, user)
		}
	}
	if isTrial {
		return nil
	}

	maxCost := money.Zero
	if pricing.InputSet {
		maxCost = maxCost.Add(money.PerThousand(pricing.InputPer1K, inputTokensEstimate))
	}
	if pricing.OutputSet {
		maxCost = maxCost.Add(money.PerThousand(pricing.OutputPer1K, maxOutputTokens))
	}

	if user.CreditBalance.LessThan(maxCost) {
		denied := &ErrInsufficientCredits{
			CurrentCredits:  user.CreditBalance,
			RequiredCredits: maxCost,
			CreditDeficit:   maxCost.Sub(user.CreditBalance),
			RequestedModel:  canonicalID,
			RequestID:       requestID,
		}
		if maxOutputTokens > 0 && maxCost.IsPositive() {
			suggested := money.FromInt(maxOutputTokens).Mul(user.CreditBalance).Div(maxCost).Decimal.IntPart()
			if suggested >= 100 {
				denied.SuggestedMaxTokens = suggested
				denied.HasSuggestion = true
			}
		}
		return denied
	}
	return nil
}

// IsBillable reports whether user's usage should be settled against their
// balance at all. It mirrors Reserve's trial/subscription-indicator logic so
// the settlement call site can skip Settle/SettleStreaming entirely for a
// genuine trial account instead of settling a cost that was never reserved.
func IsBillable(user domain.User) bool {
	return !user.TrialAccount || user.SubscriptionIndicators > 0
}

// Settle applies the actual cost of a completed (non-streaming) request.
// It retries the optimistic-locking CAS write up to Config.SettleRetries
// times with backoff; if every attempt loses the race, the deduction is
// written to the FailureJournal instead of being silently dropped, and
// Settle returns the journal write's error (or nil, since from the
// caller's point of view the response has already been served either way).
func (g *Guard) Settle(ctx context.Context, userID, requestID string, cost money.Amount) error {
	return g.settle(ctx, userID, requestID, cost, g.cfg.settleRetries())
}

// SettleStreaming is Settle with a longer retry budget, for the
// streaming-response code path where the final usage frame arrives well
// after the request's initial credit check and so is more likely to race a
// concurrent settlement on the same account.
func (g *Guard) SettleStreaming(ctx context.Context, userID, requestID string, cost money.Amount) error {
	return g.settle(ctx, userID, requestID, cost, g.cfg.streamingSettleRetries())
}

func (g *Guard) settle(ctx context.Context, userID, requestID string, cost money.Amount, retries int) error {
	if cost.IsZero() {
		return nil
	}
	delta := money.Zero.Sub(cost)

	var lastErr error
retryLoop:
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(g.cfg.backoff(attempt - 1)):
			}
		}

		_, version, err := g.ledger.GetBalance(ctx, userID)
		if err != nil {
			lastErr = err
			continue
		}

		newVersion, err := g.ledger.SettleAtomic(ctx, userID, version, delta)
		if err == nil {
			_ = newVersion
			balanceAfter, _, balErr := g.ledger.GetBalance(ctx, userID)
			if balErr != nil {
				balanceAfter = money.Zero
			}
			return g.ledger.RecordTransaction(ctx, Transaction{
				UserID:       userID,
				RequestID:    requestID,
				Amount:       delta,
				BalanceAfter: balanceAfter,
				CreatedAt:    time.Now(),
			})
		}

		lastErr = err
		if !errors.Is(err, ErrVersionConflict) {
			break // not a retryable conflict — a real storage error
		}
	}

	if g.journal == nil {
		return lastErr
	}
	return g.journal.Record(ctx, DeductionFailure{
		UserID:     userID,
		RequestID:  requestID,
		Amount:     delta,
		Reason:     reasonFor(lastErr),
		OccurredAt: time.Now(),
	})
}

func reasonFor(err error) string {
	if err == nil {
		return "retries_exhausted"
	}
	return err.Error()
}
