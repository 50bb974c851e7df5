// Package sql persists the transactional tables the routing engine owns:
// users (credit balances, optimistic-lock version), credit_deduction_failures
// (the durable journal for settlements that lost every retry),
// model_health_tracking, and models_catalog. It follows the dual-dialect
// database/sql pattern from ferro-labs-ai-gateway's internal/admin/sql_store.go
// — blank-import driver registration, a single `?`-placeholder query string
// rebound to `$N` for Postgres, additive ALTER TABLE migrations guarded
// against "already exists" — generalized from that file's single api_keys
// table to the routing engine's own schema.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"        // Postgres driver
	_ "modernc.org/sqlite"       // SQLite driver

	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/money"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// Store is the SQL-backed persistence layer for users, the credit
// deduction failure journal, model health snapshots, and the models
// catalog.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLite opens (creating if needed) a SQLite-backed Store. Intended for
// local development and single-instance deployments.
func NewSQLite(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gateway.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres opens a Postgres-backed Store. Intended for production,
// multi-replica deployments.
func NewPostgres(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	timestampType := "DATETIME"
	if s.dialect == dialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	api_key_id TEXT UNIQUE NOT NULL,
	credit_balance TEXT NOT NULL DEFAULT '0',
	version INTEGER NOT NULL DEFAULT 0,
	trial_account BOOLEAN NOT NULL DEFAULT FALSE,
	subscription_indicators INTEGER NOT NULL DEFAULT 0,
	created_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_api_key_id ON users(api_key_id);

CREATE TABLE IF NOT EXISTS credit_deduction_failures (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	reason TEXT NOT NULL,
	occurred_at %[1]s NOT NULL,
	resolved BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_deduction_failures_user ON credit_deduction_failures(user_id);

CREATE TABLE IF NOT EXISTS model_health_tracking (
	provider_slug TEXT NOT NULL,
	canonical_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	healthy BOOLEAN NOT NULL,
	last_probed_at %[1]s NOT NULL,
	latency_ms INTEGER NOT NULL,
	consecutive INTEGER NOT NULL,
	PRIMARY KEY (provider_slug, canonical_id)
);

CREATE TABLE IF NOT EXISTS models_catalog (
	canonical_id TEXT PRIMARY KEY,
	modality TEXT NOT NULL,
	aliases TEXT NOT NULL,
	updated_at %[1]s NOT NULL
);`, timestampType)

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
	}
	return nil
}

func (s *Store) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	argNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// GetBalance implements credit.Ledger.
func (s *Store) GetBalance(ctx context.Context, userID string) (money.Amount, int64, error) {
	q := s.bind(`SELECT credit_balance, version FROM users WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, userID)

	var balanceStr string
	var version int64
	if err := row.Scan(&balanceStr, &version); err != nil {
		return money.Zero, 0, fmt.Errorf("get balance: %w", err)
	}
	balance, err := money.NewFromString(balanceStr)
	if err != nil {
		return money.Zero, 0, err
	}
	return balance, version, nil
}

// SettleAtomic implements credit.Ledger. It applies delta only if the row's
// version still matches expectedVersion, the optimistic-locking compare-
// and-swap at the heart of CreditGuard.Settle.
func (s *Store) SettleAtomic(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error) {
	q := s.bind(`
UPDATE users
SET credit_balance = CAST(CAST(credit_balance AS DECIMAL(20,8)) + ? AS TEXT),
    version = version + 1
WHERE id = ? AND version = ? AND CAST(credit_balance AS DECIMAL(20,8)) + ? >= 0`)

	// SQLite has no DECIMAL type and stores credit_balance as TEXT; the cast
	// above is valid SQL for Postgres only. SQLite instead recomputes the
	// balance in Go and writes it back as a plain string, since SQLite's
	// dynamic typing would otherwise silently truncate decimal precision.
	if s.dialect != dialectPostgres {
		return s.settleAtomicSQLite(ctx, userID, expectedVersion, delta)
	}

	res, err := s.db.ExecContext(ctx, q, delta.String(), userID, expectedVersion, delta.String())
	if err != nil {
		return 0, fmt.Errorf("settle atomic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		// The UPDATE matched zero rows either because the version moved
		// (a concurrent settlement won the race) or because applying delta
		// would have driven the balance negative (the guard clause). Re-read
		// to tell the two apart instead of always reporting a version
		// conflict, since the caller's retry behavior differs: a version
		// conflict should retry against the fresh version, an insufficient
		// balance should not retry at all.
		balance, version, err := s.GetBalance(ctx, userID)
		if err != nil {
			return 0, credit.ErrVersionConflict
		}
		if version == expectedVersion && balance.Add(delta).IsNegative() {
			return 0, credit.ErrInsufficientAfterFact
		}
		return 0, credit.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func (s *Store) settleAtomicSQLite(ctx context.Context, userID string, expectedVersion int64, delta money.Amount) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balanceStr string
	var version int64
	row := tx.QueryRowContext(ctx, `SELECT credit_balance, version FROM users WHERE id = ?`, userID)
	if err := row.Scan(&balanceStr, &version); err != nil {
		return 0, fmt.Errorf("settle atomic: read current balance: %w", err)
	}
	if version != expectedVersion {
		return 0, credit.ErrVersionConflict
	}

	balance, err := money.NewFromString(balanceStr)
	if err != nil {
		return 0, err
	}
	newBalance := balance.Add(delta)
	if newBalance.IsNegative() {
		return 0, credit.ErrInsufficientAfterFact
	}

	res, err := tx.ExecContext(ctx, `UPDATE users SET credit_balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
		newBalance.String(), userID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("settle atomic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, credit.ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// Record implements credit.FailureJournal, appending to
// credit_deduction_failures.
func (s *Store) Record(ctx context.Context, failure credit.DeductionFailure) error {
	q := s.bind(`
INSERT INTO credit_deduction_failures(id, user_id, request_id, amount, reason, occurred_at, resolved)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	id := failure.UserID + ":" + failure.RequestID
	_, err := s.db.ExecContext(ctx, q, id, failure.UserID, failure.RequestID, failure.Amount.String(), failure.Reason, failure.OccurredAt, false)
	if err != nil {
		return fmt.Errorf("record deduction failure: %w", err)
	}
	return nil
}

// ErrUserNotFound is returned by LookupUser when no user matches the given
// api_key_id.
var ErrUserNotFound = errors.New("sql: user not found")

// LookupUser resolves a bearer API key's key-id to the domain.User needed
// for rate-limit and credit decisions — the persistence side of
// internal/auth.Authenticator.
func (s *Store) LookupUser(ctx context.Context, apiKeyID string) (domain.User, error) {
	q := s.bind(`SELECT id, api_key_id, credit_balance, trial_account, subscription_indicators FROM users WHERE api_key_id = ?`)
	row := s.db.QueryRowContext(ctx, q, apiKeyID)

	var u domain.User
	var balanceStr string
	if err := row.Scan(&u.ID, &u.APIKeyID, &balanceStr, &u.TrialAccount, &u.SubscriptionIndicators); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	balance, err := money.NewFromString(balanceStr)
	if err != nil {
		return domain.User{}, err
	}
	u.CreditBalance = balance
	return u, nil
}

// UpsertUser creates or updates a user row, used by account provisioning
// (out of scope here beyond the minimal insert tests/fixtures need).
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	q := s.bind(`
INSERT INTO users(id, api_key_id, credit_balance, version, trial_account, subscription_indicators, created_at)
VALUES (?, ?, ?, 0, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, u.ID, u.APIKeyID, u.CreditBalance.String(), u.TrialAccount, u.SubscriptionIndicators, time.Now())
	return err
}

// RecordHealth upserts the latest HealthRecord for a (provider, canonical_id)
// pair, mirroring the in-memory state internal/health.Tracker keeps, so a
// fresh instance starting up can seed its tier assignments from the last
// known state instead of probing everything at TierOnDemand first.
func (s *Store) RecordHealth(ctx context.Context, r domain.HealthRecord) error {
	// A portable upsert without relying on dialect-specific ON CONFLICT
	// syntax: delete then insert, inside a transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := s.bind(`DELETE FROM model_health_tracking WHERE provider_slug = ? AND canonical_id = ?`)
	if _, err := tx.ExecContext(ctx, del, r.ProviderSlug, r.CanonicalID); err != nil {
		return err
	}
	ins := s.bind(`
INSERT INTO model_health_tracking(provider_slug, canonical_id, tier, healthy, last_probed_at, latency_ms, consecutive)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, r.ProviderSlug, r.CanonicalID, string(r.Tier), r.Healthy, r.LastProbedAt, r.LatencyMs, r.Consecutive); err != nil {
		return err
	}
	return tx.Commit()
}
