// Package clickhouse is the analytical sink for the two append-only,
// high-volume tables the routing engine writes but never reads back on the
// request hot path: chat_completion_requests (one row per provider attempt)
// and credit_transactions (one row per settlement). Both are batched and
// flushed off a background goroutine on a ticker, the same non-blocking,
// batched-channel idiom internal/logger/logger.go uses for request logs —
// generalized here from a single slog.Logger.InfoContext sink to a real
// columnar batch insert via clickhouse-go.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/inference-gateway/internal/credit"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// RequestRecord is one row of chat_completion_requests: a single provider
// attempt within a request's failover chain.
type RequestRecord struct {
	RequestID       string
	UserID          string
	CanonicalID     string
	ProviderSlug    string
	UpstreamModelID string
	Outcome         domain.Outcome
	StatusCode      int32
	LatencyMs       int64
	InputTokens     int64
	OutputTokens    int64
	Cost            string // decimal string, matches money.Amount.String()
	AttemptedAt     time.Time
}

// Store batches RequestRecord and credit.Transaction rows and flushes them
// to ClickHouse. Either channel filling up drops the entry and counts it in
// Dropped* rather than blocking the request path that produced it — the
// same posture internal/logger takes toward its own channel.
type Store struct {
	conn driver.Conn
	log  *slog.Logger

	requests chan RequestRecord
	txns     chan credit.Transaction
	done     chan struct{}
	closeOnce sync.Once
	wg       sync.WaitGroup

	droppedRequests int64
	droppedTxns     int64
}

// Options configures the ClickHouse connection.
type Options struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// New dials ClickHouse and starts the background flush loop.
func New(ctx context.Context, opts Options, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	s := &Store{
		conn:     conn,
		log:      log,
		requests: make(chan RequestRecord, channelBuffer),
		txns:     make(chan credit.Transaction, channelBuffer),
		done:     make(chan struct{}),
	}

	if err := s.init(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS chat_completion_requests (
			request_id String,
			user_id String,
			canonical_id String,
			provider_slug String,
			upstream_model_id String,
			outcome String,
			status_code Int32,
			latency_ms Int64,
			input_tokens Int64,
			output_tokens Int64,
			cost String,
			attempted_at DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (canonical_id, attempted_at)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			user_id String,
			request_id String,
			amount String,
			balance_after String,
			created_at DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (user_id, created_at)`,
	}
	for _, ddl := range ddls {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("clickhouse: initialize schema: %w", err)
		}
	}
	return nil
}

// RecordRequest enqueues a chat_completion_requests row. Non-blocking: if
// the buffer is full the record is dropped and counted.
func (s *Store) RecordRequest(rec RequestRecord) {
	select {
	case s.requests <- rec:
	default:
		atomic.AddInt64(&s.droppedRequests, 1)
	}
}

// RecordTransaction implements credit.Ledger's analytical half — the SQL
// store owns the authoritative balance, this owns the append-only audit
// trail of every settlement.
func (s *Store) RecordTransaction(ctx context.Context, tx credit.Transaction) error {
	select {
	case s.txns <- tx:
		return nil
	default:
		atomic.AddInt64(&s.droppedTxns, 1)
		return nil // never block or fail a settlement over analytics capacity
	}
}

// DroppedRequests returns how many chat_completion_requests rows were
// dropped because the buffer was full.
func (s *Store) DroppedRequests() int64 { return atomic.LoadInt64(&s.droppedRequests) }

// DroppedTransactions returns how many credit_transactions rows were
// dropped because the buffer was full.
func (s *Store) DroppedTransactions() int64 { return atomic.LoadInt64(&s.droppedTxns) }

// Close stops the flush loop, draining and flushing whatever is buffered.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *Store) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	reqBatch := make([]RequestRecord, 0, batchSize)
	txnBatch := make([]credit.Transaction, 0, batchSize)

	flush := func() {
		s.flushRequests(ctx, &reqBatch)
		s.flushTxns(ctx, &txnBatch)
	}

	for {
		select {
		case rec := <-s.requests:
			reqBatch = append(reqBatch, rec)
			if len(reqBatch) >= batchSize {
				s.flushRequests(ctx, &reqBatch)
			}

		case tx := <-s.txns:
			txnBatch = append(txnBatch, tx)
			if len(txnBatch) >= batchSize {
				s.flushTxns(ctx, &txnBatch)
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for drained := false; !drained; {
				select {
				case rec := <-s.requests:
					reqBatch = append(reqBatch, rec)
				case tx := <-s.txns:
					txnBatch = append(txnBatch, tx)
				default:
					drained = true
				}
			}
			flush()
			return
		}
	}
}

func (s *Store) flushRequests(ctx context.Context, batch *[]RequestRecord) {
	if len(*batch) == 0 {
		return
	}
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO chat_completion_requests")
	if err != nil {
		s.log.ErrorContext(ctx, "clickhouse_prepare_batch_failed", slog.String("table", "chat_completion_requests"), slog.Any("error", err))
		*batch = (*batch)[:0]
		return
	}
	for _, r := range *batch {
		if err := b.Append(
			r.RequestID, r.UserID, r.CanonicalID, r.ProviderSlug, r.UpstreamModelID,
			string(r.Outcome), r.StatusCode, r.LatencyMs, r.InputTokens, r.OutputTokens,
			r.Cost, r.AttemptedAt,
		); err != nil {
			s.log.ErrorContext(ctx, "clickhouse_append_failed", slog.Any("error", err))
		}
	}
	if err := b.Send(); err != nil {
		s.log.ErrorContext(ctx, "clickhouse_send_batch_failed", slog.String("table", "chat_completion_requests"), slog.Any("error", err))
	}
	*batch = (*batch)[:0]
}

func (s *Store) flushTxns(ctx context.Context, batch *[]credit.Transaction) {
	if len(*batch) == 0 {
		return
	}
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO credit_transactions")
	if err != nil {
		s.log.ErrorContext(ctx, "clickhouse_prepare_batch_failed", slog.String("table", "credit_transactions"), slog.Any("error", err))
		*batch = (*batch)[:0]
		return
	}
	for _, tx := range *batch {
		if err := b.Append(tx.UserID, tx.RequestID, tx.Amount.String(), tx.BalanceAfter.String(), tx.CreatedAt); err != nil {
			s.log.ErrorContext(ctx, "clickhouse_append_failed", slog.Any("error", err))
		}
	}
	if err := b.Send(); err != nil {
		s.log.ErrorContext(ctx, "clickhouse_send_batch_failed", slog.String("table", "credit_transactions"), slog.Any("error", err))
	}
	*batch = (*batch)[:0]
}
