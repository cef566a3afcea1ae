// Package store wraps db.Querier with transaction support and groups the
// ledger writes whose correctness depends on row-level atomicity: reserving
// an invoice, marking it paid and claiming its email for dispatch.
//
// Dependency rule: store imports db only. It never imports api, delivery,
// email or worker.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/RCasatta/pay2email/internal/db"
)

// maxTxAttempts bounds how often withTx re-runs fn after a serialization
// failure or deadlock reported by Postgres.
const maxTxAttempts = 3

// Store holds a *sql.DB for starting transactions and a db.Querier for
// executing queries outside of transactions.
type Store struct {
	pool *sql.DB
	q    db.Querier
}

// New creates a Store from a live connection pool. The pool must already be
// open and verified before calling New.
func New(pool *sql.DB, q db.Querier) *Store {
	return &Store{pool: pool, q: q}
}

// Q exposes the underlying Querier for single-query reads.
func (s *Store) Q() db.Querier {
	return s.q
}

// PingContext reports whether the database is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	return s.pool.PingContext(ctx)
}

// txQuerier receives a transactional Querier. Returning a non-nil error
// rolls the transaction back.
type txQuerier func(ctx context.Context, q db.Querier) error

// withTx runs fn inside a transaction at the given isolation level, committing
// on success and rolling back on error or panic. Serialization failures and
// deadlocks are retried up to maxTxAttempts times.
func (s *Store) withTx(ctx context.Context, iso sql.IsolationLevel, fn txQuerier) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, iso, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("store: giving up after %d attempts: %w", maxTxAttempts, err)
}

func (s *Store) runTx(ctx context.Context, iso sql.IsolationLevel, fn txQuerier) error {
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txQ := s.q.(*db.Queries).WithTx(tx)

	if err := fn(ctx, txQ); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// ─── POSTGRES ERROR CODES ────────────────────────────────────────────────────

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isRetryable(err error) bool {
	code := pqCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}
