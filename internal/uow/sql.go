package uow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/cropstack/settlement/internal/metrics"
	"github.com/cropstack/settlement/internal/retry"
)

type txKey struct{}

// PostgreSQL error codes that mean "run the whole transaction again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLRunner runs units of work as PostgreSQL transactions.
type SQLRunner struct {
	db     *sql.DB
	policy retry.Policy
}

// NewSQLRunner creates a runner that retries serialization failures and
// deadlocks up to five times.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{
		db: db,
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
			Retryable:   IsTransient,
		},
	}
}

// Do runs fn inside a transaction. The transaction is retried from the
// start on transient conflicts; any other error rolls it back and is
// returned unchanged.
func (r *SQLRunner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	attempt := 0
	var committed *hooks
	err := r.policy.Do(ctx, func() error {
		if attempt > 0 {
			metrics.UnitOfWorkRetries.Inc()
		}
		attempt++
		hctx, h := withHooks(ctx)
		if err := r.runOnce(hctx, fn); err != nil {
			return err
		}
		committed = h
		return nil
	})
	if err != nil {
		return err
	}
	committed.run()
	return nil
}

func (r *SQLRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Conn returns the transaction bound to ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// IsTransient reports whether err is a PostgreSQL conflict that a fresh
// attempt of the same transaction can resolve.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// IsCheckViolation reports whether err came from a CHECK constraint, such
// as the non-negative quantity guard on listings.
func IsCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

// IsUniqueViolation reports whether err came from a unique index.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ Runner = (*SQLRunner)(nil)
