// Package postgres is the production store.Store implementation, backed
// by lib/pq + jmoiron/sqlx. The tx-in-context plumbing here is adapted
// from the teacher's pkg/storage/postgres/base_store.go: a transaction
// begun by WithTx is stashed in the context and every query helper below
// picks it up transparently, so callers never pass a *sql.Tx explicitly.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// ContextWithTx returns a context carrying tx, picked up by queryer().
func ContextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stashed in ctx, if any.
func TxFromContext(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx, ok
}

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Store wraps a *sqlx.DB and implements store.Store.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// queryer returns the in-flight transaction from ctx, falling back to the
// pooled *sqlx.DB when no WithTx call is active.
func (s *Store) queryer(ctx context.Context) Queryer {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// WithTx begins a transaction, runs fn with a context carrying it, and
// commits on success or rolls back on error/panic. Nested calls reuse the
// outer transaction instead of starting a new one (matching the teacher's
// base_store.go re-entrancy behavior), since the task-claim path composes
// several store methods that must share one serialized transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := ContextWithTx(ctx, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
