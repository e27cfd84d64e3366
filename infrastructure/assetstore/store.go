// Package assetstore implements domain/assets/engine.Repository against
// Postgres: manual BeginTx/Commit/Rollback transactions and lib/pq array
// binding, the same style applications/jam's PGStore uses, generalized from
// one work-package table family to the asset params/instance/
// materialization/membership/decision-log schema.
package assetstore

import (
	"context"
	"database/sql"
	"sync"
)

// querier is the subset of *sql.DB / *sql.Tx the store's per-table files
// call through; RunInTx swaps in a *sql.Tx transparently via ctx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the Postgres-backed implementation of engine.Repository.
type Store struct {
	DB *sql.DB

	advisory     advisoryLocks
	advisoryOnce sync.Once
}

// New constructs a Store over db. Callers are responsible for applying
// infrastructure/assetstore/migrations before first use.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

type txKeyType struct{}

var txKey txKeyType

// q returns the active transaction from ctx if RunInTx is in progress,
// otherwise the pooled *sql.DB.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.DB
}

// RunInTx executes fn with a context carrying a transaction-scoped querier;
// every store call made with that ctx (directly or through fn's callees)
// joins the same transaction. Commits on a nil return, rolls back and
// re-panics on panic, rolls back and returns the error otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, txKey, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
