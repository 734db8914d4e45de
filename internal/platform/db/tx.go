package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// WithTx executes a function within a RepeatableRead transaction. A posting
// either commits as a whole or leaves no trace; callers never see a
// partially written entry.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return translateConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return translateConflict(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// translateConflict maps Postgres serialization failures, deadlocks and
// lock timeouts onto the retryable conflict type. Transactions that lose a
// row-lock race under RepeatableRead surface as SQLSTATE 40001; the caller
// retries instead of seeing a storage error.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return &shared.ConflictError{Subject: "transaction", Reason: pgErr.Message}
	}
	return err
}
