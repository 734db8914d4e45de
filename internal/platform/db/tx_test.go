package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

func TestSerializationFailureBecomesConflict(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		pgErr := &pgconn.PgError{Code: code, Message: "could not serialize access due to concurrent update"}
		err := translateConflict(fmt.Errorf("posting: %w", pgErr))

		var conflict *shared.ConflictError
		require.ErrorAs(t, err, &conflict, "code %s", code)
		require.True(t, shared.IsRetryable(err))
	}
}

func TestOtherErrorsPassThrough(t *testing.T) {
	plain := errors.New("connection refused")
	require.Same(t, plain, translateConflict(plain))

	unique := &pgconn.PgError{Code: "23505"}
	require.Same(t, unique, translateConflict(unique))
}
