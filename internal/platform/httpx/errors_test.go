package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

func respond(t *testing.T, err error) (int, ProblemDetail) {
	t.Helper()
	rr := httptest.NewRecorder()
	RespondError(rr, err)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	return rr.Code, problem
}

func TestRespondErrorStatusByType(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&shared.NotFoundError{Subject: "customer 9"}, http.StatusNotFound},
		{&shared.ConflictError{Subject: "customer 9", Reason: "lock timeout"}, http.StatusConflict},
		{shared.Validationf("amount required"), http.StatusBadRequest},
		{&shared.InvalidQuantityError{Subject: "product 1", Reason: "zero stock"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		status, problem := respond(t, fmt.Errorf("posting: %w", tc.err))
		require.Equal(t, tc.status, status)
		require.Equal(t, tc.err.Error(), problem.Detail)
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	status, problem := respond(t, errors.New(`connect tcp 10.0.0.5:5432: connection refused`))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "internal error", problem.Detail)
}
