package httpx

import (
	"errors"
	"net/http"

	"github.com/meridian-erp/meridian-ledger/internal/shared"
)

// RespondError maps ledger domain errors to HTTP responses using RFC7807.
// The detail string goes through UserSafeMessage so storage internals never
// reach API consumers.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validation *shared.ValidationError
		conflict   *shared.ConflictError
		quantity   *shared.InvalidQuantityError
		notFound   *shared.NotFoundError
	)
	detail := shared.UserSafeMessage(err)
	switch {
	case errors.As(err, &notFound):
		Problem(w, http.StatusNotFound, "Not Found", detail)
	case errors.As(err, &conflict):
		Problem(w, http.StatusConflict, "Conflict", detail)
	case errors.As(err, &validation):
		Problem(w, http.StatusBadRequest, "Validation Failed", detail)
	case errors.As(err, &quantity):
		Problem(w, http.StatusUnprocessableEntity, "Invalid Quantity", detail)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", detail)
	}
}
