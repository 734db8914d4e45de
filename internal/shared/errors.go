package shared

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any write. It is not
// retryable; the caller must fix the request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError covers duplicate references and lock-acquisition timeouts.
// Both are recoverable: a duplicate retry is answered with the original
// record, a lock timeout should be retried with backoff.
type ConflictError struct {
	Subject   string
	Reference string
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("conflict on %s (ref %s): %s", e.Subject, e.Reference, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Subject, e.Reason)
}

// InvalidQuantityError rejects a receipt or consumption that would drive
// the running average through a division by zero or the stock negative.
type InvalidQuantityError struct {
	Subject string
	Reason  string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity for %s: %s", e.Subject, e.Reason)
}

// NotFoundError signals a settlement run or query against an unknown subject.
type NotFoundError struct {
	Subject string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("subject %s not found", e.Subject)
}

// IsRetryable reports whether the caller may safely retry the operation.
// Only conflicts qualify; validation and quantity failures need upstream
// correction first.
func IsRetryable(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// UserSafeMessage returns a message suitable for API consumers. Internal
// failures are collapsed to a generic string so storage details never leak.
func UserSafeMessage(err error) string {
	var (
		validation *ValidationError
		conflict   *ConflictError
		quantity   *InvalidQuantityError
		notFound   *NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return validation.Error()
	case errors.As(err, &conflict):
		return conflict.Error()
	case errors.As(err, &quantity):
		return quantity.Error()
	case errors.As(err, &notFound):
		return notFound.Error()
	default:
		return "internal error"
	}
}
