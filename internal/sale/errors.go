package sale

import (
	"errors"
	"fmt"

	"coopstore/m/internal/ledger"
)

// ValidationError rejects a request before any storage is touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid sale: " + e.Reason
}

// PersistenceError wraps a datastore failure. The unit of work has been rolled
// back; the call is safe to retry, ideally with the same idempotency key.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sale %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// domainError reports whether err is one of the typed outcomes callers must
// be able to distinguish from a retryable datastore failure.
func domainError(err error) bool {
	var stockErr *ledger.InsufficientStockError
	var creditErr *ledger.InsufficientCreditError
	return errors.As(err, &stockErr) ||
		errors.As(err, &creditErr) ||
		errors.Is(err, ledger.ErrProductNotFound) ||
		errors.Is(err, ledger.ErrMemberNotFound)
}

func wrap(op string, err error) error {
	if domainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
