package inventory

import "errors"

// Typed failures returned across the component boundary. Storage detail
// never crosses it; callers only see one of these.
var (
	ErrMedicationNotFound      = errors.New("medication not found")
	ErrInvalidQuantity         = errors.New("quantity must be a positive integer")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrIssuanceFailed          = errors.New("prescription issuance failed")
	ErrUnauthorizedStockUpdate = errors.New("stock update without acting staff")
	ErrStockUpdateFailed       = errors.New("stock update failed")
	ErrPrescriptionConflict    = errors.New("prescription item id already used for a different issuance")
)

// ErrNegativeStock is returned by the ledger when a write would leave stock
// below zero. The issuance checks make it unreachable from Issue.
var ErrNegativeStock = errors.New("stock quantity cannot be negative")

// IsRetryable reports whether err is a transient failure after which the
// whole operation may be retried. Business outcomes are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIssuanceFailed) || errors.Is(err, ErrStockUpdateFailed)
}

// isDomainError reports whether err is one of the typed outcomes that pass
// through unchanged.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrMedicationNotFound,
		ErrInvalidQuantity,
		ErrInsufficientStock,
		ErrUnauthorizedStockUpdate,
		ErrNegativeStock,
		ErrPrescriptionConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
