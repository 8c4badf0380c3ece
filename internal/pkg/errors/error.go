package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrRateLimited    = errors.New("too many requests")
	ErrBadRequest     = errors.New("bad request")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrUnexpectedState signals that a handler found a Transaction in
	// a state that does not admit the requested transition — the
	// idempotency gate described in spec §4.1.
	ErrUnexpectedState = errors.New("transaction not in expected state")

	// ErrUnsupportedCarrier is returned when a destination classifies
	// as gateway.CarrierUnknown.
	ErrUnsupportedCarrier = errors.New("destination carrier is not supported")

	// ErrAmountOutOfRange is returned when a requested amount falls
	// outside [5, 5000].
	ErrAmountOutOfRange = errors.New("amount outside permitted range")

	// ErrInsufficientFloat is returned by the float ledger when a debit
	// would drive a balance below zero.
	ErrInsufficientFloat = errors.New("INSUFFICIENT_FLOAT")
)

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap extracts the underlying wrapped error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
