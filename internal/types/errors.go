package types

import (
	"errors"
	"fmt"
)

// Sentinel domain errors. Callers match with errors.Is.
var (
	// ErrInsufficientFunds is returned when a reservation or withdrawal
	// exceeds the wallet's available balance. Expected, user-facing.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLockTimeout is returned when a wallet or order lock could not be
	// acquired within the configured wait. Transient; callers may retry
	// with backoff.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotFound is returned when a referenced wallet, order or trade does
	// not exist or does not belong to the caller.
	ErrNotFound = errors.New("resource not found")
)

// ValidationError rejects malformed input before any storage mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConsistencyError signals a broken internal invariant, e.g. a posting that
// would drive a balance negative or a wallet write that lost a version
// race. Always fatal to the operation; never silently corrected.
type ConsistencyError struct {
	WalletID string
	Detail   string
}

func (e *ConsistencyError) Error() string {
	if e.WalletID == "" {
		return fmt.Sprintf("consistency violation: %s", e.Detail)
	}
	return fmt.Sprintf("consistency violation on wallet %s: %s", e.WalletID, e.Detail)
}
