package minutes

import (
	"errors"
	"fmt"

	"github.com/xraph/minutes/id"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("minutes: not found")
	ErrAlreadyExists = errors.New("minutes: already exists")
	ErrInvalidInput  = errors.New("minutes: invalid input")
	ErrForbidden     = errors.New("minutes: forbidden")

	// Allocation errors
	ErrAccountNotFound = errors.New("minutes: account not found")
	ErrAdminNotFound   = errors.New("minutes: tenant admin not found")
	ErrQuotaExceeded   = errors.New("minutes: quota exceeded")
	ErrConflict        = errors.New("minutes: version conflict")

	// Ledger errors
	ErrEntryNotFound  = errors.New("minutes: ledger entry not found")
	ErrDuplicateEntry = errors.New("minutes: duplicate idempotency key")
	ErrPartialFailure = errors.New("minutes: partial failure")

	// Catalog errors
	ErrPlanNotFound    = errors.New("minutes: plan not found")
	ErrPricingNotFound = errors.New("minutes: pricing not found")

	// Engine errors
	ErrPersistence     = errors.New("minutes: persistence failure")
	ErrEngineStopped   = errors.New("minutes: engine stopped")
	ErrLockNotAcquired = errors.New("minutes: tenant lock not acquired")
)

// ValidationError rejects malformed input before any shared state is read.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("minutes: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// QuotaExceededError reports a change that would break the tenant pool.
// No writes happened.
type QuotaExceededError struct {
	AdminID          id.AccountID
	AdminLimit       int64
	CurrentAllocated int64
	Requested        int64
	Reason           string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("minutes: quota exceeded: %s (admin limit %d, allocated %d, requested %d)",
		e.Reason, e.AdminLimit, e.CurrentAllocated, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// ConflictError reports an optimistic version mismatch. The caller should
// re-read and retry.
type ConflictError struct {
	AccountID id.AccountID
	Expected  int64
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("minutes: version conflict on %s (expected version %d, %d attempts)",
		e.AccountID, e.Expected, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PartialFailureError reports that one side of a paired write was applied
// and the other was not. Compensated tells whether the applied side was
// reverted; when false the ledger needs manual reconciliation.
type PartialFailureError struct {
	Operation     string
	CorrelationID id.CorrelationID
	Compensated   bool
	Cause         error
	CompensateErr error
}

func (e *PartialFailureError) Error() string {
	state := "compensated"
	if !e.Compensated {
		state = "NOT compensated, manual reconciliation required"
	}
	msg := fmt.Sprintf("minutes: partial failure in %s %s (%s): %v", e.Operation, e.CorrelationID, state, e.Cause)
	if e.CompensateErr != nil {
		msg += fmt.Sprintf("; compensation: %v", e.CompensateErr)
	}
	return msg
}

func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Cause}
}

// PersistenceError reports that storage failed and nothing was applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("minutes: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAdminNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrPricingNotFound)
}

// IsQuotaError returns true if the error is a pool invariant rejection.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsValidation returns true if the error is an input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRetryable returns true if the operation can be retried after a fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockNotAcquired)
}

// IsPartialFailure returns true if the error needs reconciliation attention.
func IsPartialFailure(err error) bool {
	return errors.Is(err, ErrPartialFailure)
}
