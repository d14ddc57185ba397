package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
//
// Business conditions (insufficient credits, hold not found, hold not active)
// surface verbatim to the caller; infrastructure faults (lock timeout, storage
// unavailable) are retryable by background workers only.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrHoldNotFound             = errors.New("hold not found")
	ErrHoldNotActive            = errors.New("hold not active")
	ErrLockTimeout              = errors.New("account lock timeout")
	ErrStorageUnavailable       = errors.New("storage unavailable")
	ErrExternalSyncFailure      = errors.New("external sync failure")
	ErrAllocationAlreadyApplied = errors.New("allocation already applied for period")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionNotPending    = errors.New("transaction not pending")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidHoldID            = errors.New("invalid hold id")
	ErrInvalidCreditAmount      = errors.New("invalid credit amount")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidSubscriptionTier  = errors.New("invalid subscription tier")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidHoldTTL           = errors.New("invalid hold ttl")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// InsufficientCreditsError reports the shortfall so the caller can present an
// actionable message. It unwraps to ErrInsufficientCredits.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", insufficient.Required, insufficient.Available)
}

// Unwrap links the error to the ErrInsufficientCredits sentinel.
func (insufficient InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsBusinessCondition reports whether the error is a business outcome rather
// than an infrastructure fault. Business conditions are never retried.
func IsBusinessCondition(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrHoldNotActive) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrTransactionNotPending)
}

// IsRetryable reports whether the error is transient contention safe to retry
// with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrStorageUnavailable)
}
