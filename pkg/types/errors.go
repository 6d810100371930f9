// Package types defines error types
package types

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrInvalidStrategy indicates an unknown strategy identifier or invalid strategy options
	ErrInvalidStrategy = errors.New("invalid retry strategy")

	// ErrInvalidConfig indicates invalid configuration values
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreUnavailable indicates the shared state store could not be reached
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrTimeout indicates an attempt exceeded its time bound
	ErrTimeout = errors.New("operation timeout")

	// ErrNilOperation indicates Run was called without an operation
	ErrNilOperation = errors.New("nil operation")
)

// RetryError is the final error of a run that exhausted or abandoned its retries
type RetryError struct {
	// OperationID identifies the run that produced the error
	OperationID string

	// Attempts is the number of times the operation was invoked
	Attempts int

	// Cause is the last error returned by the operation
	Cause error
}

// Error implements the error interface
func (e *RetryError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempt(s): %v", e.OperationID, e.Attempts, e.Cause)
}

// Unwrap returns the underlying error
func (e *RetryError) Unwrap() error {
	return e.Cause
}

// PanicError carries a value recovered from a panicking operation or callback
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// RetryableError represents an error that explicitly declares its retryability
type RetryableError struct {
	// Err is the underlying error
	Err error

	// Retryable indicates whether the error is retryable
	Retryable bool
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// MarkRetryable wraps err so that classification treats it as retryable
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Retryable: true}
}

// MarkPermanent wraps err so that classification never retries it
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable checks if an error is explicitly marked retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}
	return false
}

// IsPermanent checks if an error is explicitly marked as not retryable
func IsPermanent(err error) bool {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return !retryableErr.Retryable
	}
	return false
}
