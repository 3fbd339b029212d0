// Package errs provides the error taxonomy shared by every core component.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a kind of error in the taxonomy, not a specific message.
type Code string

const (
	// CodeConfigError means the pipeline configuration is structurally invalid.
	CodeConfigError Code = "CONFIG_ERROR"
	// CodeNotFound means a referenced entity does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeTransientProviderError means a retryable LLM failure occurred.
	CodeTransientProviderError Code = "TRANSIENT_PROVIDER_ERROR"
	// CodePermanentProviderError means a non-retryable LLM failure occurred.
	CodePermanentProviderError Code = "PERMANENT_PROVIDER_ERROR"
	// CodeDecryptionError means ciphertext could not be decrypted.
	CodeDecryptionError Code = "DECRYPTION_ERROR"
	// CodeStorageError means a persistence transport issue occurred.
	CodeStorageError Code = "STORAGE_ERROR"
	// CodeTimeout means a job or step exceeded its wall-clock budget.
	CodeTimeout Code = "TIMEOUT"
	// CodeCancelled means cooperative cancellation was requested and observed.
	CodeCancelled Code = "CANCELLED"
	// CodeStopCondition means a step's stop_on_values matched; not a failure.
	CodeStopCondition Code = "STOP_CONDITION"
	// CodeLedgerWriteError means a cost ledger insert failed. Always swallowed.
	CodeLedgerWriteError Code = "LEDGER_WRITE_ERROR"
)

// Error is the carrier type for every error the core components raise.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ConfigError reports a structurally invalid pipeline configuration.
func ConfigError(message string) *Error {
	return New(CodeConfigError, message)
}

// NotFound reports a missing entity.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "resource not found").
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// TransientProviderError reports a retryable LLM failure.
func TransientProviderError(err error) *Error {
	return Wrap(CodeTransientProviderError, "LLM provider call failed transiently", err)
}

// PermanentProviderError reports a non-retryable LLM failure.
func PermanentProviderError(err error) *Error {
	return Wrap(CodePermanentProviderError, "LLM provider call failed permanently", err)
}

// DecryptionError reports a ciphertext that could not be decrypted.
func DecryptionError(err error) *Error {
	return Wrap(CodeDecryptionError, "ciphertext could not be decrypted", err)
}

// StorageError reports a persistence transport issue.
func StorageError(op string, err error) *Error {
	return Wrap(CodeStorageError, "storage operation failed", err).WithDetails("operation", op)
}

// Timeout reports a job or step exceeding its wall-clock budget.
func Timeout(operation string) *Error {
	return New(CodeTimeout, "operation timed out").WithDetails("operation", operation)
}

// Cancelled reports cooperative cancellation having taken effect.
func Cancelled() *Error {
	return New(CodeCancelled, "operation cancelled")
}

// StopCondition reports a step's stop_on_values sentinel match.
func StopCondition(reason, message string) *Error {
	return New(CodeStopCondition, message).WithDetails("termination_reason", reason)
}

// LedgerWriteError reports a cost ledger insert failure. Callers must
// swallow this: the executor continues regardless.
func LedgerWriteError(err error) *Error {
	return Wrap(CodeLedgerWriteError, "cost ledger write failed", err)
}

// Is reports whether the first *Error in err's chain carries the given Code;
// an *Error wrapped inside another *Error is not inspected.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As extracts the *Error from an error chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
