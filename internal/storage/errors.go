package storage

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes attached to propagated errors.
const (
	CodeConsentRequired     = "CONSENT_REQUIRED"
	CodeNotInitialized      = "NOT_INITIALIZED"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeEncryptionFailed    = "ENCRYPTION_FAILED"
	CodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	CodeInitializeFailed    = "INITIALIZE_FAILED"
	CodeDestroyFailed       = "DESTROY_FAILED"
)

// ErrNotInitialized guards every public operation before Initialize.
var ErrNotInitialized = &StorageError{
	Code:    CodeNotInitialized,
	Message: "storage orchestrator not initialized",
}

// StorageError is the generic propagated error: a stable code, a message
// and an optional details payload, wrapping the underlying cause.
type StorageError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches on code so sentinel comparisons work across wrapping.
func (e *StorageError) Is(target error) bool {
	var se *StorageError
	if errors.As(target, &se) {
		return e.Code == se.Code
	}
	return false
}

// InitError is the fatal initialization/destruction kind. It carries the
// sanitized configuration for diagnostics, never secrets.
type InitError struct {
	Phase  string
	Config map[string]any
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Phase, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ConsentError blocks an operation whose purpose the data subject has not
// granted. It is a distinct kind rather than a coded storage error so
// callers can branch on it directly.
type ConsentError struct {
	UserID  string
	Purpose string
	Table   string
	Op      string
}

func (e *ConsentError) Error() string {
	return fmt.Sprintf("%s: user %q has not granted purpose %q for %s on %q",
		CodeConsentRequired, e.UserID, e.Purpose, e.Op, e.Table)
}

// Code returns the stable machine-readable code.
func (e *ConsentError) Code() string { return CodeConsentRequired }

// ValidationError reports a structural rule violation before any write.
type ValidationError struct {
	Table  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: table %q field %q: %s",
		CodeValidationFailed, e.Table, e.Field, e.Reason)
}

// TransactionNotFoundError reports commit/rollback of an unknown or
// already-resolved transaction id.
type TransactionNotFoundError struct {
	ID string
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("%s: transaction %q not found", CodeTransactionNotFound, e.ID)
}

// encryptionError wraps a cipher failure; no partial write follows it.
func encryptionError(table string, err error) error {
	return &StorageError{
		Code:    CodeEncryptionFailed,
		Message: fmt.Sprintf("failed to process entity for table %q", table),
		Err:     err,
	}
}
