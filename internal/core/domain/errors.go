package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a business domain error with a structured error code.
type DomainError struct {
	Code    string // Error code (e.g., "TS-ENT-4040")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Entity Errors (ENT)
// ============================================================================

var (
	// ErrEntityNotFound indicates the entity is not held by the table.
	ErrEntityNotFound = NewDomainError("TS-ENT-4040", "entity not found")

	// ErrEntityConflict indicates the entity ID already exists.
	ErrEntityConflict = NewDomainError("TS-ENT-4090", "entity id conflict")

	// ErrEntityValidation indicates entity data validation failed.
	ErrEntityValidation = NewDomainError("TS-ENT-4001", "entity validation failed")
)

// ============================================================================
// Save Errors (SAVE)
// ============================================================================

var (
	// ErrSaveSuperseded indicates a collection was aborted in favor of a
	// blocking save. No snapshot was produced; retry with a fresh save.
	ErrSaveSuperseded = NewDomainError("TS-SAVE-4090", "save superseded by a newer save request")

	// ErrSaveInProgress indicates a background save request was dropped
	// because a collection is already running.
	ErrSaveInProgress = NewDomainError("TS-SAVE-4091", "save already in progress")

	// ErrSaveFailed indicates the consumer could not persist a snapshot.
	ErrSaveFailed = NewDomainError("TS-SAVE-5000", "save failed")

	// ErrEngineClosed indicates the engine no longer accepts requests.
	ErrEngineClosed = NewDomainError("TS-SAVE-5030", "engine closed")
)

// ============================================================================
// Snapshot Errors (SNAP)
// ============================================================================

var (
	// ErrSnapshotNotFound indicates the requested snapshot does not exist.
	ErrSnapshotNotFound = NewDomainError("TS-SNAP-4040", "snapshot not found")

	// ErrSnapshotCorrupted indicates a snapshot failed integrity checks.
	ErrSnapshotCorrupted = NewDomainError("TS-SNAP-4220", "snapshot corrupted")
)

// ============================================================================
// Argument Errors (ARG)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("TS-ARG-1001", "invalid argument")
)
