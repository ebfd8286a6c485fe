package ingest

import (
	"errors"
	"fmt"
)

// ApplyError represents a failure while applying one incoming record.
//
// Apply errors include:
//   - Resolution failure: A referenced entity identity cannot be found
//   - Conflict: A version mismatch or a concurrently deleted reference
//   - Storage failure: The persistence layer rejected an operation
//   - Class excluded: The entity type does not participate in ingest
//
// ApplyError includes structured fields for diagnostics; Outcome maps
// the error to the import record state written for the attempt.
type ApplyError struct {
	// Code identifies the error category.
	Code ApplyErrorCode

	// Message is a human-readable description.
	Message string

	// OriginalUUID identifies the affected record.
	OriginalUUID string

	// EntityType and EntityUUID identify the change item that failed,
	// when the failure is attributable to one.
	EntityType string
	EntityUUID string

	// Err is the underlying cause, when any.
	Err error
}

// ApplyErrorCode categorizes apply errors.
type ApplyErrorCode string

const (
	// ErrCodeResolutionFailed indicates a structurally unresolvable
	// reference, such as a record that deletes an entity and then
	// references it again.
	ErrCodeResolutionFailed ApplyErrorCode = "RESOLUTION_FAILED"

	// ErrCodeConflict indicates a concurrent-modification failure:
	// a base version mismatch, or a reference that was deleted after
	// the sender captured the change.
	ErrCodeConflict ApplyErrorCode = "CONFLICT"

	// ErrCodeStorageFailure indicates the persistence layer failed.
	ErrCodeStorageFailure ApplyErrorCode = "STORAGE_FAILURE"

	// ErrCodeClassExcluded indicates the entity type is not registered
	// for ingest on this node.
	ErrCodeClassExcluded ApplyErrorCode = "CLASS_EXCLUDED"

	// ErrCodeBadPayload indicates a malformed or tampered record:
	// checksum mismatch or invalid change structure.
	ErrCodeBadPayload ApplyErrorCode = "BAD_PAYLOAD"
)

// Error implements the error interface.
func (e *ApplyError) Error() string {
	if e.EntityType != "" && e.EntityUUID != "" {
		return fmt.Sprintf("%s: %s (entity=%s/%s)", e.Code, e.Message, e.EntityType, e.EntityUUID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ApplyError) Unwrap() error {
	return e.Err
}

// IsConflict returns true if the error is a concurrent-modification
// conflict. Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeConflict
	}
	return false
}

// newResolutionError creates an ApplyError for a structurally
// unresolvable reference.
func newResolutionError(entityType, entityUUID string) *ApplyError {
	return &ApplyError{
		Code:       ErrCodeResolutionFailed,
		Message:    "reference to an entity deleted earlier in the same record",
		EntityType: entityType,
		EntityUUID: entityUUID,
	}
}

// newConflictError creates an ApplyError for a version or deletion conflict.
func newConflictError(entityType, entityUUID, msg string) *ApplyError {
	return &ApplyError{
		Code:       ErrCodeConflict,
		Message:    msg,
		EntityType: entityType,
		EntityUUID: entityUUID,
	}
}

// newStorageError wraps a persistence failure.
func newStorageError(op string, err error) *ApplyError {
	return &ApplyError{
		Code:    ErrCodeStorageFailure,
		Message: op,
		Err:     err,
	}
}
