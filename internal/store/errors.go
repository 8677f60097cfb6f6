package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by Insert when the id is already stored.
	ErrDuplicateID = errors.New("duplicate crime id")

	// ErrNotFound is returned by Update and Delete for an unknown id.
	// Get never returns it.
	ErrNotFound = errors.New("crime not found")

	// ErrSchemaTooNew is returned when the datastore was written by a newer
	// schema than this build supports.
	ErrSchemaTooNew = errors.New("schema version is newer than supported")

	// ErrMissingMigration is returned when no upgrade step is registered for
	// the datastore's schema version.
	ErrMissingMigration = errors.New("no migration registered")

	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotOpen is returned when an operation runs before Open.
	ErrNotOpen = errors.New("database not opened")
)

// StorageError represents an I/O failure from the storage backend.
type StorageError struct {
	Backend   string // Storage backend type ("sqlite", "sqlite3")
	Operation string // Operation that failed ("insert", "list", ...)
	Cause     error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}
