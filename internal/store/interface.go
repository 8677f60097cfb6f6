package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/maloquacious/crimestore/internal/crime"
)

// StoreState represents the initialization state of the datastore.
type StoreState int

const (
	StateMissing         StoreState = iota // File doesn't exist
	StateUninitialized                     // File exists but no schema
	StateVersionMismatch                   // Schema exists but wrong version
	StateReady                             // Initialized and correct version
)

// String returns the state name used in verify reports.
func (s StoreState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateUninitialized:
		return "uninitialized"
	case StateVersionMismatch:
		return "version_mismatch"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Store defines the crime datastore contract.
// Implementations must be safe for concurrent use, and every operation
// blocks on the underlying I/O.
type Store interface {
	// Open opens the datastore and brings its schema to the current version.
	Open(ctx context.Context) error

	// Close closes the datastore connection
	Close() error

	// CheckState returns the current state of the datastore
	CheckState(ctx context.Context) (StoreState, error)

	// SchemaVersion returns the schema version recorded in the datastore.
	SchemaVersion(ctx context.Context) (int, error)

	// Insert adds a new crime. Returns ErrDuplicateID if the id exists.
	Insert(ctx context.Context, c crime.Crime) error

	// Get returns the crime with the given id, or nil if there is none.
	Get(ctx context.Context, id uuid.UUID) (*crime.Crime, error)

	// List returns every crime in insertion order.
	List(ctx context.Context) ([]crime.Crime, error)

	// Update replaces the crime with c.ID. Returns ErrNotFound if absent.
	Update(ctx context.Context, c crime.Crime) error

	// Delete removes the crime with the given id. Returns ErrNotFound if absent.
	Delete(ctx context.Context, id uuid.UUID) error
}
