package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/maloquacious/crimestore/internal/config"
)

var (
	// ErrNotInitialized is returned by Get before Initialize succeeds.
	ErrNotInitialized = errors.New("repository not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("repository already initialized")
)

var (
	// instance is the process-wide repository.
	instance *Repository

	// instanceMu protects instance. A mutex rather than sync.Once so that a
	// failed Initialize can be retried.
	instanceMu sync.RWMutex
)

// Initialize opens the process-wide repository. It must be called once at
// startup; later calls return ErrAlreadyInitialized and leave the existing
// instance alone. If opening fails, nothing is stored and Initialize may be
// called again.
//
// Code that can take a *Repository as a parameter should prefer Open and
// pass the instance along explicitly.
func Initialize(ctx context.Context, cfg *config.Config, opts ...Option) error {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return ErrAlreadyInitialized
	}
	r, err := Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	instance = r
	return nil
}

// Get returns the process-wide repository, always the same instance until
// Shutdown.
func Get() (*Repository, error) {
	instanceMu.RLock()
	defer instanceMu.RUnlock()
	if instance == nil {
		return nil, ErrNotInitialized
	}
	return instance, nil
}

// MustGet returns the process-wide repository.
// It panics if Initialize has not been called; using the repository before
// startup is a programming error.
func MustGet() *Repository {
	r, err := Get()
	if err != nil {
		panic(err)
	}
	return r
}

// Shutdown closes the process-wide repository and forgets it. It is a no-op
// when nothing is initialized.
func Shutdown() error {
	instanceMu.Lock()
	r := instance
	instance = nil
	instanceMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}
