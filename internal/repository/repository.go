// Package repository is the single entry point to the crime store.
//
// A Repository owns the on-disk store, the reactive query layer over it, and
// one writer goroutine. Writes from any number of callers are queued in
// submission order and applied one at a time; reads and subscriptions go
// straight to the query layer and never wait behind the queue.
//
// Add, Update, Delete and Modify block until the write has been applied and
// its snapshots have been queued for every subscriber. Once a write is
// queued it runs to completion even if the caller stops waiting.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/maloquacious/crimestore/internal/config"
	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/reactive"
	"github.com/maloquacious/crimestore/internal/store"
	"github.com/maloquacious/crimestore/internal/store/migrate"
	"github.com/maloquacious/crimestore/internal/store/sqlite"
)

// ErrClosed is returned by writes submitted after Close.
var ErrClosed = errors.New("repository closed")

const checkpointTimeout = 30 * time.Second

// Repository serializes writes to one store and serves subscriptions.
type Repository struct {
	cfg     *config.Config
	store   *sqlite.SQLiteStore
	layer   *reactive.Layer
	log     logger.Logger
	reg     *prometheus.Registry
	metrics *metrics
	cron    *cron.Cron

	jobs    chan job
	stopped chan struct{}

	// mu guards closed and every send on jobs.
	mu     sync.RWMutex
	closed bool
}

type job struct {
	op   string
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type options struct {
	log  logger.Logger
	reg  *prometheus.Registry
	seed []crime.Crime
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used by the repository and its store.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithRegistry registers the repository metrics on reg instead of a
// private registry. A registry can hold the metrics of one repository only.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithSeed replaces the bundled dataset used when a seeded store is created.
func WithSeed(crimes []crime.Crime) Option {
	return func(o *options) {
		o.seed = crimes
	}
}

// Open opens or creates the store described by cfg, migrates it to the
// current schema, and starts the writer. A nil cfg means config.Default().
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Repository, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrDefault(o.log)
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}

	s, err := sqlite.New(sqlite.Config{
		Path:        cfg.Store.Path,
		Driver:      cfg.Store.Driver,
		WAL:         cfg.Store.WALEnabled(),
		BusyTimeout: cfg.Store.BusyTimeout,
		Seed:        cfg.Store.Seed,
		SeedData:    o.seed,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	res := s.Migration()
	switch {
	case res.Created:
		log.Info("repository: created %s at schema version %d", s.Path(), res.To)
	case len(res.Applied) > 0:
		log.Info("repository: migrated %s from version %d to %d", s.Path(), res.From, res.To)
	default:
		log.Debug("repository: opened %s at schema version %d", s.Path(), res.To)
	}

	r := &Repository{
		cfg:     cfg,
		store:   s,
		layer:   reactive.New(s, log),
		log:     log,
		reg:     o.reg,
		jobs:    make(chan job, cfg.Repository.QueueSize),
		stopped: make(chan struct{}),
	}
	r.metrics = newMetrics(o.reg,
		func() float64 { return float64(len(r.jobs)) },
		func() float64 { return float64(r.layer.Active()) },
	)
	r.metrics.schemaVersion.Set(float64(res.To))

	if cfg.Store.CheckpointEnabled() {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Store.CheckpointSchedule, r.checkpoint); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("invalid checkpoint schedule %q: %w", cfg.Store.CheckpointSchedule, err)
		}
		c.Start()
		r.cron = c
	}

	go r.run()
	return r, nil
}

// Add inserts a new crime.
func (r *Repository) Add(ctx context.Context, c crime.Crime) error {
	return r.submit(ctx, "add", func(ctx context.Context) error {
		return r.layer.Insert(ctx, c)
	})
}

// Update replaces the crime with c.ID.
func (r *Repository) Update(ctx context.Context, c crime.Crime) error {
	return r.submit(ctx, "update", func(ctx context.Context) error {
		return r.layer.Update(ctx, c)
	})
}

// Delete removes the crime with id.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.submit(ctx, "delete", func(ctx context.Context) error {
		return r.layer.Delete(ctx, id)
	})
}

// Modify reads the crime with id, applies fn to it and writes the result,
// all on the writer, so no other write can land in between. fn must not
// change the ID.
func (r *Repository) Modify(ctx context.Context, id uuid.UUID, fn func(*crime.Crime) error) error {
	return r.submit(ctx, "modify", func(ctx context.Context) error {
		c, err := r.layer.Get(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("crime %s: %w", id, store.ErrNotFound)
		}
		if err := fn(c); err != nil {
			return err
		}
		if c.ID != id {
			return fmt.Errorf("modify must not change the id of crime %s", id)
		}
		return r.layer.Update(ctx, *c)
	})
}

// Get returns the crime with id, or nil if there is none.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*crime.Crime, error) {
	return r.layer.Get(ctx, id)
}

// List returns every crime in insertion order.
func (r *Repository) List(ctx context.Context) ([]crime.Crime, error) {
	return r.layer.List(ctx)
}

// SubscribeAll streams the crime list until the subscription is cancelled,
// ctx ends or the repository closes.
func (r *Repository) SubscribeAll(ctx context.Context) (*reactive.Subscription[[]crime.Crime], error) {
	return r.layer.SubscribeAll(ctx)
}

// SubscribeOne streams one crime; a nil snapshot means it does not exist.
func (r *Repository) SubscribeOne(ctx context.Context, id uuid.UUID) (*reactive.Subscription[*crime.Crime], error) {
	return r.layer.SubscribeOne(ctx, id)
}

// SchemaVersion returns the version recorded in the store.
func (r *Repository) SchemaVersion(ctx context.Context) (int, error) {
	return r.store.SchemaVersion(ctx)
}

// Migration reports what Open did to the schema.
func (r *Repository) Migration() migrate.Result {
	return r.store.Migration()
}

// Path returns the database file.
func (r *Repository) Path() string {
	return r.store.Path()
}

// Registry returns the registry holding the repository metrics.
func (r *Repository) Registry() *prometheus.Registry {
	return r.reg
}

// Close stops accepting writes, waits for queued writes to finish, cancels
// every subscription and closes the store. Safe to call more than once.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	<-r.stopped
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.layer.Close()
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	r.log.Debug("repository: closed %s", r.store.Path())
	return nil
}

// submit queues fn for the writer and waits for its result. The write runs
// without ctx's cancellation once queued.
func (r *Repository) submit(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j := job{
		op:   op,
		ctx:  context.WithoutCancel(ctx),
		fn:   fn,
		done: make(chan error, 1),
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	select {
	case r.jobs <- j:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the writer. It exits when jobs is closed and drained.
func (r *Repository) run() {
	defer close(r.stopped)
	for j := range r.jobs {
		start := time.Now()
		err := j.fn(j.ctx)
		r.metrics.observeWrite(j.op, err, time.Since(start))
		if err != nil {
			r.log.Debug("repository: %s failed: %v", j.op, err)
		}
		j.done <- err
	}
}

func (r *Repository) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := r.store.Checkpoint(ctx); err != nil {
		r.metrics.checkpoints.WithLabelValues("error").Inc()
		r.log.Warn("repository: checkpoint failed: %v", err)
		return
	}
	r.metrics.checkpoints.WithLabelValues("ok").Inc()
}
