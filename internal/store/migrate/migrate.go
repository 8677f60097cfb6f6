// Package migrate upgrades a SQL datastore through an ordered chain of
// single-version steps.
//
// The schema version lives in a schema_migrations table with one row per
// applied version; the store's version is the highest row. Each step runs in
// its own transaction together with the insertion of its version row, so an
// interrupted upgrade resumes from the last committed version. A datastore
// without a version table is created directly at the current version.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/store"
)

// versionTableSchema tracks every applied schema version.
const versionTableSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

// TxFunc transforms the schema inside a transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// Step upgrades a datastore from Version-1 to Version.
type Step struct {
	Version     int
	Description string
	Apply       TxFunc
}

// Result describes what Run did.
type Result struct {
	From    int   // version found on disk, 0 for a fresh store
	To      int   // version after Run
	Applied []int // versions reached by applied steps, in order
	Created bool  // true if the store was created at To
}

// Engine holds the compiled-in schema history.
type Engine struct {
	current int
	create  TxFunc
	steps   map[int]Step
	backend string
	log     logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used to report applied steps.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithBackend sets the backend name used in storage errors.
func WithBackend(name string) Option {
	return func(e *Engine) {
		e.backend = name
	}
}

// New builds an engine whose current version is current. create builds the
// full current schema on an empty datastore. Steps may be given in any order;
// a missing step is only an error when a datastore needs it.
func New(current int, create TxFunc, steps []Step, opts ...Option) (*Engine, error) {
	if current < 1 {
		return nil, fmt.Errorf("current schema version must be positive, got %d", current)
	}
	if create == nil {
		return nil, fmt.Errorf("create function is required")
	}
	e := &Engine{
		current: current,
		create:  create,
		steps:   make(map[int]Step, len(steps)),
		backend: "sqlite",
		log:     logger.Nop,
	}
	for _, s := range steps {
		if s.Version < 2 || s.Version > current {
			return nil, fmt.Errorf("step version %d outside 2..%d", s.Version, current)
		}
		if s.Apply == nil {
			return nil, fmt.Errorf("step %d has no apply function", s.Version)
		}
		if _, ok := e.steps[s.Version]; ok {
			return nil, fmt.Errorf("duplicate step for version %d", s.Version)
		}
		e.steps[s.Version] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Current returns the compiled-in schema version.
func (e *Engine) Current() int {
	return e.current
}

// Versions returns the versions that have a registered step, ascending.
func (e *Engine) Versions() []int {
	out := make([]int, 0, len(e.steps))
	for v := range e.steps {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Plan returns the steps that take a datastore at version from to the
// current version.
func (e *Engine) Plan(from int) ([]Step, error) {
	if from > e.current {
		return nil, fmt.Errorf("%w: store is at %d, this build supports %d", store.ErrSchemaTooNew, from, e.current)
	}
	if from < 1 {
		return nil, fmt.Errorf("%w: invalid store version %d", store.ErrMissingMigration, from)
	}
	plan := make([]Step, 0, e.current-from)
	for v := from + 1; v <= e.current; v++ {
		s, ok := e.steps[v]
		if !ok {
			return nil, fmt.Errorf("%w: %d -> %d", store.ErrMissingMigration, v-1, v)
		}
		plan = append(plan, s)
	}
	return plan, nil
}

// Version returns the schema version recorded in db. ok is false when the
// version table is absent or empty.
func (e *Engine) Version(ctx context.Context, db *sql.DB) (version int, ok bool, err error) {
	var count int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&count)
	if err != nil {
		return 0, false, store.NewStorageError(e.backend, "check_schema_table", err)
	}
	if count == 0 {
		return 0, false, nil
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, false, store.NewStorageError(e.backend, "get_schema_version", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return int(v.Int64), true, nil
}

// Run brings db to the current version.
func (e *Engine) Run(ctx context.Context, db *sql.DB) (Result, error) {
	from, ok, err := e.Version(ctx, db)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		if err := e.inTx(ctx, db, "create_schema", e.current, e.create); err != nil {
			return Result{}, err
		}
		e.log.Info("created schema at version %d", e.current)
		return Result{From: 0, To: e.current, Created: true}, nil
	}

	plan, err := e.Plan(from)
	if err != nil {
		return Result{From: from, To: from}, err
	}
	res := Result{From: from, To: from}
	for _, s := range plan {
		if err := e.inTx(ctx, db, fmt.Sprintf("migrate_%d_%d", s.Version-1, s.Version), s.Version, s.Apply); err != nil {
			return res, err
		}
		e.log.Info("migrated schema %d -> %d: %s", s.Version-1, s.Version, s.Description)
		res.To = s.Version
		res.Applied = append(res.Applied, s.Version)
	}
	return res, nil
}

// inTx runs fn and records version in the same transaction.
func (e *Engine) inTx(ctx context.Context, db *sql.DB, op string, version int, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewStorageError(e.backend, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, versionTableSchema); err != nil {
		return store.NewStorageError(e.backend, op, fmt.Errorf("failed to create version table: %w", err))
	}
	if err := fn(ctx, tx); err != nil {
		return store.NewStorageError(e.backend, op, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT(version) DO NOTHING`,
		version, time.Now().Unix())
	if err != nil {
		return store.NewStorageError(e.backend, op, fmt.Errorf("failed to insert schema version: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return store.NewStorageError(e.backend, op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// HasColumn reports whether table has a column named column.
func HasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// AddColumn adds a column unless it already exists, so a step that was
// interrupted before its version row committed can run again.
func AddColumn(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	ok, err := HasColumn(ctx, tx, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q %s", table, column, definition)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
