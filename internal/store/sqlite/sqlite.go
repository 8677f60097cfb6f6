package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure Go driver, registered as "sqlite"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/store"
	"github.com/maloquacious/crimestore/internal/store/migrate"
)

const (
	// DriverModernc is the pure Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"
)

// Config configures a SQLiteStore.
type Config struct {
	// Path is the database file path.
	Path string

	// Driver is DriverModernc or DriverMattn. Default: DriverModernc
	Driver string

	// WAL enables write-ahead logging.
	WAL bool

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// Seed copies the seed dataset into a freshly created store.
	Seed bool

	// SeedData replaces the bundled dataset when Seed is set.
	SeedData []crime.Crime

	Logger logger.Logger
}

// SQLiteStore implements the Store interface using database/sql.
type SQLiteStore struct {
	cfg       Config
	db        *sql.DB
	engine    *migrate.Engine
	log       logger.Logger
	migration migrate.Result

	// mu makes each write atomic with respect to readers.
	mu sync.RWMutex
}

var _ store.Store = (*SQLiteStore)(nil)

// New creates a new SQLiteStore.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.Driver != DriverModernc && cfg.Driver != DriverMattn {
		return nil, fmt.Errorf("unknown sqlite driver %q", cfg.Driver)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	s := &SQLiteStore{
		cfg: cfg,
		log: logger.OrDefault(cfg.Logger),
	}
	engine, err := migrate.New(SchemaVersion, s.createSchema, migrations,
		migrate.WithLogger(s.log), migrate.WithBackend(cfg.Driver))
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.cfg.Path
}

// Open connects to the database and migrates it to SchemaVersion.
func (s *SQLiteStore) Open(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if _, err := s.Migrate(ctx); err != nil {
		s.Close()
		return err
	}
	return nil
}

// Connect opens the SQLite database with safe defaults but leaves the
// schema alone.
func (s *SQLiteStore) Connect(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if err := store.EnsureDir(s.cfg.Path); err != nil {
		return err
	}
	db, err := sql.Open(s.cfg.Driver, s.cfg.Path)
	if err != nil {
		return store.NewStorageError(s.cfg.Driver, "open", err)
	}

	// Pragmas are per connection; one connection keeps them in force and
	// matches SQLite's single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.WAL {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return store.NewStorageError(s.cfg.Driver, "pragma", fmt.Errorf("failed to set pragma %q: %w", pragma, err))
		}
	}

	s.db = db
	return nil
}

// Migrate brings the schema to SchemaVersion.
func (s *SQLiteStore) Migrate(ctx context.Context) (migrate.Result, error) {
	if s.db == nil {
		return migrate.Result{}, store.ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.engine.Run(ctx, s.db)
	s.migration = res
	if err != nil {
		return res, fmt.Errorf("failed to migrate %s: %w", s.cfg.Path, err)
	}
	return res, nil
}

// Migration returns the result of the last Migrate call.
func (s *SQLiteStore) Migration() migrate.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migration
}

// createSchema builds the current schema and seeds it when configured.
func (s *SQLiteStore) createSchema(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, currentSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if !s.cfg.Seed {
		return nil
	}
	data := s.cfg.SeedData
	if data == nil {
		var err error
		if data, err = BundledSeed(); err != nil {
			return err
		}
	}
	if err := insertSeed(ctx, tx, data); err != nil {
		return err
	}
	s.log.Info("seeded %d crimes", len(data))
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if s.cfg.WAL {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Checkpoint runs a passive WAL checkpoint.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return store.ErrNotOpen
	}
	if !s.cfg.WAL {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return store.NewStorageError(s.cfg.Driver, "checkpoint", err)
	}
	return nil
}

// CheckState returns the current state of the datastore.
func (s *SQLiteStore) CheckState(ctx context.Context) (store.StoreState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return store.StateMissing, store.ErrNotOpen
	}

	version, ok, err := s.engine.Version(ctx, s.db)
	if err != nil {
		return store.StateUninitialized, err
	}
	if !ok {
		return store.StateUninitialized, nil
	}
	if version != SchemaVersion {
		return store.StateVersionMismatch, nil
	}
	return store.StateReady, nil
}

// SchemaVersion returns the current schema version from the database.
// A store without a version table reports 0.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, store.ErrNotOpen
	}
	version, _, err := s.engine.Version(ctx, s.db)
	return version, err
}

// Inspect opens the database at path without migrating and reports its
// state and version.
func Inspect(ctx context.Context, cfg Config) (store.StoreState, int, error) {
	exists, err := store.CheckExists(cfg.Path)
	if err != nil {
		return store.StateMissing, 0, err
	}
	if !exists {
		return store.StateMissing, 0, nil
	}
	s, err := New(cfg)
	if err != nil {
		return store.StateMissing, 0, err
	}
	if err := s.Connect(ctx); err != nil {
		return store.StateMissing, 0, err
	}
	defer s.Close()

	state, err := s.CheckState(ctx)
	if err != nil {
		return state, 0, err
	}
	version, err := s.SchemaVersion(ctx)
	return state, version, err
}
