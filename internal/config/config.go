// Package config loads crimestore configuration.
//
// Configuration comes from an optional YAML file, then defaults fill the
// gaps, then CRIMESTORE_* environment variables override individual fields,
// and finally the result is validated.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Repository RepositoryConfig `yaml:"repository"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// StoreConfig configures the on-disk datastore.
type StoreConfig struct {
	// Path is the database file.
	Path string `yaml:"path"`

	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver"`

	// WAL enables write-ahead logging.
	WAL *bool `yaml:"wal"`

	// BusyTimeout is how long to wait on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// Seed copies the bundled dataset into a freshly created store.
	Seed bool `yaml:"seed"`

	// CheckpointSchedule is a cron spec for WAL checkpoints; "off" disables.
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
}

// CheckpointEnabled reports whether periodic checkpoints should run.
func (s StoreConfig) CheckpointEnabled() bool {
	return s.WALEnabled() && s.CheckpointSchedule != "" && s.CheckpointSchedule != CheckpointOff
}

// WALEnabled reports whether WAL is on; unset means on.
func (s StoreConfig) WALEnabled() bool {
	return s.WAL == nil || *s.WAL
}

// RepositoryConfig configures the write queue.
type RepositoryConfig struct {
	// QueueSize bounds the number of writes waiting for the writer.
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP servers.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AdminPort       int           `yaml:"admin_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

const (
	DefaultStorePath          = "crime-database.db"
	DefaultDriver             = "sqlite"
	DefaultBusyTimeout        = 5 * time.Second
	DefaultCheckpointSchedule = "@every 5m"
	CheckpointOff             = "off"
	DefaultQueueSize          = 64
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultPort               = 8080
	DefaultAdminPort          = 8383
	DefaultShutdownTimeout    = 15 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultDriver
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Store.CheckpointSchedule == "" {
		cfg.Store.CheckpointSchedule = DefaultCheckpointSchedule
	}
	if cfg.Repository.QueueSize == 0 {
		cfg.Repository.QueueSize = DefaultQueueSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = DefaultAdminPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
}
