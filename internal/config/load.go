package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/maloquacious/crimestore/internal/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CRIMESTORE_"

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(cfg)

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnvOverrides applies CRIMESTORE_SECTION_FIELD variables.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("STORE_PATH", &cfg.Store.Path)
	str("STORE_DRIVER", &cfg.Store.Driver)
	duration("STORE_BUSY_TIMEOUT", &cfg.Store.BusyTimeout)
	boolean("STORE_SEED", &cfg.Store.Seed)
	if v, ok := lookup(EnvPrefix + "STORE_CHECKPOINT_SCHEDULE"); ok {
		if v == "" {
			v = CheckpointOff
		}
		cfg.Store.CheckpointSchedule = v
	}
	if v, ok := lookup(EnvPrefix + "STORE_WAL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSTORE_WAL: %w", EnvPrefix, err))
		} else {
			cfg.Store.WAL = &b
		}
	}
	integer("REPOSITORY_QUEUE_SIZE", &cfg.Repository.QueueSize)
	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_FORMAT", &cfg.Logging.Format)
	integer("SERVER_PORT", &cfg.Server.Port)
	integer("SERVER_ADMIN_PORT", &cfg.Server.AdminPort)
	duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	return errors.Join(errs...)
}

// Validate checks a configuration after defaults and overrides.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	switch cfg.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", cfg.Store.Driver))
	}
	if cfg.Store.BusyTimeout < 0 {
		errs = append(errs, errors.New("store.busy_timeout must not be negative"))
	}
	if cfg.Store.CheckpointEnabled() {
		if _, err := cron.ParseStandard(cfg.Store.CheckpointSchedule); err != nil {
			errs = append(errs, fmt.Errorf("store.checkpoint_schedule: %w", err))
		}
	}
	if cfg.Repository.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("repository.queue_size must be positive, got %d", cfg.Repository.QueueSize))
	}
	if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format))
	}
	if !validPort(cfg.Server.Port) {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", cfg.Server.Port))
	}
	if !validPort(cfg.Server.AdminPort) {
		errs = append(errs, fmt.Errorf("server.admin_port out of range: %d", cfg.Server.AdminPort))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
