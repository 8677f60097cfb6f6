package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultDBFile = "crime-database.db"
)

// CheckExists verifies if the datastore exists at the given path.
// Returns true if the store exists, false otherwise.
func CheckExists(dbPath string) (bool, error) {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check store existence: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("datastore path is a directory, expected file: %s", dbPath)
	}
	return true, nil
}

// GetDBPath returns the full path to the database file in storePath.
func GetDBPath(storePath string) string {
	return filepath.Join(storePath, DefaultDBFile)
}

// EnsureDir creates the parent directory of dbPath if needed.
func EnsureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return nil
}
