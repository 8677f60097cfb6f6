package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/store"
)

const (
	crimeColumns = `id, title, date, is_solved, suspect, photo_file_name, phone_number`

	insertCrime = `INSERT INTO crime (` + crimeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectCrime = `SELECT ` + crimeColumns + ` FROM crime WHERE id = ?`

	// rowid is insertion order and never changes on update.
	selectCrimes = `SELECT ` + crimeColumns + ` FROM crime ORDER BY rowid`

	updateCrime = `
		UPDATE crime
		SET title = ?, date = ?, is_solved = ?, suspect = ?, photo_file_name = ?, phone_number = ?
		WHERE id = ?`

	deleteCrime = `DELETE FROM crime WHERE id = ?`
)

// crimeArgs returns the insert arguments for c in column order.
func crimeArgs(c crime.Crime) []any {
	return []any{
		c.ID.String(),
		c.Title,
		c.Date.UnixMilli(),
		boolToInt(c.IsSolved),
		c.Suspect,
		nullString(c.PhotoFileName),
		c.PhoneNumber,
	}
}

// Insert adds a new crime.
func (s *SQLiteStore) Insert(ctx context.Context, c crime.Crime) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrNotOpen
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.storageErr("insert", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM crime WHERE id = ?)`, c.ID.String()).Scan(&exists); err != nil {
		return s.storageErr("insert", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, c.ID)
	}
	if _, err := tx.ExecContext(ctx, insertCrime, crimeArgs(c)...); err != nil {
		return s.storageErr("insert", err)
	}
	if err := tx.Commit(); err != nil {
		return s.storageErr("insert", err)
	}
	return nil
}

// Get retrieves a crime by id. Returns nil if no crime exists.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*crime.Crime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotOpen
	}

	c, err := scanCrime(s.db.QueryRowContext(ctx, selectCrime, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.storageErr("get", err)
	}
	return &c, nil
}

// List returns all crimes in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]crime.Crime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotOpen
	}

	rows, err := s.db.QueryContext(ctx, selectCrimes)
	if err != nil {
		return nil, s.storageErr("list", err)
	}
	defer rows.Close()

	crimes := []crime.Crime{}
	for rows.Next() {
		c, err := scanCrime(rows)
		if err != nil {
			return nil, s.storageErr("list", err)
		}
		crimes = append(crimes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr("list", fmt.Errorf("error iterating rows: %w", err))
	}
	return crimes, nil
}

// Update replaces every mutable field of the crime with c.ID.
func (s *SQLiteStore) Update(ctx context.Context, c crime.Crime) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrNotOpen
	}

	res, err := s.db.ExecContext(ctx, updateCrime,
		c.Title,
		c.Date.UnixMilli(),
		boolToInt(c.IsSolved),
		c.Suspect,
		nullString(c.PhotoFileName),
		c.PhoneNumber,
		c.ID.String(),
	)
	if err != nil {
		return s.storageErr("update", err)
	}
	return s.requireOne(res, "update", c.ID)
}

// Delete removes the crime with the given id.
func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrNotOpen
	}

	res, err := s.db.ExecContext(ctx, deleteCrime, id.String())
	if err != nil {
		return s.storageErr("delete", err)
	}
	return s.requireOne(res, "delete", id)
}

func (s *SQLiteStore) requireOne(res sql.Result, op string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.storageErr(op, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) storageErr(op string, err error) error {
	return store.NewStorageError(s.cfg.Driver, op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCrime(row scanner) (crime.Crime, error) {
	var (
		id     string
		c      crime.Crime
		dateMs int64
		solved int64
		photo  sql.NullString
	)
	if err := row.Scan(&id, &c.Title, &dateMs, &solved, &c.Suspect, &photo, &c.PhoneNumber); err != nil {
		return crime.Crime{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return crime.Crime{}, fmt.Errorf("invalid crime id %q: %w", id, err)
	}
	c.ID = parsed
	c.Date = time.UnixMilli(dateMs).UTC()
	c.IsSolved = solved != 0
	c.PhotoFileName = photo.String
	return c, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
