package sqlite

import (
	"context"
	"database/sql"

	"github.com/maloquacious/crimestore/internal/store/migrate"
)

// SchemaVersion is the current crime schema version.
const SchemaVersion = 4

// currentSchema is the complete schema for fresh installs.
// Keep it in sync with the migration steps below.
const currentSchema = `
CREATE TABLE IF NOT EXISTS crime (
    id TEXT PRIMARY KEY NOT NULL,
    title TEXT NOT NULL,
    date INTEGER NOT NULL,
    is_solved INTEGER NOT NULL,
    suspect TEXT NOT NULL DEFAULT '',
    photo_file_name TEXT,
    phone_number TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_crime_date ON crime(date);
`

// schemaV1 is the layout the first release shipped. Only tests and
// fixtures build it; production stores reach it through history.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS crime (
    id TEXT PRIMARY KEY NOT NULL,
    title TEXT NOT NULL,
    date INTEGER NOT NULL,
    is_solved INTEGER NOT NULL
);
`

// migrations lists every upgrade step, one per version.
var migrations = []migrate.Step{
	{
		Version:     2,
		Description: "add suspect",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			return migrate.AddColumn(ctx, tx, "crime", "suspect", "TEXT NOT NULL DEFAULT ''")
		},
	},
	{
		Version:     3,
		Description: "add photo file name",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			return migrate.AddColumn(ctx, tx, "crime", "photo_file_name", "TEXT")
		},
	},
	{
		Version:     4,
		Description: "add phone number and date index",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if err := migrate.AddColumn(ctx, tx, "crime", "phone_number", "TEXT NOT NULL DEFAULT ''"); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_crime_date ON crime(date)`)
			return err
		},
	},
}
