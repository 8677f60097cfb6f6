package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/maloquacious/crimestore/internal/crime"
)

//go:embed seed.yaml
var bundledSeed []byte

type seedFile struct {
	Crimes []seedCrime `yaml:"crimes"`
}

type seedCrime struct {
	ID            string    `yaml:"id"`
	Title         string    `yaml:"title"`
	Date          time.Time `yaml:"date"`
	IsSolved      bool      `yaml:"is_solved"`
	Suspect       string    `yaml:"suspect"`
	PhoneNumber   string    `yaml:"phone_number"`
	PhotoFileName string    `yaml:"photo_file_name"`
}

// ParseSeed decodes a YAML seed dataset.
func ParseSeed(data []byte) ([]crime.Crime, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	out := make([]crime.Crime, 0, len(f.Crimes))
	seen := make(map[uuid.UUID]bool, len(f.Crimes))
	for i, sc := range f.Crimes {
		id, err := uuid.Parse(sc.ID)
		if err != nil {
			return nil, fmt.Errorf("seed crime %d: invalid id %q: %w", i, sc.ID, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("seed crime %d: duplicate id %s", i, id)
		}
		seen[id] = true
		out = append(out, crime.Crime{
			ID:            id,
			Title:         sc.Title,
			Date:          sc.Date.UTC().Truncate(time.Millisecond),
			IsSolved:      sc.IsSolved,
			Suspect:       sc.Suspect,
			PhoneNumber:   sc.PhoneNumber,
			PhotoFileName: sc.PhotoFileName,
		})
	}
	return out, nil
}

// BundledSeed returns the dataset embedded in the binary.
func BundledSeed() ([]crime.Crime, error) {
	return ParseSeed(bundledSeed)
}

// insertSeed writes crimes inside the creating transaction.
func insertSeed(ctx context.Context, tx *sql.Tx, crimes []crime.Crime) error {
	for _, c := range crimes {
		if _, err := tx.ExecContext(ctx, insertCrime, crimeArgs(c)...); err != nil {
			return fmt.Errorf("failed to seed crime %s: %w", c.ID, err)
		}
	}
	return nil
}
