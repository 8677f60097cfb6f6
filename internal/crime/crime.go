// Package crime defines the crime report record persisted by the store.
package crime

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNilID is returned by Validate when a record carries the zero UUID.
var ErrNilID = errors.New("crime id must not be nil")

// Crime is a single crime report.
// ID is assigned once at creation and never changes; every other field is
// replaced as a whole on update.
type Crime struct {
	ID       uuid.UUID `json:"id" yaml:"id"`
	Title    string    `json:"title" yaml:"title"`
	Date     time.Time `json:"date" yaml:"date"`
	IsSolved bool      `json:"isSolved" yaml:"is_solved"`

	// Suspect is empty when no suspect has been chosen.
	Suspect string `json:"suspect" yaml:"suspect"`

	// PhoneNumber is empty when unknown.
	PhoneNumber string `json:"phoneNumber" yaml:"phone_number"`

	// PhotoFileName references an image owned by the presentation layer.
	// Empty means no photo.
	PhotoFileName string `json:"photoFileName,omitempty" yaml:"photo_file_name,omitempty"`
}

// New returns a crime with a fresh ID, the current time and default fields.
func New() Crime {
	return Crime{
		ID:   uuid.New(),
		Date: Now(),
	}
}

// Now returns the current time at the precision the store persists.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Validate reports whether c can be written to a store.
func (c Crime) Validate() error {
	if c.ID == uuid.Nil {
		return ErrNilID
	}
	return nil
}

// HasPhoto reports whether a photo reference is set.
func (c Crime) HasPhoto() bool {
	return c.PhotoFileName != ""
}

// Clone returns a copy of the slice so callers can hand it to several readers.
func Clone(crimes []Crime) []Crime {
	if crimes == nil {
		return nil
	}
	out := make([]Crime, len(crimes))
	copy(out, crimes)
	return out
}
