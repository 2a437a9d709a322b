// Package media defines the catalog and interaction types shared by the
// discovery engine, plus the Catalog boundary used for keyword retrieval.
package media

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a media item or profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInteraction is returned when an interaction fails validation.
	ErrInvalidInteraction = errors.New("invalid interaction")

	// ErrInvalidItem is returned when a catalog item fails validation.
	ErrInvalidItem = errors.New("invalid media item")
)

// Type is the content type of a catalog item.
type Type string

const (
	TypeMovie       Type = "movie"
	TypeTV          Type = "tv"
	TypeDocumentary Type = "documentary"
)

// Item is a catalog entry. Rating is on a 0-10 scale.
type Item struct {
	ID          string    `json:"id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Type        Type      `json:"type" validate:"required,oneof=movie tv documentary"`
	Description string    `json:"description,omitempty"`
	Genres      []string  `json:"genres,omitempty"`
	ReleaseDate time.Time `json:"releaseDate,omitempty"`
	Rating      float64   `json:"rating" validate:"gte=0,lte=10"`
	Platforms   []string  `json:"platforms,omitempty"`
	Cast        []string  `json:"cast,omitempty"`
	Director    string    `json:"director,omitempty"`
	// Duration is the runtime in minutes.
	Duration  *int      `json:"duration,omitempty" validate:"omitempty,gte=0"`
	Seasons   *int      `json:"seasons,omitempty" validate:"omitempty,gte=0"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Clone returns a deep copy of i.
func (i Item) Clone() Item {
	out := i
	out.Genres = slices.Clone(i.Genres)
	out.Platforms = slices.Clone(i.Platforms)
	out.Cast = slices.Clone(i.Cast)
	out.Embedding = slices.Clone(i.Embedding)
	if i.Duration != nil {
		d := *i.Duration
		out.Duration = &d
	}
	if i.Seasons != nil {
		n := *i.Seasons
		out.Seasons = &n
	}
	return out
}

// Year returns the release year, or 0 when no release date is set.
func (i Item) Year() int {
	if i.ReleaseDate.IsZero() {
		return 0
	}
	return i.ReleaseDate.Year()
}

// HasEmbedding reports whether the item carries a precomputed vector.
func (i Item) HasEmbedding() bool {
	return len(i.Embedding) > 0
}

// Validate checks the item against its field constraints.
func (i Item) Validate() error {
	return wrapValidation(ErrInvalidItem, validate.Struct(i))
}
