// Package vectorstore stores fixed-dimension vectors with typed metadata and
// answers k-nearest-neighbour queries under a configurable similarity metric.
//
// Three backends implement Store: an in-process sharded MemoryStore, an
// embedded chromem-go database, and a remote Qdrant collection. All of them
// score results with the same Metric so callers see identical numbers
// regardless of backend.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the store's configured dimension. Nothing is written.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidConfig indicates a store could not be built from its config.
	ErrInvalidConfig = errors.New("invalid vector store config")
)

// Record is a stored vector with its metadata.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Result is a Record with its similarity to the query vector.
type Result struct {
	Record
	Score float64
}

// SearchRequest describes a kNN query.
type SearchRequest struct {
	Vector []float32
	K      int
	// Filter restricts candidates before ranking. The zero Filter matches all.
	Filter Filter
	// MinScore, when set, drops results scoring below it.
	MinScore *float64
}

func (r SearchRequest) admits(score float64) bool {
	return r.MinScore == nil || score >= *r.MinScore
}

// Store is the vector storage contract.
//
// Insert replaces any record with the same id. Delete is idempotent and
// reports whether a record was removed. Search returns at most K results in
// non-increasing score order with ties broken by id.
//
// Implementations are safe for concurrent use.
type Store interface {
	Insert(ctx context.Context, id string, vector []float32, metadata Metadata) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, req SearchRequest) ([]Result, error)
	Count(ctx context.Context) (int, error)
	Dimension() int
	Metric() Metric
	Close() error
}
