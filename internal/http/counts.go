package http

import (
	"context"

	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
)

// CountRecords reports how many vectors the store holds and their
// dimension. Both are -1 when store is nil and the count is -1 when the
// backend cannot answer.
func CountRecords(ctx context.Context, store vectorstore.Store) StatusCounts {
	if store == nil {
		return StatusCounts{Records: -1, Dimension: -1}
	}
	counts := StatusCounts{Records: -1, Dimension: store.Dimension()}
	if n, err := store.Count(ctx); err == nil {
		counts.Records = n
	}
	return counts
}
