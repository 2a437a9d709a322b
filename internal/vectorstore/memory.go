package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	Dimension int
	Metric    Metric
	// Shards spreads ids over independently locked maps. Defaults to 16.
	Shards int
}

// MemoryStore is a brute-force in-process Store. Each shard has its own
// RWMutex: readers run in parallel, writers to different shards do not
// contend, and a write and read of the same id are serialized.
type MemoryStore struct {
	dim    int
	metric Metric
	shards []*memoryShard
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, cfg.Dimension)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	s := &MemoryStore{
		dim:    cfg.Dimension,
		metric: cfg.Metric,
		shards: make([]*memoryShard, cfg.Shards),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]Record)}
	}
	return s, nil
}

func (s *MemoryStore) shard(id string) *memoryShard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

func (s *MemoryStore) Insert(_ context.Context, id string, vector []float32, metadata Metadata) error {
	if err := checkDimension(s.dim, vector); err != nil {
		return err
	}
	rec := Record{ID: id, Vector: copyVector(vector), Metadata: metadata.clone()}
	sh := s.shard(id)
	sh.mu.Lock()
	sh.records[id] = rec
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	rec, ok := sh.records[id]
	sh.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Record{ID: rec.ID, Vector: copyVector(rec.Vector), Metadata: rec.Metadata.clone()}, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[id]; !ok {
		return false, nil
	}
	delete(sh.records, id)
	return true, nil
}

func (s *MemoryStore) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := checkDimension(s.dim, req.Vector); err != nil {
		return nil, err
	}
	if req.K <= 0 {
		return []Result{}, nil
	}

	var results []Result
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sh.mu.RLock()
		for _, rec := range sh.records {
			if !req.Filter.Matches(rec.Metadata) {
				continue
			}
			score := s.metric.Score(req.Vector, rec.Vector)
			if !req.admits(score) {
				continue
			}
			results = append(results, Result{Record: rec, Score: score})
		}
		sh.mu.RUnlock()
	}

	// Stored slices are replaced, never mutated, so copying after the
	// locks are released is safe.
	results = rank(results, req.K)
	for i := range results {
		results[i].Vector = copyVector(results[i].Vector)
		results[i].Metadata = results[i].Metadata.clone()
	}
	return results, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n, nil
}

func (s *MemoryStore) Dimension() int { return s.dim }
func (s *MemoryStore) Metric() Metric { return s.metric }
func (s *MemoryStore) Close() error   { return nil }

func checkDimension(want int, v []float32) error {
	if len(v) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, len(v))
	}
	return nil
}

// rank orders results by descending score, then id, and keeps the top k.
func rank(results []Result, k int) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []Result{}
	}
	return results
}

var _ Store = (*MemoryStore)(nil)
