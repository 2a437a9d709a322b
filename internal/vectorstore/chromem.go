package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const chromemMetaKey = "_meta"

// ChromemConfig configures a ChromemStore.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the database in memory.
	Path       string
	Compress   bool
	Collection string
	Dimension  int
	Metric     Metric
}

// ChromemStore is an embedded Store backed by chromem-go.
//
// chromem normalizes embeddings on ingest, so the raw vector is kept in the
// document content and every candidate is rescored with the configured
// metric. chromem's own ranking is used only to apply the metadata filter.
type ChromemStore struct {
	db     *chromem.DB
	coll   *chromem.Collection
	dim    int
	metric Metric
	logger *zap.Logger
}

// NewChromemStore opens or creates the collection described by cfg.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, cfg.Dimension)
	}
	if cfg.Collection == "" {
		cfg.Collection = "media"
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", cfg.Path, err)
		}
	}

	coll, err := db.GetOrCreateCollection(cfg.Collection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem vector store ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension),
		zap.String("metric", string(cfg.Metric)),
		zap.Int("documents", coll.Count()))

	return &ChromemStore{db: db, coll: coll, dim: cfg.Dimension, metric: cfg.Metric, logger: logger}, nil
}

// precomputedOnly rejects text embedding; every document carries its vector.
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store only accepts precomputed embeddings")
}

// rankingVector is what chromem indexes. chromem divides by the norm, so a
// zero vector is given a unit component; the real score comes from rescoring.
func rankingVector(v []float32) []float32 {
	if !IsZero(v) {
		return copyVector(v)
	}
	out := make([]float32, len(v))
	if len(out) > 0 {
		out[0] = 1
	}
	return out
}

func (s *ChromemStore) Insert(ctx context.Context, id string, vector []float32, metadata Metadata) error {
	if err := checkDimension(s.dim, vector); err != nil {
		return err
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	flat := flatten(metadata)
	flat[chromemMetaKey] = meta

	doc := chromem.Document{
		ID:        id,
		Content:   encodeVector(vector),
		Embedding: rankingVector(vector),
		Metadata:  flat,
	}
	if err := s.coll.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("inserting %s: %w", id, err)
	}
	return nil
}

func (s *ChromemStore) Get(ctx context.Context, id string) (Record, error) {
	doc, err := s.coll.GetByID(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeChromemDoc(doc.ID, doc.Content, doc.Metadata)
}

func (s *ChromemStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.coll.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := s.coll.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("deleting %s: %w", id, err)
	}
	return true, nil
}

func (s *ChromemStore) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	if err := checkDimension(s.dim, req.Vector); err != nil {
		return nil, err
	}
	if req.K <= 0 {
		return []Result{}, nil
	}
	docs, err := s.queryAll(ctx, req)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		rec, err := decodeChromemDoc(d.ID, d.Content, d.Metadata)
		if err != nil {
			s.logger.Warn("skipping undecodable document", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		if len(rec.Vector) != s.dim || !req.Filter.Matches(rec.Metadata) {
			continue
		}
		score := s.metric.Score(req.Vector, rec.Vector)
		if !req.admits(score) {
			continue
		}
		results = append(results, Result{Record: rec, Score: score})
	}
	return rank(results, req.K), nil
}

// queryAll fetches every document passing the filter's equality part.
// chromem rejects nResults above the collection size, so a delete landing
// between Count and the query is retried with the smaller count.
func (s *ChromemStore) queryAll(ctx context.Context, req SearchRequest) ([]chromem.Result, error) {
	const attempts = 3
	var lastErr error
	for range attempts {
		n := s.coll.Count()
		if n == 0 {
			return nil, nil
		}
		docs, err := s.coll.QueryEmbedding(ctx, rankingVector(req.Vector), n, req.Filter.flat(), nil)
		if err == nil {
			return docs, nil
		}
		if ctx.Err() != nil || s.coll.Count() >= n {
			return nil, fmt.Errorf("querying chromem: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("querying chromem: collection kept shrinking: %w", lastErr)
}

func decodeChromemDoc(id, content string, meta map[string]string) (Record, error) {
	vec, err := decodeVector(content)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", id, err)
	}
	m, err := decodeMetadata(meta[chromemMetaKey])
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", id, err)
	}
	return Record{ID: id, Vector: vec, Metadata: m}, nil
}

func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.coll.Count(), nil
}

func (s *ChromemStore) Dimension() int { return s.dim }
func (s *ChromemStore) Metric() Metric { return s.metric }

// Close is a no-op; persistent chromem writes each document as it is added.
func (s *ChromemStore) Close() error { return nil }

var _ Store = (*ChromemStore)(nil)
