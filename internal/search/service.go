package search

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/cache"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("discoverd.search")

// candidatePool multiplies the limit to size each retrieval pass, so
// items found by only one pass still have room to place.
const candidatePool = 3

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds search defaults.
type Config struct {
	HybridWeight float64
	Limit        int
}

func DefaultConfig() Config {
	return Config{HybridWeight: 0.5, Limit: 20}
}

// Options narrow one search. Zero values fall back to the defaults and
// do not filter.
type Options struct {
	// HybridWeight is the semantic share in [0, 1]; 0 is pure keyword.
	HybridWeight *float64 `json:"hybridWeight,omitempty"`
	Limit        int      `json:"limit,omitempty"`

	Type      media.Type `json:"type,omitempty"`
	Genres    []string   `json:"genres,omitempty"`
	Platforms []string   `json:"platforms,omitempty"`
	MinRating float64    `json:"minRating,omitempty"`

	// UserID owns the cached result so it is dropped with the user's
	// other cached reads. Empty results are shared.
	UserID string `json:"userId,omitempty"`
}

// Timings reports where a search spent its time.
type Timings struct {
	Embedding time.Duration `json:"embedding"`
	Semantic  time.Duration `json:"semantic"`
	Keyword   time.Duration `json:"keyword"`
	Merge     time.Duration `json:"merge"`
	Total     time.Duration `json:"total"`
}

// Result is a merged search. Scores is keyed by item id.
type Result struct {
	Items   []media.Item       `json:"items"`
	Scores  map[string]float64 `json:"scores"`
	Timings Timings            `json:"timings"`
	Cached  bool               `json:"cached"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	out := *r
	out.Items = make([]media.Item, len(r.Items))
	for i, it := range r.Items {
		out.Items[i] = it.Clone()
	}
	out.Scores = maps.Clone(r.Scores)
	return &out
}

// Service runs hybrid searches over the vector store and the catalog.
type Service struct {
	cfg      Config
	embedder QueryEmbedder
	store    vectorstore.Store
	catalog  media.Catalog
	cache    *cache.Namespace[*Result]
	logger   *zap.Logger
}

// NewService wires a search service. resultCache may be nil to disable
// result caching.
func NewService(cfg Config, embedder QueryEmbedder, store vectorstore.Store, catalog media.Catalog, resultCache *cache.Namespace[*Result], logger *zap.Logger) *Service {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		catalog:  catalog,
		cache:    resultCache,
		logger:   logger,
	}
}

// HybridSearch embeds query and runs the vector and keyword passes
// concurrently, then merges them. An embedding failure fails the search
// unless the weight makes it pure keyword.
func (s *Service) HybridSearch(ctx context.Context, query string, opts Options) (*Result, error) {
	began := time.Now()
	weight := s.cfg.HybridWeight
	if opts.HybridWeight != nil {
		weight = *opts.HybridWeight
	}
	if math.IsNaN(weight) || weight < 0 || weight > 1 {
		return nil, fmt.Errorf("hybrid weight %v outside [0, 1]", weight)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	key := cacheKey(query, weight, limit, opts)
	if s.cache != nil {
		if r, ok := s.cache.Get(opts.UserID, key); ok {
			out := r.Clone()
			out.Cached = true
			return out, nil
		}
	}
	var tok cache.Token
	if s.cache != nil {
		tok = s.cache.Token(opts.UserID)
	}

	ctx, span := tracer.Start(ctx, "search.hybrid")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("search.hybrid_weight", weight),
		attribute.Int("search.limit", limit),
	)

	var (
		timings  Timings
		items    sync.Map // id -> media.Item
		keyword  []Scored
		semantic []Scored
	)
	pool := limit * candidatePool

	g, gctx := errgroup.WithContext(ctx)
	if weight > 0 {
		g.Go(func() error {
			start := time.Now()
			vec, err := s.embedder.Embed(gctx, query)
			timings.Embedding = time.Since(start)
			if err != nil {
				return fmt.Errorf("embedding query: %w", err)
			}
			start = time.Now()
			semantic, err = s.semanticPass(gctx, vec, pool, opts, &items)
			timings.Semantic = time.Since(start)
			return err
		})
	}
	if weight < 1 {
		g.Go(func() error {
			start := time.Now()
			var err error
			keyword, err = s.keywordPass(gctx, query, pool, opts, &items)
			timings.Keyword = time.Since(start)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	merged := Merge(keyword, semantic, weight, limit)
	res := &Result{
		Items:  make([]media.Item, 0, len(merged)),
		Scores: make(map[string]float64, len(merged)),
	}
	for _, m := range merged {
		v, _ := items.Load(m.ID)
		res.Items = append(res.Items, v.(media.Item))
		res.Scores[m.ID] = m.Score
	}
	timings.Merge = time.Since(start)
	timings.Total = time.Since(began)
	res.Timings = timings

	if s.cache != nil {
		s.cache.Fill(opts.UserID, key, res.Clone(), tok)
	}
	span.SetAttributes(
		attribute.Int("search.keyword_hits", len(keyword)),
		attribute.Int("search.semantic_hits", len(semantic)),
		attribute.Int("search.results", len(res.Items)),
	)
	s.logger.Debug("hybrid search",
		zap.String("query", query),
		zap.Int("keyword_hits", len(keyword)),
		zap.Int("semantic_hits", len(semantic)),
		zap.Int("results", len(res.Items)),
		zap.Duration("took", timings.Total))
	return res, nil
}

func (s *Service) semanticPass(ctx context.Context, vec []float32, k int, opts Options, items *sync.Map) ([]Scored, error) {
	hits, err := s.store.Search(ctx, vectorstore.SearchRequest{
		Vector: vec,
		K:      k,
		Filter: storeFilter(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	out := make([]Scored, 0, len(hits))
	for _, h := range hits {
		it, err := s.catalog.FindByID(ctx, h.ID)
		if errors.Is(err, media.ErrNotFound) {
			s.logger.Debug("indexed item missing from catalog", zap.String("media.id", h.ID))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !admits(it, opts) {
			continue
		}
		items.Store(it.ID, it)
		out = append(out, Scored{ID: it.ID, Score: clamp01(h.Score)})
	}
	return out, nil
}

// storeFilter pushes every search filter down to the vector store, so K
// counts only admissible items.
func storeFilter(opts Options) vectorstore.Filter {
	f := vectorstore.Filter{
		Kind:      vectorstore.KindItem,
		MediaType: string(opts.Type),
		Genres:    opts.Genres,
		Platforms: opts.Platforms,
	}
	if opts.MinRating > 0 {
		r := opts.MinRating
		f.MinRating = &r
	}
	return f
}

func (s *Service) keywordPass(ctx context.Context, query string, k int, opts Options, items *sync.Map) ([]Scored, error) {
	page, err := s.catalog.Search(ctx, media.Query{
		Text:      query,
		Type:      opts.Type,
		Genres:    opts.Genres,
		Platforms: opts.Platforms,
		MinRating: opts.MinRating,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}
	out := make([]Scored, 0, len(page.Items))
	for _, it := range page.Items {
		score := KeywordScore(query, searchText(it))
		if score <= 0 {
			continue
		}
		items.Store(it.ID, it)
		out = append(out, Scored{ID: it.ID, Score: score})
	}
	slices.SortStableFunc(out, func(a, b Scored) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func searchText(it media.Item) string {
	return it.Title + " " + it.Description + " " + strings.Join(it.Genres, " ")
}

func admits(it media.Item, opts Options) bool {
	if opts.Type != "" && it.Type != opts.Type {
		return false
	}
	if it.Rating < opts.MinRating {
		return false
	}
	for _, g := range opts.Genres {
		if !slices.ContainsFunc(it.Genres, func(s string) bool { return strings.EqualFold(s, g) }) {
			return false
		}
	}
	for _, p := range opts.Platforms {
		if !slices.ContainsFunc(it.Platforms, func(s string) bool { return strings.EqualFold(s, p) }) {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func cacheKey(query string, weight float64, limit int, opts Options) string {
	genres := slices.Clone(opts.Genres)
	slices.Sort(genres)
	platforms := slices.Clone(opts.Platforms)
	slices.Sort(platforms)
	return fmt.Sprintf("%s|%g|%d|%s|%s|%s|%g",
		strings.ToLower(strings.TrimSpace(query)), weight, limit, opts.Type,
		strings.Join(genres, ","), strings.Join(platforms, ","), opts.MinRating)
}
