// Package discovery is the entry point to the personalization core. An
// Engine is built once at startup and shared by every request handler.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/discoverd/internal/cache"
	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/embeddings"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/profile"
	"github.com/fyrsmithlabs/discoverd/internal/recommend"
	"github.com/fyrsmithlabs/discoverd/internal/search"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	catalogAttempts = 3
	// defaultCandidates bounds the catalog scan when a recommendation
	// request names no candidates.
	defaultCandidates = 500
)

// Embedder is the embedding surface the engine needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedItem(ctx context.Context, item media.Item) ([]float32, error)
}

// catalogWriter is implemented by catalogs that accept indexed items, so
// they become visible to keyword search and candidate listing.
type catalogWriter interface {
	Put(items ...media.Item)
}

// Deps are the collaborators an Engine is built from. Publisher and
// Logger are optional.
type Deps struct {
	Catalog   media.Catalog
	Store     vectorstore.Store
	Embedder  Embedder
	Publisher profile.EventPublisher
	Logger    *zap.Logger
}

// Engine exposes learn, profile, recommendation and search operations.
// It is safe for concurrent use.
type Engine struct {
	catalog  media.Catalog
	store    vectorstore.Store
	embedder Embedder
	profiles *profile.Store
	learner  *profile.Learner
	scorer   *recommend.Scorer
	search   *search.Service
	recs     *cache.Namespace[[]recommend.Ranked]
	results  *cache.Namespace[*search.Result]
	caches   *cache.Group
	logger   *zap.Logger
}

// New builds an Engine from cfg and deps.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("discovery: vector store is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("discovery: embedder is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	profiles := profile.NewStore(deps.Store, cfg.Profile.CacheSize, cfg.Profile.CacheTTL.Duration(), logger)
	recs := cache.NewNamespace[[]recommend.Ranked]("recommendations", cfg.Search.CacheSize, cfg.Recommend.CacheTTL.Duration())
	results := cache.NewNamespace[*search.Result]("search", cfg.Search.CacheSize, cfg.Search.CacheTTL.Duration())
	group := cache.NewGroup(profiles.Cache(), recs, results)

	opts := []profile.Option{
		profile.WithEmbedder(deps.Embedder),
		profile.WithHistory(profile.NewHistory(cfg.Profile.HistorySize)),
		profile.WithInvalidator(group),
		profile.WithLogger(logger.Named("learner")),
	}
	if deps.Publisher != nil {
		opts = append(opts, profile.WithPublisher(deps.Publisher))
	}

	rc := cfg.Recommend
	scorer := recommend.NewScorer(recommend.Config{
		Weights: recommend.Weights{
			Personal:   rc.PersonalWeight,
			Diversity:  rc.DiversityWeight,
			Recency:    rc.RecencyWeight,
			Popularity: rc.PopularityWeight,
		},
		Diversity: recommend.DiversityConfig{
			BonusThreshold:  rc.DiversityBonus,
			ScoreOverride:   rc.ScoreOverride,
			MinFillFraction: rc.MinFillFraction,
		},
		Limit:              rc.Limit,
		ColdStartThreshold: rc.ColdStartThreshold,
	})

	catalog := deps.Catalog
	if catalog == nil {
		catalog = media.NewMemoryCatalog()
	}

	return &Engine{
		catalog:  catalog,
		store:    deps.Store,
		embedder: deps.Embedder,
		profiles: profiles,
		learner:  profile.NewLearner(profiles, opts...),
		scorer:   scorer,
		search: search.NewService(
			search.Config{HybridWeight: cfg.Search.HybridWeight, Limit: cfg.Search.Limit},
			deps.Embedder, deps.Store, catalog, results, logger.Named("search")),
		recs:    recs,
		results: results,
		caches:  group,
		logger:  logger,
	}, nil
}

// Learn folds an interaction into the user's profile. When item is nil it
// is looked up in the catalog; an unknown item still counts the
// interaction but leaves the weight maps alone.
func (e *Engine) Learn(ctx context.Context, in media.Interaction, item *media.Item) (*profile.Profile, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if item == nil {
		it, err := e.findItem(ctx, in.MediaID)
		switch {
		case err == nil:
			item = &it
		case errors.Is(err, media.ErrNotFound):
			e.logger.Debug("learning without catalog item", zap.String("media.id", in.MediaID))
		default:
			return nil, err
		}
	}
	return e.learner.Learn(ctx, in, item)
}

// GetProfile returns the stored profile or media.ErrNotFound.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	return e.profiles.Get(ctx, userID)
}

// DeleteProfile removes the profile, its history and the user's cached
// reads. It reports whether a profile existed.
func (e *Engine) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	return e.learner.Forget(ctx, userID)
}

// RebuildProfile recomputes the profile vector from recent history.
func (e *Engine) RebuildProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	return e.learner.Rebuild(ctx, userID)
}

// GetRecommendations ranks candidateIDs for userID. Unknown ids are
// skipped. With no candidates the catalog is scanned. Unknown users get
// the cold-start ranking.
func (e *Engine) GetRecommendations(ctx context.Context, userID string, candidateIDs []string, opts recommend.Options) ([]recommend.Ranked, error) {
	key := recsKey(candidateIDs, opts)
	if r, ok := e.recs.Get(userID, key); ok {
		return recommend.CloneRanked(r), nil
	}
	tok := e.recs.Token(userID)

	p, err := e.profiles.Get(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		p = nil
	} else if err != nil {
		return nil, err
	}

	candidates, err := e.candidates(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	if !e.scorer.IsColdStart(p) {
		e.hydrate(ctx, candidates)
	}

	ranked := e.scorer.Rank(p, candidates, opts)
	e.recs.Fill(userID, key, recommend.CloneRanked(ranked), tok)
	return ranked, nil
}

// HybridSearch blends keyword and semantic retrieval.
func (e *Engine) HybridSearch(ctx context.Context, query string, opts search.Options) (*search.Result, error) {
	return e.search.HybridSearch(ctx, query, opts)
}

// IndexItems embeds items that carry no embedding and writes all of them
// to the vector store, and to the catalog when it is writable. Cached
// search results and recommendations are dropped afterwards.
func (e *Engine) IndexItems(ctx context.Context, items []media.Item) (int, error) {
	var (
		texts   []string
		pending []int
	)
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return 0, fmt.Errorf("item %q: %w", it.ID, err)
		}
		if !it.HasEmbedding() {
			texts = append(texts, embeddings.ItemText(it))
			pending = append(pending, i)
		}
	}

	vectors := make([][]float32, len(items))
	for i, it := range items {
		vectors[i] = it.Embedding
	}
	if len(texts) > 0 {
		embedded, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embedding items: %w", err)
		}
		for j, i := range pending {
			vectors[i] = embedded[j]
		}
	}

	indexed := 0
	for i, it := range items {
		if err := e.store.Insert(ctx, it.ID, vectors[i], itemMetadata(it)); err != nil {
			return indexed, fmt.Errorf("indexing %q: %w", it.ID, err)
		}
		indexed++
	}
	if w, ok := e.catalog.(catalogWriter); ok {
		w.Put(items...)
	}
	e.results.Purge()
	e.recs.Purge()
	e.logger.Info("items indexed", zap.Int("count", indexed), zap.Int("embedded", len(texts)))
	return indexed, nil
}

// InvalidateUser drops every cached read for userID.
func (e *Engine) InvalidateUser(userID string) {
	e.caches.InvalidateUser(userID)
}

func (e *Engine) candidates(ctx context.Context, ids []string) ([]media.Item, error) {
	if len(ids) == 0 {
		page, err := e.catalog.Search(ctx, media.Query{Limit: defaultCandidates})
		if err != nil {
			return nil, fmt.Errorf("listing candidates: %w", err)
		}
		return page.Items, nil
	}
	out := make([]media.Item, 0, len(ids))
	for _, id := range ids {
		it, err := e.findItem(ctx, id)
		if errors.Is(err, media.ErrNotFound) {
			e.logger.Debug("skipping unknown candidate", zap.String("media.id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// hydrate fills missing candidate embeddings from the vector store.
// Items that were never indexed keep a nil embedding and score no
// personal similarity.
func (e *Engine) hydrate(ctx context.Context, items []media.Item) {
	for i := range items {
		if items[i].HasEmbedding() {
			continue
		}
		rec, err := e.store.Get(ctx, items[i].ID)
		if err != nil {
			if !errors.Is(err, vectorstore.ErrNotFound) {
				e.logger.Warn("loading candidate embedding failed",
					zap.String("media.id", items[i].ID),
					zap.Error(err))
			}
			continue
		}
		items[i].Embedding = rec.Vector
	}
}

// findItem looks an item up, retrying transient catalog failures.
func (e *Engine) findItem(ctx context.Context, id string) (media.Item, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	return backoff.Retry(ctx, func() (media.Item, error) {
		it, err := e.catalog.FindByID(ctx, id)
		if errors.Is(err, media.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return it, backoff.Permanent(err)
		}
		return it, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(catalogAttempts))
}

func itemMetadata(it media.Item) vectorstore.Metadata {
	md := vectorstore.Metadata{
		Kind:      vectorstore.KindItem,
		Title:     it.Title,
		MediaType: string(it.Type),
		Genres:    it.Genres,
		Platforms: it.Platforms,
	}
	if it.Rating > 0 {
		r := it.Rating
		md.Rating = &r
	}
	if y := it.Year(); y > 0 {
		md.Extra = map[string]string{"year": fmt.Sprint(y)}
	}
	return md
}

func recsKey(ids []string, opts recommend.Options) string {
	var b strings.Builder
	b.WriteString(strings.Join(ids, ","))
	fmt.Fprintf(&b, "|%d|%t", opts.Limit, opts.NoDiversify)
	if w := opts.Weights; w != nil {
		fmt.Fprintf(&b, "|%g,%g,%g,%g", w.Personal, w.Diversity, w.Recency, w.Popularity)
	}
	return b.String()
}
