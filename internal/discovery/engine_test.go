package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/embeddings"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/profile"
	"github.com/fyrsmithlabs/discoverd/internal/recommend"
	"github.com/fyrsmithlabs/discoverd/internal/search"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 64

var catalogItems = []media.Item{
	{ID: "matrix", Title: "The Matrix", Type: media.TypeMovie, Genres: []string{"Action", "Sci-Fi"}, Platforms: []string{"Netflix"}, Rating: 8.7},
	{ID: "arrival", Title: "Arrival", Type: media.TypeMovie, Genres: []string{"Sci-Fi", "Drama"}, Platforms: []string{"Prime"}, Rating: 7.9},
	{ID: "office", Title: "The Office", Type: media.TypeTV, Genres: []string{"Comedy"}, Platforms: []string{"Peacock"}, Rating: 9.0},
	{ID: "planet", Title: "Planet Earth", Type: media.TypeDocumentary, Genres: []string{"Nature"}, Platforms: []string{"Max"}, Rating: 9.4},
}

func newEngine(t *testing.T, catalog media.Catalog) (*Engine, vectorstore.Store) {
	t.Helper()
	vs, err := vectorstore.NewMemoryStore(vectorstore.MemoryConfig{Dimension: testDim})
	require.NoError(t, err)
	hash, err := embeddings.NewHashProvider(testDim)
	require.NoError(t, err)

	e, err := New(config.Default(), Deps{
		Catalog:  catalog,
		Store:    vs,
		Embedder: embeddings.NewService(hash, embeddings.ServiceConfig{}, nil),
	})
	require.NoError(t, err)
	return e, vs
}

func interaction(user, mediaID string, typ media.InteractionType) media.Interaction {
	return media.Interaction{UserID: user, MediaID: mediaID, Type: typ, Timestamp: time.Now()}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestEngine_LearnResolvesCatalogItem(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	ctx := context.Background()

	p, err := e.Learn(ctx, interaction("u1", "matrix", media.InteractionLike), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.InteractionCount)
	assert.Greater(t, p.GenreWeights["Action"], 0.0)
	assert.Greater(t, p.GenreWeights["Sci-Fi"], 0.0)
	assert.Greater(t, p.PlatformWeights["Netflix"], 0.0)
	assert.Len(t, p.Vector, testDim, "the item is embedded on demand")

	got, err := e.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, p.GenreWeights, got.GenreWeights)
}

func TestEngine_LearnUnknownItem(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))

	p, err := e.Learn(context.Background(), interaction("u1", "missing", media.InteractionView), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, p.InteractionCount)
	assert.Empty(t, p.GenreWeights)
	assert.Nil(t, p.Vector)
}

func TestEngine_LearnRejectsInvalid(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	_, err := e.Learn(context.Background(), media.Interaction{UserID: "u1", Type: "poke"}, nil)
	assert.ErrorIs(t, err, media.ErrInvalidInteraction)

	_, err = e.GetProfile(context.Background(), "u1")
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestEngine_DeleteProfileFallsBackToColdStart(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	ctx := context.Background()

	for _, id := range []string{"matrix", "arrival", "matrix"} {
		_, err := e.Learn(ctx, interaction("u1", id, media.InteractionLike), nil)
		require.NoError(t, err)
	}
	recs, err := e.GetRecommendations(ctx, "u1", nil, recommend.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.False(t, recs[0].ColdStart)

	ok, err := e.DeleteProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.GetProfile(ctx, "u1")
	assert.ErrorIs(t, err, media.ErrNotFound)

	recs, err = e.GetRecommendations(ctx, "u1", nil, recommend.Options{})
	require.NoError(t, err)
	require.Len(t, recs, len(catalogItems))
	assert.Equal(t, "planet", recs[0].Item.ID, "cold start ranks by rating")
	for _, r := range recs {
		assert.True(t, r.ColdStart)
		assert.Equal(t, 0.5, r.Confidence)
	}
}

func TestEngine_RecommendationsRefreshAfterLearn(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	ctx := context.Background()
	candidates := []string{"matrix", "arrival", "office", "nope"}

	recs, err := e.GetRecommendations(ctx, "u1", candidates, recommend.Options{})
	require.NoError(t, err)
	require.Len(t, recs, 3, "unknown candidates are skipped")
	assert.True(t, recs[0].ColdStart)

	for i := 0; i < 3; i++ {
		_, err := e.Learn(ctx, interaction("u1", "arrival", media.InteractionLike), nil)
		require.NoError(t, err)
	}

	recs, err = e.GetRecommendations(ctx, "u1", candidates, recommend.Options{NoDiversify: true})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.False(t, recs[0].ColdStart)
	assert.Equal(t, "arrival", recs[0].Item.ID)
	assert.InDelta(t, recommend.Confidence(3), recs[0].Confidence, 1e-12)
}

func TestEngine_IndexAndSearch(t *testing.T) {
	e, vs := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	ctx := context.Background()

	n, err := e.IndexItems(ctx, catalogItems)
	require.NoError(t, err)
	assert.Equal(t, len(catalogItems), n)
	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(catalogItems), count)

	rec, err := vs.Get(ctx, "matrix")
	require.NoError(t, err)
	assert.Equal(t, vectorstore.KindItem, rec.Metadata.Kind)
	assert.Equal(t, "movie", rec.Metadata.MediaType)

	res, err := e.HybridSearch(ctx, "the matrix", search.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "matrix", res.Items[0].ID)
}

func TestEngine_IndexItemsFillsWritableCatalog(t *testing.T) {
	cat := media.NewMemoryCatalog()
	e, _ := newEngine(t, cat)
	ctx := context.Background()

	_, err := e.IndexItems(ctx, catalogItems)
	require.NoError(t, err)
	assert.Len(t, cat.All(), len(catalogItems))

	res, err := e.HybridSearch(ctx, "matrix", search.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "matrix", res.Items[0].ID)
}

func TestEngine_IndexItemsValidates(t *testing.T) {
	e, vs := newEngine(t, nil)
	_, err := e.IndexItems(context.Background(), []media.Item{{ID: "x"}})
	assert.Error(t, err)
	count, _ := vs.Count(context.Background())
	assert.Zero(t, count)
}

func TestEngine_IndexedEmbeddingsFeedPersonalScore(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	ctx := context.Background()
	_, err := e.IndexItems(ctx, catalogItems)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Learn(ctx, interaction("u1", "matrix", media.InteractionLike), nil)
		require.NoError(t, err)
	}
	recs, err := e.GetRecommendations(ctx, "u1", []string{"matrix", "office"}, recommend.Options{NoDiversify: true})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "matrix", recs[0].Item.ID)
	assert.InDelta(t, 1.0, recs[0].Breakdown.Personal, 1e-5)
}

type flakyCatalog struct {
	*media.MemoryCatalog
	failures atomic.Int32
}

func (f *flakyCatalog) FindByID(ctx context.Context, id string) (media.Item, error) {
	if f.failures.Add(-1) >= 0 {
		return media.Item{}, errors.New("catalog timeout")
	}
	return f.MemoryCatalog.FindByID(ctx, id)
}

func TestEngine_CatalogLookupRetries(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
		wantErr  bool
	}{
		{"recovers", 2, false},
		{"gives up", 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &flakyCatalog{MemoryCatalog: media.NewMemoryCatalog(catalogItems...)}
			cat.failures.Store(tt.failures)
			e, _ := newEngine(t, cat)

			_, err := e.Learn(context.Background(), interaction("u1", "matrix", media.InteractionLike), nil)
			if tt.wantErr {
				assert.Error(t, err)
				_, err = e.GetProfile(context.Background(), "u1")
				assert.ErrorIs(t, err, profile.ErrNotFound)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// pausingStore blocks the first armed Get of pauseID after the read.
type pausingStore struct {
	vectorstore.Store
	pauseID string
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausingStore) Get(ctx context.Context, id string) (vectorstore.Record, error) {
	rec, err := p.Store.Get(ctx, id)
	if id == p.pauseID && p.armed.CompareAndSwap(true, false) {
		close(p.loaded)
		<-p.release
	}
	return rec, err
}

func TestEngine_SlowRecommendationCannotCacheOverDelete(t *testing.T) {
	mem, err := vectorstore.NewMemoryStore(vectorstore.MemoryConfig{Dimension: testDim})
	require.NoError(t, err)
	vs := &pausingStore{Store: mem, pauseID: profile.RecordID("u1"), loaded: make(chan struct{}), release: make(chan struct{})}
	hash, err := embeddings.NewHashProvider(testDim)
	require.NoError(t, err)
	e, err := New(config.Default(), Deps{
		Catalog:  media.NewMemoryCatalog(catalogItems...),
		Store:    vs,
		Embedder: embeddings.NewService(hash, embeddings.ServiceConfig{}, nil),
	})
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"matrix", "arrival", "matrix"} {
		_, err := e.Learn(ctx, interaction("u1", id, media.InteractionLike), nil)
		require.NoError(t, err)
	}
	e.profiles.Cache().Purge()

	vs.armed.Store(true)
	stale := make(chan []recommend.Ranked, 1)
	go func() {
		recs, err := e.GetRecommendations(ctx, "u1", nil, recommend.Options{})
		assert.NoError(t, err)
		stale <- recs
	}()
	<-vs.loaded

	ok, err := e.DeleteProfile(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	close(vs.release)
	old := <-stale
	require.NotEmpty(t, old)
	assert.False(t, old[0].ColdStart, "the slow request ranked with the deleted profile")

	recs, err := e.GetRecommendations(ctx, "u1", nil, recommend.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.True(t, recs[0].ColdStart)
}

func TestEngine_CachedRecommendationsAreCopies(t *testing.T) {
	e, _ := newEngine(t, media.NewMemoryCatalog(catalogItems...))
	ctx := context.Background()

	first, err := e.GetRecommendations(ctx, "u1", nil, recommend.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	wantID := first[0].Item.ID
	first[0].Item.ID = "mutated"
	first[0].Reasons[0] = "mutated"

	second, err := e.GetRecommendations(ctx, "u1", nil, recommend.Options{})
	require.NoError(t, err)
	assert.Equal(t, wantID, second[0].Item.ID)
	assert.Equal(t, recommend.ColdStartReason, second[0].Reasons[0])
}
