package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/fyrsmithlabs/discoverd/internal/cache"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		keyword  []Scored
		semantic []Scored
		weight   float64
		limit    int
		want     []Scored
	}{
		{
			name:     "item in both lists adds up",
			keyword:  []Scored{{"x", 0.8}},
			semantic: []Scored{{"x", 0.6}},
			weight:   0.5,
			want:     []Scored{{"x", 0.7}},
		},
		{
			name:     "empty keyword list scales semantic",
			semantic: []Scored{{"a", 0.9}, {"b", 0.4}},
			weight:   0.7,
			want:     []Scored{{"a", 0.63}, {"b", 0.28}},
		},
		{
			name:    "empty semantic list scales keyword",
			keyword: []Scored{{"a", 0.9}, {"b", 0.4}},
			weight:  0.7,
			want:    []Scored{{"a", 0.27}, {"b", 0.12}},
		},
		{
			name:     "overlap outranks a single list",
			keyword:  []Scored{{"a", 0.6}, {"b", 0.9}},
			semantic: []Scored{{"a", 0.6}},
			weight:   0.5,
			want:     []Scored{{"a", 0.6}, {"b", 0.45}},
		},
		{
			name:    "ties break by id",
			keyword: []Scored{{"c", 0.5}, {"a", 0.5}, {"b", 0.5}},
			weight:  0,
			want:    []Scored{{"a", 0.5}, {"b", 0.5}, {"c", 0.5}},
		},
		{
			name:    "limit truncates",
			keyword: []Scored{{"a", 0.9}, {"b", 0.8}, {"c", 0.7}},
			weight:  0,
			limit:   2,
			want:    []Scored{{"a", 0.9}, {"b", 0.8}},
		},
		{
			name:    "duplicate ids keep the best score",
			keyword: []Scored{{"a", 0.2}, {"a", 0.6}},
			weight:  0,
			want:    []Scored{{"a", 0.6}},
		},
		{
			name: "both empty",
			want: []Scored{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.keyword, tt.semantic, tt.weight, tt.limit)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].ID, got[i].ID)
				assert.InDelta(t, tt.want[i].Score, got[i].Score, 1e-9)
			}
		})
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	kw := []Scored{{"a", 0.3}, {"b", 0.9}, {"c", 0.5}}
	sem := []Scored{{"c", 0.8}, {"d", 0.1}, {"a", 0.7}}
	want := Merge(kw, sem, 0.4, 0)

	reversed := func(s []Scored) []Scored {
		out := make([]Scored, len(s))
		for i, v := range s {
			out[len(s)-1-i] = v
		}
		return out
	}
	assert.Equal(t, want, Merge(reversed(kw), reversed(sem), 0.4, 0))
}

func TestKeywordScore(t *testing.T) {
	tests := []struct {
		query string
		text  string
		want  float64
	}{
		{"action movies", "Best ACTION MOVIES of 1990", 1},
		{"action movies", "Action heroes", 0.5},
		{"space opera war", "Star Wars: a space saga", 2.0 / 3},
		{"horror", "romantic comedy", 0},
		{"  ", "anything", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query+"/"+tt.text, func(t *testing.T) {
			assert.InDelta(t, tt.want, KeywordScore(tt.query, tt.text), 1e-12)
		})
	}
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	return f.vec, f.err
}

func newTestService(t *testing.T, emb QueryEmbedder, c *cache.Namespace[*Result]) *Service {
	t.Helper()
	ctx := context.Background()
	items := []media.Item{
		{ID: "x", Title: "Action Movies Night", Type: media.TypeMovie, Genres: []string{"Action"}, Rating: 7},
		{ID: "y", Title: "Quiet drama", Type: media.TypeMovie, Genres: []string{"Drama"}, Rating: 8},
		{ID: "z", Title: "Action heroes", Type: media.TypeTV, Genres: []string{"Action"}, Rating: 6},
	}
	vectors := map[string][]float32{
		"x": {1, 0},
		"y": {0.6, 0.8},
		"z": {0, 1},
	}

	vs, err := vectorstore.NewMemoryStore(vectorstore.MemoryConfig{Dimension: 2})
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, vs.Insert(ctx, it.ID, vectors[it.ID], itemMeta(it)))
	}
	// profiles share the store and must never surface as results
	require.NoError(t, vs.Insert(ctx, "profile:u1", []float32{1, 0}, vectorstore.Metadata{Kind: vectorstore.KindProfile}))

	return NewService(DefaultConfig(), emb, vs, media.NewMemoryCatalog(items...), c, nil)
}

func itemMeta(it media.Item) vectorstore.Metadata {
	r := it.Rating
	return vectorstore.Metadata{
		Kind:      vectorstore.KindItem,
		MediaType: string(it.Type),
		Genres:    it.Genres,
		Platforms: it.Platforms,
		Rating:    &r,
	}
}

func resultIDs(r *Result) []string {
	out := make([]string, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.ID
	}
	return out
}

func TestHybridSearch(t *testing.T) {
	svc := newTestService(t, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	res, err := svc.HybridSearch(context.Background(), "action movies", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, resultIDs(res))
	assert.InDelta(t, 1.0, res.Scores["x"], 1e-6)
	assert.InDelta(t, 0.3, res.Scores["y"], 1e-6)
	assert.InDelta(t, 0.25, res.Scores["z"], 1e-6)
	assert.NotContains(t, res.Scores, "profile:u1")
	assert.Positive(t, res.Timings.Total)
}

func TestHybridSearch_Filters(t *testing.T) {
	svc := newTestService(t, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	res, err := svc.HybridSearch(context.Background(), "action movies", Options{Type: media.TypeMovie, MinRating: 7.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, resultIDs(res))

	res, err = svc.HybridSearch(context.Background(), "action", Options{Genres: []string{"action"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, resultIDs(res))
}

func TestHybridSearch_PureKeywordSkipsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("backend down")}
	svc := newTestService(t, emb, nil)
	zero := 0.0

	res, err := svc.HybridSearch(context.Background(), "action movies", Options{HybridWeight: &zero})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z"}, resultIDs(res))
	assert.Zero(t, emb.calls.Load())
}

func TestHybridSearch_EmbeddingFailure(t *testing.T) {
	sentinel := errors.New("embedding unavailable")
	svc := newTestService(t, &fakeEmbedder{err: sentinel}, nil)

	_, err := svc.HybridSearch(context.Background(), "action", Options{})
	assert.ErrorIs(t, err, sentinel)
}

func TestHybridSearch_RejectsWeight(t *testing.T) {
	svc := newTestService(t, &fakeEmbedder{vec: []float32{1, 0}}, nil)
	bad := 1.5
	_, err := svc.HybridSearch(context.Background(), "action", Options{HybridWeight: &bad})
	assert.Error(t, err)
}

func TestHybridSearch_Cache(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0}}
	results := cache.NewNamespace[*Result]("search", 16, 0)
	svc := newTestService(t, emb, results)
	ctx := context.Background()

	first, err := svc.HybridSearch(ctx, "action movies", Options{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.HybridSearch(ctx, "Action Movies ", Options{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, resultIDs(first), resultIDs(second))
	assert.EqualValues(t, 1, emb.calls.Load())

	results.InvalidateUser("u1")
	third, err := svc.HybridSearch(ctx, "action movies", Options{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.EqualValues(t, 2, emb.calls.Load())
}

func TestHybridSearch_FilteredSemanticBeyondTopK(t *testing.T) {
	ctx := context.Background()
	vs, err := vectorstore.NewMemoryStore(vectorstore.MemoryConfig{Dimension: 2})
	require.NoError(t, err)

	var items []media.Item
	for i := range 5 {
		it := media.Item{ID: fmt.Sprintf("drama-%d", i), Title: "Drama", Type: media.TypeMovie, Genres: []string{"Drama"}, Rating: 8}
		items = append(items, it)
		require.NoError(t, vs.Insert(ctx, it.ID, []float32{1, float32(i) * 0.01}, itemMeta(it)))
	}
	comedy := media.Item{ID: "comedy", Title: "Laughs", Type: media.TypeMovie, Genres: []string{"Comedy"}, Rating: 7}
	items = append(items, comedy)
	require.NoError(t, vs.Insert(ctx, comedy.ID, []float32{1, 1}, itemMeta(comedy)))

	svc := NewService(DefaultConfig(), &fakeEmbedder{vec: []float32{1, 0}}, vs, media.NewMemoryCatalog(items...), nil, nil)
	one := 1.0
	res, err := svc.HybridSearch(ctx, "anything", Options{HybridWeight: &one, Limit: 1, Genres: []string{"Comedy"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"comedy"}, resultIDs(res))
	assert.InDelta(t, 0.7071, res.Scores["comedy"], 1e-3)
}

func TestHybridSearch_CachedResultIsolated(t *testing.T) {
	results := cache.NewNamespace[*Result]("search", 16, 0)
	svc := newTestService(t, &fakeEmbedder{vec: []float32{1, 0}}, results)
	ctx := context.Background()

	first, err := svc.HybridSearch(ctx, "action movies", Options{UserID: "u1"})
	require.NoError(t, err)
	want := resultIDs(first)
	first.Items[0].ID = "mutated"
	first.Items[0].Genres[0] = "mutated"
	first.Scores["x"] = -1

	second, err := svc.HybridSearch(ctx, "action movies", Options{UserID: "u1"})
	require.NoError(t, err)
	require.True(t, second.Cached)
	assert.Equal(t, want, resultIDs(second))
	assert.Equal(t, "Action", second.Items[0].Genres[0])
	assert.InDelta(t, 1.0, second.Scores["x"], 1e-6)

	second.Items[0].ID = "mutated again"
	third, err := svc.HybridSearch(ctx, "action movies", Options{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, want, resultIDs(third))
}
