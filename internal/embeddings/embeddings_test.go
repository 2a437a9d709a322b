package embeddings

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider returns a fixed vector per call and can be told to fail.
type fakeProvider struct {
	name  string
	dim   int
	calls atomic.Int32
	texts atomic.Int32
	fail  func(call int32) error
}

func (f *fakeProvider) vector() []float32 {
	v := make([]float32, f.dim)
	v[0] = 1
	return v
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	f.texts.Add(int32(len(texts)))
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector()
	}
	return out, nil
}

func (f *fakeProvider) Dimension() int { return f.dim }
func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Close() error   { return nil }

func TestHashProvider_Deterministic(t *testing.T) {
	p, err := NewHashProvider(256)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.Embed(ctx, "Space opera with rebels")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "space OPERA with rebels!")
	require.NoError(t, err)
	assert.Equal(t, a, b, "case and punctuation do not matter")
	assert.Len(t, a, 256)
	assert.InDelta(t, 1.0, vectorstore.Magnitude(a), 1e-5)

	related, _ := p.Embed(ctx, "a space opera about a rebellion")
	unrelated, _ := p.Embed(ctx, "cooking show baking bread")
	assert.Greater(t, vectorstore.Cosine(a, related), vectorstore.Cosine(a, unrelated))

	_, err = p.Embed(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = NewHashProvider(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"cut", "abcdef", 3, "abc"},
		{"multibyte", "héllo wörld", 7, "héllo w"},
		{"emoji boundary", "ab😀cd", 3, "ab😀"},
		{"disabled", "abcdef", 0, "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, runeLen(got), max(tt.max, runeLen(tt.in)))
		})
	}

	long := strings.Repeat("é", 9000)
	assert.Equal(t, 8000, runeLen(Truncate(long, 8000)))
}

func TestItemText(t *testing.T) {
	dur, seasons := 136, 0
	item := media.Item{
		ID:          "m1",
		Title:       "The Matrix",
		Type:        media.TypeMovie,
		Description: "A hacker learns the truth.",
		Genres:      []string{"Action", "Sci-Fi"},
		Cast:        []string{"Keanu Reeves"},
		ReleaseDate: time.Date(1999, 3, 31, 0, 0, 0, 0, time.UTC),
		Rating:      8.7,
		Platforms:   []string{"Netflix"},
		Duration:    &dur,
		Seasons:     &seasons,
	}
	want := strings.Join([]string{
		"Title: The Matrix",
		"Type: movie",
		"Description: A hacker learns the truth.",
		"Genres: Action, Sci-Fi",
		"Cast: Keanu Reeves",
		"Year: 1999",
		"Rating: 8.7",
		"Platforms: Netflix",
		"Duration: 136 minutes",
	}, "\n")
	assert.Equal(t, want, ItemText(item))
	assert.Equal(t, "Title: Dark\nType: tv", ItemText(media.Item{Title: "Dark", Type: media.TypeTV}))
}

func TestChain_FallsBackInOrder(t *testing.T) {
	primary := &fakeProvider{name: "primary", dim: 3, fail: func(int32) error {
		return ErrEmbeddingUnavailable
	}}
	secondary := &fakeProvider{name: "secondary", dim: 3}
	c, err := NewChain(nil, primary, secondary)
	require.NoError(t, err)

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 3)
	assert.EqualValues(t, 1, primary.calls.Load())
	assert.EqualValues(t, 1, secondary.calls.Load())
	assert.Equal(t, "primary>secondary", c.Name())
}

func TestChain_AllFailKeepsCauses(t *testing.T) {
	quota := &fakeProvider{name: "openai", dim: 2, fail: func(int32) error {
		return classifyStatus(http.StatusTooManyRequests, `{"error":{"code":"insufficient_quota"}}`)
	}}
	down := &fakeProvider{name: "tei", dim: 2, fail: func(int32) error {
		return &StatusError{Code: 503}
	}}
	c, err := NewChain(nil, quota, down)
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestChain_WrongDimensionFallsThrough(t *testing.T) {
	bad := &badDimProvider{fakeProvider{name: "bad", dim: 4}}
	good := &fakeProvider{name: "good", dim: 4}
	c, err := NewChain(nil, bad, good)
	require.NoError(t, err)

	v, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 4)

	c, _ = NewChain(nil, bad)
	_, err = c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

type badDimProvider struct{ fakeProvider }

func (b *badDimProvider) Embed(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

func TestNewChain_Validation(t *testing.T) {
	_, err := NewChain(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChain(nil, &fakeProvider{name: "a", dim: 3}, &fakeProvider{name: "b", dim: 4})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChain_ContextCanceledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeProvider{name: "first", dim: 1, fail: func(int32) error {
		cancel()
		return context.Canceled
	}}
	second := &fakeProvider{name: "second", dim: 1}
	c, _ := NewChain(nil, first, second)

	_, err := c.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, second.calls.Load())
}

func fastResilient(p Provider) *Resilient {
	return NewResilient(p, ResilientConfig{
		Timeout:         time.Second,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		BreakerFailures: 100,
		BreakerTimeout:  time.Minute,
	}, nil)
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{name: "tei", dim: 2, fail: func(call int32) error {
		if call < 3 {
			return &StatusError{Code: 503}
		}
		return nil
	}}
	r := fastResilient(p)

	v, err := r.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestResilient_ExhaustionIsUnavailable(t *testing.T) {
	p := &fakeProvider{name: "tei", dim: 2, fail: func(int32) error { return &StatusError{Code: 500} }}
	r := fastResilient(p)

	_, err := r.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.EqualValues(t, 3, p.calls.Load(), "capped at MaxAttempts")
}

func TestResilient_PermanentErrorsAreNotRetried(t *testing.T) {
	for name, failure := range map[string]error{
		"unauthorized": classifyStatus(http.StatusUnauthorized, "bad key"),
		"quota":        classifyStatus(http.StatusPaymentRequired, ""),
		"bad request":  &StatusError{Code: 400},
	} {
		t.Run(name, func(t *testing.T) {
			p := &fakeProvider{name: "openai", dim: 2, fail: func(int32) error { return failure }}
			_, err := fastResilient(p).Embed(context.Background(), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
			assert.EqualValues(t, 1, p.calls.Load())
		})
	}
}

func TestResilient_BreakerOpens(t *testing.T) {
	p := &fakeProvider{name: "tei", dim: 2, fail: func(int32) error { return &StatusError{Code: 503} }}
	r := NewResilient(p, ResilientConfig{
		Timeout:         time.Second,
		MaxAttempts:     1,
		InitialBackoff:  time.Millisecond,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Embed(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.State())

	_, err := r.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.EqualValues(t, 2, p.calls.Load(), "open breaker short-circuits")
}

func TestResilient_PerAttemptTimeout(t *testing.T) {
	slow := &blockingProvider{fakeProvider{name: "slow", dim: 1}}
	r := NewResilient(slow, ResilientConfig{
		Timeout:        20 * time.Millisecond,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	}, nil)

	start := time.Now()
	_, err := r.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type blockingProvider struct{ fakeProvider }

func (b *blockingProvider) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCached_OnlyEmbedsMisses(t *testing.T) {
	p := &fakeProvider{name: "fake", dim: 2}
	c := NewCached(p, 100, time.Hour)
	ctx := context.Background()

	_, err := c.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	out, err := c.EmbedBatch(ctx, []string{"b", "c", "a"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Len(t, v, 2)
	}
	assert.EqualValues(t, 3, p.texts.Load(), "a and b served from cache")

	v, err := c.Embed(ctx, "c")
	require.NoError(t, err)
	v[0] = 42
	again, _ := c.Embed(ctx, "c")
	assert.Equal(t, float32(1), again[0], "cached vectors are copied")
	assert.Equal(t, 3, c.Len())
}

func TestService_BatchesConcurrentlyInOrder(t *testing.T) {
	hash, _ := NewHashProvider(16)
	counting := &countingProvider{Provider: hash}
	svc := NewService(counting, ServiceConfig{BatchSize: 3, Concurrency: 2}, nil)

	texts := []string{"one", "two", "three", "four", "five", "six", "seven"}
	out, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, out, len(texts))
	for i, text := range texts {
		want, _ := hash.Embed(context.Background(), text)
		assert.Equal(t, want, out[i], text)
	}
	assert.EqualValues(t, 3, counting.batches.Load())
}

type countingProvider struct {
	Provider
	batches atomic.Int32
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches.Add(1)
	return c.Provider.EmbedBatch(ctx, texts)
}

func TestService_TruncatesBeforeProvider(t *testing.T) {
	rec := &recordingProvider{fakeProvider: fakeProvider{name: "rec", dim: 2}}
	svc := NewService(rec, ServiceConfig{MaxChars: 5}, nil)

	_, err := svc.Embed(context.Background(), "abcdefgh")
	require.NoError(t, err)
	_, err = svc.EmbedBatch(context.Background(), []string{"ü123456"})
	require.NoError(t, err)
	assert.Equal(t, []string{"abcde", "ü1234"}, rec.seen)
}

type recordingProvider struct {
	fakeProvider
	mu   sync.Mutex
	seen []string
}

func (r *recordingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	r.mu.Lock()
	r.seen = append(r.seen, texts...)
	r.mu.Unlock()
	return r.fakeProvider.EmbedBatch(ctx, texts)
}

func (r *recordingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func TestTEIProvider(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req teiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		code := int(status.Load())
		if code != http.StatusOK {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"insufficient_quota"}`))
			return
		}
		out := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			out[i] = []float32{float32(i), 1, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Dimension: 3})
	require.NoError(t, err)
	ctx := context.Background()

	vectors, err := p.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, vectors)

	status.Store(http.StatusUnauthorized)
	_, err = p.Embed(ctx, "a")
	assert.ErrorIs(t, err, ErrUnauthorized)

	status.Store(http.StatusTooManyRequests)
	_, err = p.Embed(ctx, "a")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	status.Store(http.StatusBadGateway)
	_, err = p.Embed(ctx, "a")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Temporary())

	_, err = NewTEIProvider(TEIConfig{Dimension: 3})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpenAIProvider(t *testing.T) {
	var unauthorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		if unauthorized.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		type datum struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Object string  `json:"object"`
			Data   []datum `json:"data"`
			Model  string  `json:"model"`
		}{Object: "list", Model: req.Model}
		for i := range req.Input {
			v := make([]float32, 1536)
			v[i%1536] = 1
			resp.Data = append(resp.Data, datum{Object: "embedding", Embedding: v, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimension())

	vectors, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[1][1])

	unauthorized.Store(true)
	_, err = p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = NewOpenAIProvider(OpenAIConfig{Model: "text-embedding-3-small"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = NewOpenAIProvider(OpenAIConfig{Model: "text-embedding-3-large", APIKey: "k", Dimension: 1536})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_SkipsProvidersWithoutCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.VectorStore.Dimension = 64

	svc, err := New(cfg, nil)
	require.NoError(t, err)
	defer svc.Close()
	assert.Equal(t, "hash", svc.Name())
	assert.Equal(t, 64, svc.Dimension())

	v, err := svc.Embed(context.Background(), "a quiet drama")
	require.NoError(t, err)
	assert.Len(t, v, 64)

	cfg.Embeddings.Providers = []string{"openai"}
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.Embeddings.Providers = []string{"word2vec"}
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClassifyStatus(t *testing.T) {
	assert.ErrorIs(t, classifyStatus(403, ""), ErrUnauthorized)
	assert.ErrorIs(t, classifyStatus(429, "You exceeded your current quota"), ErrQuotaExceeded)
	assert.NotErrorIs(t, classifyStatus(429, "slow down"), ErrQuotaExceeded)
	assert.False(t, permanent(classifyStatus(429, "slow down")))
	assert.True(t, permanent(classifyStatus(404, "")))
}
