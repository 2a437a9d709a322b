package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/discovery"
	"github.com/fyrsmithlabs/discoverd/internal/embeddings"
	"github.com/fyrsmithlabs/discoverd/internal/logging"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/profile"
	"github.com/fyrsmithlabs/discoverd/internal/recommend"
	"github.com/fyrsmithlabs/discoverd/internal/search"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var testItems = []media.Item{
	{ID: "matrix", Title: "The Matrix", Type: media.TypeMovie, Genres: []string{"Action", "Sci-Fi"}, Platforms: []string{"Netflix"}, Rating: 8.7},
	{ID: "office", Title: "The Office", Type: media.TypeTV, Genres: []string{"Comedy"}, Platforms: []string{"Peacock"}, Rating: 9.0},
	{ID: "planet", Title: "Planet Earth", Type: media.TypeDocumentary, Genres: []string{"Nature"}, Rating: 9.4},
}

// setupTestServer creates a server over a real engine with in-memory
// collaborators.
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	vs, err := vectorstore.NewMemoryStore(vectorstore.MemoryConfig{Dimension: 32})
	require.NoError(t, err)
	hash, err := embeddings.NewHashProvider(32)
	require.NoError(t, err)
	engine, err := discovery.New(config.Default(), discovery.Deps{
		Catalog:  media.NewMemoryCatalog(testItems...),
		Store:    vs,
		Embedder: embeddings.NewService(hash, embeddings.ServiceConfig{}, nil),
	})
	require.NoError(t, err)

	server, err := NewServer(engine, vs, zap.NewNop(), &Config{Host: "localhost", Port: 8080, EnableMetrics: true})
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	engine := &stubEngine{}

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(engine, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(engine, nil, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "engine cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, setupTestServer(t), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleStatus(t *testing.T) {
	s := setupTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/items", IndexRequest{Items: testItems})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[IndexResponse](t, rec).Indexed)

	rec = do(t, s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, StatusCounts{Records: 3, Dimension: 32}, status.Counts)
}

func TestInteractionFlow(t *testing.T) {
	s := setupTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/users/u1/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/users/u1/interactions", InteractionRequest{
		MediaID: "matrix",
		Type:    media.InteractionLike,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[ProfileResponse](t, rec)
	assert.Equal(t, 1, p.InteractionCount)
	assert.Greater(t, p.GenreWeights["Action"], 0.0)
	assert.True(t, p.HasVector)

	rec = do(t, s, http.MethodGet, "/api/v1/users/u1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ProfileResponse](t, rec).InteractionCount)

	rec = do(t, s, http.MethodPost, "/api/v1/users/u1/profile/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/users/u1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DeleteResponse](t, rec).Deleted)

	rec = do(t, s, http.MethodGet, "/api/v1/users/u1/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestHandleInteraction_Invalid(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"mediaId":"matrix","type":"poke"}`},
		{"missing media", `{"type":"like"}`},
		{"malformed json", `{"mediaId":`},
		{"wrong field type", `{"mediaId":42,"type":"like"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/users/u1/interactions", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, s, http.MethodGet, "/api/v1/users/u1/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "rejected interactions leave no profile")
}

func TestHandleRecommendations_ColdStart(t *testing.T) {
	s := setupTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/users/new/recommendations", RecommendationRequest{
		Options: recommend.Options{Limit: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RecommendationResponse](t, rec)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "planet", resp.Items[0].Item.ID)
	assert.Equal(t, "office", resp.Items[1].Item.ID)
	for _, r := range resp.Items {
		assert.Equal(t, 0.5, r.Confidence)
		assert.Equal(t, []string{recommend.ColdStartReason}, r.Reasons)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/users/new/recommendations", map[string]any{"limit": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearch(t *testing.T) {
	s := setupTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/items", IndexRequest{Items: testItems})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/search", SearchRequest{Query: "the matrix"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SearchResponse](t, rec)
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, "matrix", resp.Items[0].ID)
	assert.Contains(t, resp.Timings, "total")
	assert.False(t, resp.Cached)

	rec = do(t, s, http.MethodPost, "/api/v1/search", SearchRequest{Query: "the matrix"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SearchResponse](t, rec).Cached)

	tests := []struct {
		name string
		body any
	}{
		{"empty query", SearchRequest{Query: " "}},
		{"weight above one", map[string]any{"query": "x", "hybridWeight": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/search", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleIndex_Invalid(t *testing.T) {
	s := setupTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/items", IndexRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/items", IndexRequest{Items: []media.Item{{ID: "x"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// stubEngine fails every call with err.
type stubEngine struct{ err error }

func (s *stubEngine) Learn(context.Context, media.Interaction, *media.Item) (*profile.Profile, error) {
	return nil, s.err
}
func (s *stubEngine) GetProfile(context.Context, string) (*profile.Profile, error) {
	return nil, s.err
}
func (s *stubEngine) DeleteProfile(context.Context, string) (bool, error) { return false, s.err }
func (s *stubEngine) RebuildProfile(context.Context, string) (*profile.Profile, error) {
	return nil, s.err
}
func (s *stubEngine) GetRecommendations(context.Context, string, []string, recommend.Options) ([]recommend.Ranked, error) {
	return nil, s.err
}
func (s *stubEngine) HybridSearch(context.Context, string, search.Options) (*search.Result, error) {
	return nil, s.err
}
func (s *stubEngine) IndexItems(context.Context, []media.Item) (int, error) { return 0, s.err }

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("learn: %w", media.ErrInvalidInteraction), http.StatusBadRequest},
		{vectorstore.ErrDimensionMismatch, http.StatusBadRequest},
		{fmt.Errorf("profile: %w", media.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: %w", embeddings.ErrEmbeddingUnavailable, errors.New("timeout")), http.StatusServiceUnavailable},
		{embeddings.ErrQuotaExceeded, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s, err := NewServer(&stubEngine{err: tt.err}, nil, zap.NewNop(), nil)
			require.NoError(t, err)
			rec := do(t, s, http.MethodGet, "/api/v1/users/u1/profile", nil)
			assert.Equal(t, tt.want, rec.Code)

			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.RequestID)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, resp.Error, "boom", "internal errors are not leaked")
			}
		})
	}
}

func TestErrorHandler_LogsCorrelation(t *testing.T) {
	tl := logging.NewTestLogger()
	s, err := NewServer(&stubEngine{err: errors.New("boom")}, nil, tl.Underlying(), nil)
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/api/v1/users/u1/profile/rebuild", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	tl.AssertLogged(t, zapcore.ErrorLevel, "request failed")
	tl.AssertFields(t, "request failed", map[string]any{
		"user.id":    "u1",
		"request.id": rec.Header().Get(echo.HeaderXRequestID),
	})
	tl.AssertFields(t, "http request", map[string]any{"route": "/api/v1/users/:id/profile/rebuild"})
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	do(t, s, http.MethodGet, "/health", nil)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerLifecycle(t *testing.T) {
	server, err := NewServer(&stubEngine{}, nil, zap.NewNop(), &Config{Host: "localhost", Port: 0})
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		rec := do(t, setupTestServer(t), http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		var rec *httptest.ResponseRecorder
		assert.NotPanics(t, func() {
			rec = do(t, server, http.MethodGet, "/panic", nil)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
