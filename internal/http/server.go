// Package http exposes the discovery engine over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/embeddings"
	"github.com/fyrsmithlabs/discoverd/internal/logging"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/fyrsmithlabs/discoverd/internal/profile"
	"github.com/fyrsmithlabs/discoverd/internal/recommend"
	"github.com/fyrsmithlabs/discoverd/internal/search"
	"github.com/fyrsmithlabs/discoverd/internal/vectorstore"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the set of discovery operations served over HTTP.
type Engine interface {
	Learn(ctx context.Context, in media.Interaction, item *media.Item) (*profile.Profile, error)
	GetProfile(ctx context.Context, userID string) (*profile.Profile, error)
	DeleteProfile(ctx context.Context, userID string) (bool, error)
	RebuildProfile(ctx context.Context, userID string) (*profile.Profile, error)
	GetRecommendations(ctx context.Context, userID string, candidateIDs []string, opts recommend.Options) ([]recommend.Ranked, error)
	HybridSearch(ctx context.Context, query string, opts search.Options) (*search.Result, error)
	IndexItems(ctx context.Context, items []media.Item) (int, error)
}

// Server provides HTTP endpoints for discoverd.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	store   vectorstore.Store
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
	now     func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// EnableMetrics serves the Prometheus registry on /metrics.
	EnableMetrics bool
}

// NewServer creates a new HTTP server. store is only used for status
// reporting and may be nil.
func NewServer(engine Engine, store vectorstore.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:          "localhost",
			Port:          8080,
			EnableMetrics: true,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:    e,
		engine:  engine,
		store:   store,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
		now:     time.Now,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(correlate)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)
			logger.Info("http request", fields...)

			return err
		}
	})
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// correlate copies the request id and path user id into the request
// context so downstream logs carry them.
func correlate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		if id := strings.TrimSpace(c.Param("id")); id != "" {
			ctx = logging.WithUserID(ctx, id)
		}
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.EnableMetrics {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/search", s.handleSearch)
	v1.POST("/items", s.handleIndex)

	users := v1.Group("/users/:id")
	users.POST("/interactions", s.handleInteraction)
	users.GET("/profile", s.handleGetProfile)
	users.DELETE("/profile", s.handleDeleteProfile)
	users.POST("/profile/rebuild", s.handleRebuildProfile)
	users.POST("/recommendations", s.handleRecommendations)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	services := map[string]string{"engine": "ok"}
	counts := CountRecords(c.Request().Context(), s.store)
	switch {
	case s.store == nil:
		services["vectorstore"] = "unconfigured"
	case counts.Records < 0:
		services["vectorstore"] = "unavailable"
	default:
		services["vectorstore"] = "ok"
	}
	status := "ok"
	if services["vectorstore"] == "unavailable" {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:   status,
		Version:  s.config.Version,
		Services: services,
		Counts:   counts,
	})
}

func userID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	return id, nil
}

func (s *Server) handleInteraction(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req InteractionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid interaction request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	in := media.Interaction{
		UserID:     uid,
		MediaID:    req.MediaID,
		Type:       req.Type,
		Timestamp:  s.now().UTC(),
		Duration:   req.Duration,
		Completion: req.Completion,
		Rating:     req.Rating,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	p, err := s.engine.Learn(c.Request().Context(), in, req.Item)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProfileResponse(p))
}

func (s *Server) handleGetProfile(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	p, err := s.engine.GetProfile(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProfileResponse(p))
}

func (s *Server) handleDeleteProfile(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	deleted, err := s.engine.DeleteProfile(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DeleteResponse{Deleted: deleted})
}

func (s *Server) handleRebuildProfile(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	p, err := s.engine.RebuildProfile(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newProfileResponse(p))
}

func (s *Server) handleRecommendations(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req RecommendationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Limit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must not be negative")
	}

	ranked, err := s.engine.GetRecommendations(c.Request().Context(), uid, req.Candidates, req.Options)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RecommendationResponse{Items: ranked})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if w := req.HybridWeight; w != nil && (*w < 0 || *w > 1) {
		return echo.NewHTTPError(http.StatusBadRequest, "hybridWeight must be within [0, 1]")
	}

	res, err := s.engine.HybridSearch(c.Request().Context(), req.Query, req.Options)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newSearchResponse(res))
}

func (s *Server) handleIndex(c echo.Context) error {
	var req IndexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items field is required")
	}
	n, err := s.engine.IndexItems(c.Request().Context(), req.Items)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, IndexResponse{Indexed: n})
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, media.ErrInvalidInteraction),
		errors.Is(err, media.ErrInvalidItem),
		errors.Is(err, vectorstore.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrNotFound), errors.Is(err, vectorstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable),
		errors.Is(err, embeddings.ErrQuotaExceeded),
		errors.Is(err, embeddings.ErrUnauthorized),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := statusOf(err)
		msg := http.StatusText(code)
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			msg = fmt.Sprint(he.Message)
		case code < http.StatusInternalServerError:
			msg = err.Error()
		default:
			logger.Error("request failed", append(logging.ContextFields(c.Request().Context()),
				zap.String("route", c.Path()),
				zap.Int("status", code),
				zap.Error(err))...)
		}

		resp := ErrorResponse{Error: msg, RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, resp)
		}
		if werr != nil {
			logger.Warn("writing error response failed", zap.Error(werr))
		}
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
