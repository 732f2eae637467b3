// Package http provides the REST API for the immunity daemon.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/doctrine"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
	"github.com/fyrsmithlabs/immunity/internal/logging"
)

// Processor runs steps through the immunity pipeline.
type Processor interface {
	Process(ctx context.Context, step *immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.StepResult, error)
	PreCommit(ctx context.Context, steps []*immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.CommitDecision, error)
}

// Doctrines resolves and reloads per-project doctrine.
type Doctrines interface {
	For(scope string) *immunity.DoctrineConfig
	Reload(ctx context.Context) error
	LoadedAt() time.Time
}

// Vectors exposes the registry's current snapshot.
type Vectors interface {
	Snapshot() *immunity.Snapshot
}

// Server provides HTTP endpoints for immunity.
type Server struct {
	echo      *echo.Echo
	processor Processor
	vectors   Vectors
	doctrines Doctrines
	gatherer  prometheus.Gatherer
	metrics   *HTTPMetrics
	version   string
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// BodyLimit caps request bodies (echo size syntax, default "2M").
	BodyLimit string
}

// Option configures a Server.
type Option func(*Server)

// WithDoctrines serves per-project doctrine and enables the reload endpoint.
func WithDoctrines(d Doctrines) Option {
	return func(s *Server) { s.doctrines = d }
}

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHTTPMetrics records OTEL request metrics.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion is reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(processor Processor, vectors Vectors, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vectors cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "2M"
	}

	s := &Server{
		processor: processor,
		vectors:   vectors,
		gatherer:  prometheus.DefaultGatherer,
		logger:    logger,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			duration := time.Since(start)

			logging.For(ctx, logger).Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)

			return err
		}
	})
	s.echo = e

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/scan", s.handleScan)
	v1.POST("/precommit", s.handlePreCommit)
	v1.GET("/vectors", s.handleVectors)
	v1.POST("/doctrine/reload", s.handleReload)
}

// Mount serves h for every method under prefix (e.g. the MCP transport).
func (s *Server) Mount(prefix string, h http.Handler) {
	wrapped := echo.WrapHandler(h)
	s.echo.Any(prefix, wrapped)
	s.echo.Any(prefix+"/*", wrapped)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) doctrine(scope string) *immunity.DoctrineConfig {
	if s.doctrines == nil {
		d := immunity.DefaultDoctrine()
		d.Scope = scope
		return d
	}
	return s.doctrines.For(scope)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Vectors: s.vectors.Snapshot().Len(),
	})
}

// handleScan runs one step through the pipeline. A failing verdict is still
// a 200; only rejected input is an error.
func (s *Server) handleScan(c echo.Context) error {
	var req ScanRequest
	if err := c.Bind(&req); err != nil || req.Step == nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeBadRequest})
	}

	res, err := s.processor.Process(c.Request().Context(), req.Step, s.doctrine(req.Scope))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePreCommit(c echo.Context) error {
	var req PreCommitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: CodeBadRequest})
	}

	decision, err := s.processor.PreCommit(c.Request().Context(), req.Steps, s.doctrine(req.Scope))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, decision)
}

func (s *Server) handleVectors(c echo.Context) error {
	scope := c.QueryParam("scope")
	d := s.doctrine(scope)
	snap := s.vectors.Snapshot()
	weights := snap.Weights(d)

	resp := VectorsResponse{Scope: scope, Threshold: d.Threshold(), Vectors: []VectorStatus{}}
	for _, desc := range snap.Descriptors() {
		w, enabled := weights[desc.ID]
		if !enabled {
			// Cannot fail: desc comes from the snapshot.
			w, _ = snap.EffectiveWeight(desc.ID, d)
		}
		resp.Vectors = append(resp.Vectors, VectorStatus{Descriptor: desc, Enabled: enabled, Weight: w})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReload(c echo.Context) error {
	if s.doctrines == nil {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: doctrine.ErrNoPath.Error(), Code: CodeNoDoctrine})
	}
	if err := s.doctrines.Reload(c.Request().Context()); err != nil {
		if errors.Is(err, doctrine.ErrNoPath) {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: CodeNoDoctrine})
		}
		logging.For(c.Request().Context(), s.logger).Warn("doctrine reload rejected", zap.Error(err))
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: CodeReload})
	}
	return c.JSON(http.StatusOK, ReloadResponse{Status: "reloaded", LoadedAt: s.doctrines.LoadedAt()})
}

func (s *Server) errorResponse(c echo.Context, err error) error {
	switch {
	case immunity.IsValidation(err):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeValidation})
	case errors.Is(err, immunity.ErrCoordinatorClosed):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeUnavailable})
	case immunity.IsRegistry(err):
		logging.For(c.Request().Context(), s.logger).Error("registry error", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeRegistry})
	default:
		logging.For(c.Request().Context(), s.logger).Error("request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInternal})
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
