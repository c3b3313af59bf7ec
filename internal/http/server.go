// Package http exposes retrieval and partition administration over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/access"
	"github.com/fyrsmithlabs/knowledged/internal/indexer"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/query"
)

// Server provides the HTTP API.
type Server struct {
	echo     *echo.Echo
	engine   *query.Engine
	builder  *indexer.Builder
	resolver *access.Resolver
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// DefaultK is used when a query omits k.
	DefaultK int
	Version  string
	// Provider names the embedding provider for /health.
	Provider string
}

// NewServer creates a Server.
func NewServer(engine *query.Engine, builder *indexer.Builder, resolver *access.Resolver, logger *logging.Logger, cfg *Config) (*Server, error) {
	if engine == nil || builder == nil || resolver == nil {
		return nil, errors.New("engine, builder and resolver are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8080}
	}
	if cfg.DefaultK < 1 {
		cfg.DefaultK = 4
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		engine:   engine,
		builder:  builder,
		resolver: resolver,
		logger:   logger.Named("http"),
		config:   cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.identity)
	e.Use(s.accessLog)
	e.Use(NewHTTPMetrics(s.logger.Underlying()).MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/query", s.handleQuery)
	v1.GET("/partitions", s.handlePartitions)

	v1.POST("/partitions/rescan", s.handleRescan, s.requireAdmin)
	v1.POST("/partitions/:name/rebuild", s.handleRebuild, s.requireAdmin)
	v1.DELETE("/partitions/:name", s.handleDelete, s.requireAdmin)
	v1.POST("/rebuild", s.handleRebuildAll, s.requireAdmin)
}

// identity copies the caller and request id into the request context.
func (s *Server) identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
		if user := c.Request().Header.Get(HeaderUserID); user != "" {
			ctx = logging.WithUser(ctx, user)
		}
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := c.Request().Header.Get(HeaderUserID)
		if _, err := s.resolver.RequireAdmin(c.Request().Context(), user); err != nil {
			return toHTTPError(err)
		}
		return next(c)
	}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
