// Package http serves the pattern engine over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	BodyLimit string // echo size string; empty disables the limit

	// HistoryWindowDays is the context window used when a request names none.
	HistoryWindowDays int

	// RateLimitRPS is the per-client request rate on /api/v1. 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int
}

// OutcomeRecorder folds outcome events into aggregates.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, event *patterns.OutcomeEvent) error
}

// InsightSource produces a user's insights.
type InsightSource interface {
	Synthesize(ctx context.Context, userID string) ([]patterns.Insight, error)
}

// ContextAssembler builds a user's learning context.
type ContextAssembler interface {
	Assemble(ctx context.Context, userID string, opts patterns.AssembleOptions) (*patterns.LearningContext, error)
}

// Services are the engine components behind the API.
type Services struct {
	Recorder  OutcomeRecorder
	Store     patterns.Store
	Insights  InsightSource
	Assembler ContextAssembler

	// Invalidator, if set, drops cached insights after an avoidance change.
	Invalidator patterns.InsightInvalidator

	// HealthCheck, if set, is consulted by /health (e.g. a database ping).
	HealthCheck func(ctx context.Context) error
}

// Server provides HTTP endpoints for patternd.
type Server struct {
	echo     *echo.Echo
	services Services
	logger   *zap.Logger
	config   *Config
	limiter  *clientLimiter
}

// NewServer creates a new HTTP server.
func NewServer(services Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if services.Recorder == nil || services.Store == nil || services.Insights == nil || services.Assembler == nil {
		return nil, errors.New("recorder, store, insights and assembler are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		services: services,
		logger:   logger,
		config:   cfg,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(s.requestLog)
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.limiter != nil {
		v1.Use(s.limiter.middleware(s.logger))
	}
	v1.POST("/outcomes", s.handleRecordOutcome)
	v1.GET("/users/:user/patterns", s.handleListPatterns)
	v1.GET("/users/:user/insights", s.handleInsights)
	v1.POST("/users/:user/context", s.handleAssemble)
	v1.PUT("/users/:user/patterns/:type/:key/avoid", s.handleSetAvoid)
}

// requestContext tags the request context with the request and user IDs
// so downstream logs correlate.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Commit the error response so the logged status is final.
			c.Error(err)
		}

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request.id", c.Response().Header().Get(echo.HeaderXRequestID)),
		}
		if user := c.Param("user"); user != "" {
			fields = append(fields, zap.String("user.id", user))
		}
		if c.Response().Status >= http.StatusInternalServerError {
			s.logger.Warn("http request", fields...)
		} else {
			s.logger.Info("http request", fields...)
		}
		return nil
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr()))
	return s.echo.Start(s.Addr())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
