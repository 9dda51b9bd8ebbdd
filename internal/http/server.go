// Package http provides the REST API and mounts the websocket endpoint.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/metrics"
	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/search"
)

// Messenger sends messages and reads history.
type Messenger interface {
	Send(ctx context.Context, origin, senderID, receiverID, text string) (model.Message, error)
	History(ctx context.Context, userID string, limit int) ([]model.Message, error)
}

// Searcher runs semantic search scoped to one user.
type Searcher interface {
	Search(ctx context.Context, userID, query string, topK int) ([]search.Result, error)
}

// UserLister lists registered users.
type UserLister interface {
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the server's collaborators. Websocket, Metrics and Meter are
// optional.
type Deps struct {
	Messages  Messenger
	Search    Searcher
	Users     UserLister
	Store     Pinger
	Websocket http.Handler
	Metrics   *metrics.Metrics
	Meter     metric.Meter
}

// Config holds HTTP server configuration.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	HistoryLimit   int
	HistoryMax     int
}

// Server provides the parley HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	return r.v.Struct(i)
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Messages == nil || deps.Search == nil || deps.Users == nil || deps.Store == nil {
		return nil, fmt.Errorf("messages, search, users and store are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "0.0.0.0", Port: 5000}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.HistoryMax < cfg.HistoryLimit {
		cfg.HistoryMax = 1000
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}
	e.HTTPErrorHandler = errorHandler(logger)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", requestID),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(deps.Metrics, deps.Meter, logger).MetricsMiddleware())

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
	if s.deps.Websocket != nil {
		s.echo.GET("/ws", echo.WrapHandler(s.deps.Websocket))
	}

	api := s.echo.Group("/api")
	api.POST("/messages", s.handleSendMessage)
	api.GET("/messages", s.handleHistory)
	api.GET("/semantic-search", s.handleSearch)
	api.GET("/users", s.handleUsers)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
