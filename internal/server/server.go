// Package server provides the HTTP API for entityd.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/dispatch"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
	"github.com/fyrsmithlabs/entityd/internal/identity"
	"github.com/fyrsmithlabs/entityd/internal/query"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"github.com/fyrsmithlabs/entityd/internal/transform"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Response headers set by the API.
const (
	HeaderWorkspace  = "X-Workspace"
	HeaderSchema     = "X-Schema"
	HeaderCached     = "X-Cached"
	HeaderTotalCount = "X-Total-Count"
	HeaderExpression = "X-Expression"
	HeaderWebhook    = "X-Webhook"
	HeaderUserID     = "X-User-Id"
	HeaderUserEmail  = "X-User-Email"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// WorkspaceOverride pins every request to one workspace instead of
	// deriving it from the Host header.
	WorkspaceOverride string
}

// Deps bundles the services the handlers run on.
type Deps struct {
	Registry  *schema.Registry
	Entities  *entitycache.Service
	Gateway   *store.Gateway
	Query     *query.Service
	Transform *transform.Service
	Dispatch  *dispatch.Dispatcher
	Identity  identity.Provider
}

// Server provides the HTTP endpoints for entityd.
type Server struct {
	echo    *echo.Echo
	logger  *zap.Logger
	config  *Config
	deps    Deps
	metrics *metrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		logger:  logger,
		config:  cfg,
		deps:    deps,
		metrics: newMetrics(logger),
	}

	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			s.metrics.record(c.Request().Method, c.Path(), c.Response().Status, duration)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints. Collection names used by the
// management surface (schemas, expressions, webhooks, actions, roles) are
// reserved: an object id equal to one of them is shadowed by the static
// route.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.workspaceMiddleware, s.actorMiddleware)

	v1.GET("/users", s.handleListUsers)
	v1.POST("/users", s.handleCreateUser)
	v1.GET("/users/:email", s.handleGetUser)
	v1.PUT("/users/:email", s.handleUpdateUser)

	v1.POST("/cache/flush", s.handleCacheFlush)

	entity := v1.Group("/:entity", s.entityMiddleware)

	entity.POST("/refresh", s.handleEntityRefresh)

	s.registerManagementRoutes(v1, entity)

	entity.GET("", s.handleList)
	entity.POST("", s.handleCreate)
	entity.GET("/:id", s.handleGet)
	entity.PUT("/:id", s.handleUpdate)
	entity.DELETE("/:id", s.handleDelete)

	entity.GET("/:id/:sub", s.handleList)
	entity.POST("/:id/:sub", s.handleCreate)
	entity.GET("/:id/:sub/:subId", s.handleGet)
	entity.PUT("/:id/:sub/:subId", s.handleUpdate)
	entity.DELETE("/:id/:sub/:subId", s.handleDelete)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
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

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
