// Package api provides the HTTP API: detection controls, dashboard data
// reads, scheduler controls, and the SSE progress stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Moyucharm/model-check/pkg/config"
	"github.com/Moyucharm/model-check/pkg/detection"
	"github.com/Moyucharm/model-check/pkg/events"
	"github.com/Moyucharm/model-check/pkg/repository"
	"github.com/Moyucharm/model-check/pkg/scheduler"
	"github.com/Moyucharm/model-check/pkg/version"
)

// HealthChecker reports backing-store health for the healthz endpoint.
// nil means no database is configured (memory mode).
type HealthChecker func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config

	repo       repository.Repository
	detService *detection.Service
	schedule   *scheduler.Service
	bus        *events.Bus
	dbHealth   HealthChecker
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	repo repository.Repository,
	detService *detection.Service,
	schedule *scheduler.Service,
	bus *events.Bus,
	dbHealth HealthChecker,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:     engine,
		cfg:        cfg,
		repo:       repo,
		detService: detService,
		schedule:   schedule,
		bus:        bus,
		dbHealth:   dbHealth,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/detect", s.handleTriggerFull)
		v1.POST("/detect/channel/:id", s.handleTriggerChannel)
		v1.POST("/detect/model/:id", s.handleTriggerModel)
		v1.POST("/detect/selective", s.handleTriggerSelective)
		v1.POST("/detect/stop", s.handleStop)
		v1.GET("/detect/progress", s.handleProgress)
		v1.GET("/detect/stream", s.handleStream)

		v1.GET("/channels", s.handleListChannels)
		v1.GET("/channels/:id/models", s.handleChannelModels)
		v1.GET("/models/:id/endpoints", s.handleModelEndpoints)
		v1.GET("/models/:id/logs", s.handleModelLogs)

		v1.POST("/scheduler/start", s.handleSchedulerStart)
		v1.POST("/scheduler/stop", s.handleSchedulerStop)
		v1.GET("/scheduler/status", s.handleSchedulerStatus)
		v1.POST("/scheduler/cleanup", s.handleCleanupNow)
		v1.GET("/scheduler/config", s.handleGetSchedulerConfig)
		v1.PUT("/scheduler/config", s.handlePutSchedulerConfig)
	}
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.engine,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger logs each request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		slog.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status())
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.dbHealth != nil {
		if err := s.dbHealth(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}
