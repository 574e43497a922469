// Package server wires the migration engine into a gin HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/BrowserMover/internal/api/http"
	"github.com/GriffinCanCode/BrowserMover/internal/api/middleware"
	"github.com/GriffinCanCode/BrowserMover/internal/api/ws"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/monitoring"
)

const shutdownTimeout = 10 * time.Second

// Server wraps the HTTP server and its dependencies
type Server struct {
	stack  *Stack
	router *gin.Engine
	hub    *ws.Hub
	http   *http.Server
	logger *zap.Logger
}

// NewServer creates a server for a built stack
func NewServer(stack *Stack) *Server {
	cfg := stack.Config
	logger := stack.Logger.Logger
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := ws.NewHub(stack.Metrics, logger)
	handlers := apihttp.NewHandlers(apihttp.Deps{
		Engine:          stack.Engine,
		Classifier:      stack.Classifier,
		Locator:         stack.Locator,
		Resolver:        stack.Resolver,
		Catalog:         stack.Catalog,
		Events:          hub,
		Metrics:         stack.Metrics,
		Jobs:            apihttp.NewJobs(0),
		LogPath:         stack.LogPath(),
		BackupByDefault: cfg.Migration.BackupByDefault,
		Logger:          logger,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(monitoring.Middleware(stack.Metrics))
	router.Use(middleware.CORS(middleware.CORSConfigFor(cfg.Server.AllowOrigins)))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	router.GET("/health", handlers.Health)
	router.GET("/apps/:id", handlers.GetApp)

	router.POST("/migrations", handlers.StartMigration)
	router.GET("/migrations", handlers.ListMigrations)
	router.GET("/migrations/:id", handlers.GetMigration)

	router.GET("/backups", handlers.ListBackups)
	router.POST("/backups/rollback", handlers.StartRollback)
	router.GET("/rollbacks/:id", handlers.GetRollback)

	router.GET("/logs", handlers.GetLogs)
	router.GET("/stream", hub.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(stack.Registry, promhttp.HandlerOpts{})))
	router.GET("/metrics/json", handlers.MetricsJSON)

	return &Server{
		stack:  stack,
		router: router,
		hub:    hub,
		logger: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.stack.Config.Server.Host, s.stack.Config.Server.Port)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down server")
	if s.stack.Engine.Busy() {
		s.logger.Warn("A migration or rollback is still running; it will be interrupted")
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// Close releases the stack
func (s *Server) Close() error {
	return s.stack.Close()
}
