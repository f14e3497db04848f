// Package http provides the HTTP adapter for the workflow engine. It is a
// thin translation layer: route and body parsing on the way in, error-to-status
// mapping on the way out.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quillhr/approvalflow/internal/application/service"
	"github.com/quillhr/approvalflow/internal/domain/workflow"
	"github.com/quillhr/approvalflow/internal/export"
)

// Logger interface for logging operations
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	engine     service.WorkflowEngine
	exporter   *export.QueueExporter
	logger     Logger
}

// NewServer creates a new HTTP server wired to the workflow engine
func NewServer(
	config ServerConfig,
	engine service.WorkflowEngine,
	exporter *export.QueueExporter,
	logger Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		config:   config,
		router:   gin.New(),
		engine:   engine,
		exporter: exporter,
		logger:   logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("HTTP request",
			"method", method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"client_ip", c.ClientIP(),
		)
	}
}

// setupRoutes configures all HTTP routes. Every workflow route is scoped by
// the domain segment, so a leave request is invisible under the
// reimbursement routes.
func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.engine, s.exporter, s.logger)

	s.router.GET("/health", handlers.HealthCheck)

	api := s.router.Group("/api/:domain")
	{
		api.POST("/apply", handlers.Submit)
		api.GET("/mine", handlers.ListMine)
		api.PATCH("/bulk/update", handlers.BulkTransition)
		api.GET("/pending/:stage", handlers.ListPending)
		api.GET("/pending/:stage/export", handlers.ExportPending)

		api.GET("/:id", handlers.Get)
		api.GET("/:id/history", handlers.History)
		api.PATCH("/:id", handlers.Edit)
		api.DELETE("/:id", handlers.Delete)
		api.PUT("/:id/manager-approve", handlers.Approve(workflow.StageManager))
		api.PUT("/:id/hr-approve", handlers.Approve(workflow.StageHR))
		api.PUT("/:id/admin-approve", handlers.Approve(workflow.StageAdmin))
		api.PUT("/:id/reject", handlers.Reject)
		api.PUT("/:id/cancel", handlers.Cancel)
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
