// Package http provides HTTP server implementation and request handlers.
package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	gatewayHTTP "github.com/allisson/relay/internal/gateway/http"
)

// Server represents the HTTP server for the command submission API.
type Server struct {
	server *http.Server
	router *gin.Engine
	db     *sql.DB
	logger *slog.Logger
}

// NewServer creates a new HTTP server with routes registered.
func NewServer(
	db *sql.DB,
	host string,
	port int,
	commandHandler *gatewayHTTP.CommandHandler,
	corsEnabled bool,
	corsAllowOrigins string,
	logger *slog.Logger,
) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(CustomLoggerMiddleware(logger))

	if corsMiddleware := createCORSMiddleware(corsEnabled, corsAllowOrigins, logger); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}

	server := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router: router,
		db:     db,
		logger: logger,
	}

	router.GET("/healthz", server.healthHandler)
	router.GET("/ready", server.readinessHandler)

	if commandHandler != nil {
		v1 := router.Group("/v1")
		v1.POST("/commands", commandHandler.SubmitHandler)
	}

	return server
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// healthHandler reports process liveness.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// readinessHandler reports whether the server can take traffic: the database
// must be reachable because every accepted command needs a durable write.
func (s *Server) readinessHandler(c *gin.Context) {
	components := gin.H{"database": "ok"}
	status := http.StatusOK

	if s.db == nil {
		components["database"] = "error"
		status = http.StatusServiceUnavailable
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := s.db.PingContext(ctx); err != nil {
			components["database"] = "error"
			status = http.StatusServiceUnavailable
		}
	}

	body := gin.H{"status": "ready", "components": components}
	if status != http.StatusOK {
		body["status"] = "not_ready"
	}

	c.JSON(status, body)
}
