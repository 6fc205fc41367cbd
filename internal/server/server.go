// Package server exposes the task API over HTTP: REST for task lifecycle,
// SSE and WebSocket for live event streams.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aluengo/zagal/internal/orchestrator"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Version      string
	Commit       string
}

// Server is the HTTP status API over the orchestrator.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	addr         string
	version      string
	commit       string
	httpServer   *http.Server
}

// New creates a new API server.
func New(cfg Config) *Server {
	s := &Server{
		orchestrator: cfg.Orchestrator,
		addr:         cfg.Addr,
		version:      cfg.Version,
		commit:       cfg.Commit,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/tasks", s.apiSubmitTask)
	api.GET("/tasks", s.apiListTasks)
	api.GET("/tasks/:id", s.apiGetTask)
	api.GET("/tasks/:id/result", s.apiTaskResult)
	api.GET("/tasks/:id/events", s.apiTaskEvents)
	api.GET("/tasks/:id/stream", s.apiStreamEvents)
	api.POST("/tasks/:id/cancel", s.apiCancelTask)
	api.POST("/tasks/:id/wait", s.apiWaitTask)
	api.DELETE("/tasks/:id", s.apiDeleteTask)

	r.GET("/ws/tasks/:id", s.wsTaskEvents)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE and WebSocket connections are long-lived.
		WriteTimeout: 0,
	}

	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("API server starting on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.orchestrator.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": s.version,
		"commit":  s.commit,
		"stats":   stats,
	})
}
