// Package api serves the REST control surface and the WebSocket stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pumpwatch/pumpwatch/internal/controller"
)

// SessionController is the controller surface the API drives.
type SessionController interface {
	Start(ctx context.Context, req controller.StartRequest) (string, error)
	Stop(ctx context.Context) error
	Status() controller.Status
}

// Pinger reports store health.
type Pinger interface {
	Health(ctx context.Context) error
}

// Config contains server configuration.
type Config struct {
	Addr          string
	EnableMetrics bool
}

// Server is the HTTP server: session control, health, metrics, and the
// WebSocket hub.
type Server struct {
	router     *gin.Engine
	controller SessionController
	store      Pinger
	hub        *Hub
	log        zerolog.Logger
	addr       string
	metrics    bool
	server     *http.Server
}

// NewServer wires the router. hub may be shared with the bridge.
func NewServer(cfg Config, ctrl SessionController, store Pinger, hub *Hub, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:     router,
		controller: ctrl,
		store:      store,
		hub:        hub,
		log:        logger.With().Str("component", "api").Logger(),
		addr:       cfg.Addr,
		metrics:    cfg.EnableMetrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	sessions := s.router.Group("/sessions")
	{
		sessions.POST("/start", s.handleStartSession)
		sessions.POST("/stop", s.handleStopSession)
		sessions.GET("/execution-status", s.handleExecutionStatus)
	}

	s.router.GET("/health", s.handleHealth)
	if s.metrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	if s.hub != nil {
		s.router.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}
}

// Start runs the HTTP server until Stop.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop api server: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req controller.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.controller.Start(c.Request.Context(), req)
	switch {
	case errors.Is(err, controller.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "SessionExists"})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"session_id": id})
	}
}

type stopRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleStopSession(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	status := s.controller.Status()
	if req.SessionID != "" && req.SessionID != status.SessionID {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("session %s is not active", req.SessionID)})
		return
	}

	err := s.controller.Stop(c.Request.Context())
	switch {
	case errors.Is(err, controller.ErrNoSession):
		c.JSON(http.StatusConflict, gin.H{"error": "no active session"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": string(s.controller.Status().State)})
	}
}

func (s *Server) handleExecutionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"state":     s.controller.Status().State,
		"timestamp": time.Now().UTC(),
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Health(ctx); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, health)
			return
		}
		health["database"] = "ok"
	}
	c.JSON(http.StatusOK, health)
}
