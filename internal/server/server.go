// Package server exposes the operator HTTP API, the metrics endpoint and the
// processed-result WebSocket stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/server/handler"
	"github.com/alanyoungcy/marketrules/internal/server/middleware"
	"github.com/alanyoungcy/marketrules/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter limits requests per client IP; nil disables limiting.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Snapshots and Metrics are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Configs   *handler.ConfigHandler
	Cache     *handler.CacheHandler
	Process   *handler.ProcessHandler
	Snapshots *handler.SnapshotHandler
	Metrics   http.Handler
}

// publicPaths are served without an API key.
var publicPaths = []string{"/api/health", "/metrics"}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, rate limiting, auth) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Sport configurations.
	mux.HandleFunc("GET /api/configs", handlers.Configs.List)
	mux.HandleFunc("POST /api/configs", handlers.Configs.Create)
	mux.HandleFunc("POST /api/configs/validate", handlers.Configs.Validate)
	mux.HandleFunc("POST /api/configs/refresh", handlers.Configs.RefreshAll)
	mux.HandleFunc("GET /api/configs/{id}", handlers.Configs.Get)
	mux.HandleFunc("PUT /api/configs/{id}", handlers.Configs.Update)
	mux.HandleFunc("DELETE /api/configs/{id}", handlers.Configs.Delete)
	mux.HandleFunc("POST /api/configs/{sport}/refresh", handlers.Configs.Refresh)

	// Compiled-configuration cache.
	mux.HandleFunc("GET /api/cache", handlers.Cache.Stats)
	mux.HandleFunc("DELETE /api/cache", handlers.Cache.InvalidateAll)
	mux.HandleFunc("DELETE /api/cache/{sport}", handlers.Cache.Invalidate)
	mux.HandleFunc("POST /api/cache/sweep", handlers.Cache.Sweep)

	// Batch processing.
	mux.HandleFunc("POST /api/process/{sport}", handlers.Process.Process)

	if handlers.Snapshots != nil {
		mux.HandleFunc("GET /api/snapshots", handlers.Snapshots.List)
		mux.HandleFunc("POST /api/snapshots", handlers.Snapshots.Export)
		mux.HandleFunc("POST /api/snapshots/restore", handlers.Snapshots.Restore)
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain; the last one applied runs first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
