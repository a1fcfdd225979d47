// Package server is the HTTP surface: health, Prometheus metrics, a
// read-only view of positions and the audit log, and a websocket stream of
// lifecycle events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
	"github.com/alanyoungcy/divergebot/internal/metrics"
	"github.com/alanyoungcy/divergebot/internal/server/handler"
	"github.com/alanyoungcy/divergebot/internal/server/middleware"
	"github.com/alanyoungcy/divergebot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port int
	// APIKey guards everything but health and metrics. Empty disables auth.
	APIKey string
	// Limiter, when set, throttles each client to RateLimit requests per
	// RateWindow.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers. Nil handlers are not mounted.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Audit      *handler.AuditHandler
	Strategies *handler.StrategyHandler
	Hub        *ws.Hub
}

// Server wraps the http.Server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and the middleware chain.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metrics.Handler())
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListOpen)
		mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.Get)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}
	if handlers.Strategies != nil {
		mux.HandleFunc("GET /api/strategies", handlers.Strategies.List)
		mux.HandleFunc("GET /api/instruments", handlers.Strategies.Instruments)
	}
	if handlers.Hub != nil {
		mux.HandleFunc("GET /ws", handlers.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}
