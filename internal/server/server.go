// Package server exposes the read API, the manual scan trigger and the
// websocket feed over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/server/handler"
	"github.com/alanyoungcy/slabscan/internal/server/middleware"
	"github.com/alanyoungcy/slabscan/internal/server/ws"
)

const healthPath = "/api/health"

// Config holds the HTTP server settings.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // empty disables auth
	RateLimitPerMin int    // zero disables per-IP limiting
	ShutdownTimeout time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health        *handler.HealthHandler
	Opportunities *handler.OpportunityHandler
	Scans         *handler.ScanHandler
	Status        *handler.StatusHandler
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer      *http.Server
	handler         http.Handler
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer registers every route and builds the middleware chain. hub
// and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)

	mux.HandleFunc("GET /api/opportunities", h.Opportunities.ListOpportunities)
	mux.HandleFunc("GET /api/opportunities/{id}", h.Opportunities.GetOpportunity)

	mux.HandleFunc("GET /api/scans/recent", h.Scans.ListRecent)
	mux.HandleFunc("GET /api/scans/{id}", h.Scans.GetScan)
	mux.HandleFunc("POST /api/scans/trigger", h.Scans.TriggerScan)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute, logger)(chain)
	chain = middleware.Auth(cfg.APIKey, healthPath)(chain)
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler:         chain,
		shutdownTimeout: shutdown,
		logger:          logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
