// Package server is the operator HTTP API over positions, trade history,
// gateway breaker state and per-user rate limits.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/swapbot/internal/server/handler"
	"github.com/alanyoungcy/swapbot/internal/server/middleware"
)

const healthPath = "/api/health"

// Config holds the HTTP server configuration.
type Config struct {
	Addr   string
	APIKey string // empty disables authentication
}

// Handlers aggregates the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Trades    *handler.TradeHandler
	Gateway   *handler.GatewayHandler
	RateLimit *handler.RateLimitHandler
	Events    *handler.EventHandler
}

// Server is the operator HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and wraps them in auth and logging
// middleware. The health route is always public.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      Routes(cfg, h, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes registers every configured handler on a new ServeMux and wraps it,
// innermost first, in API-key auth and request logging, so requests rejected
// by auth are logged as well. The health route is exempt from auth.
func Routes(cfg Config, h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	if h.Health != nil {
		mux.HandleFunc("GET "+healthPath, h.Health.HealthCheck)
	}
	if h.Positions != nil {
		mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	}
	if h.Trades != nil {
		mux.HandleFunc("GET /api/trades", h.Trades.ListTrades)
	}
	if h.Gateway != nil {
		mux.HandleFunc("GET /api/gateway", h.Gateway.Status)
	}
	if h.RateLimit != nil {
		mux.HandleFunc("GET /api/ratelimit/{user}", h.RateLimit.Status)
	}
	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.RecentEvents)
		mux.HandleFunc("GET /api/audit", h.Events.ListAudit)
	}

	var wrapped http.Handler = mux
	wrapped = middleware.Auth(cfg.APIKey, healthPath)(wrapped)
	wrapped = middleware.Logging(logger)(wrapped)
	return wrapped
}

// Run starts listening and blocks until ctx is cancelled or the listener
// fails. On cancellation it stops accepting connections and gives in-flight
// requests up to ten seconds to finish before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "server: starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
