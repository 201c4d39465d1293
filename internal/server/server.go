// Package server is the REST and WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/xarb/internal/domain"
	"github.com/alanyoungcy/xarb/internal/server/handler"
	"github.com/alanyoungcy/xarb/internal/server/middleware"
	"github.com/alanyoungcy/xarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Prices    *handler.PriceHandler
	Pairs     *handler.PairHandler
	Arb       *handler.ArbHandler
	TWAP      *handler.TWAPHandler
	Engine    *handler.EngineHandler
	Exchanges *handler.ExchangeHandler
	Telemetry *handler.TelemetryHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in recover, logging, CORS,
// auth and, when limiter is non-nil, rate limiting.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           NewHandler(cfg, handlers, hub, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed, wrapped handler without a listener.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /prices/{exchange}/{symbol}", handlers.Prices.GetPrice)
	mux.HandleFunc("POST /prices/batch", handlers.Prices.BatchPrices)

	mux.HandleFunc("GET /monitoring/pairs", handlers.Pairs.ListPairs)
	mux.HandleFunc("POST /monitoring/pairs", handlers.Pairs.CreatePair)
	mux.HandleFunc("GET /monitoring/pairs/{id}", handlers.Pairs.GetPair)
	mux.HandleFunc("PUT /monitoring/pairs/{id}", handlers.Pairs.UpdatePair)
	mux.HandleFunc("DELETE /monitoring/pairs/{id}", handlers.Pairs.DeletePair)
	mux.HandleFunc("POST /monitoring/pairs/{id}/enable", handlers.Pairs.EnablePair)

	mux.HandleFunc("POST /arbitrage/execute/{pairId}", handlers.Arb.Execute)
	mux.HandleFunc("GET /arbitrage/trades", handlers.Arb.ListTrades)
	mux.HandleFunc("GET /arbitrage/trades/{id}", handlers.Arb.GetTrade)
	mux.HandleFunc("GET /arbitrage/profit", handlers.Arb.Profit)

	mux.HandleFunc("POST /twap/plans", handlers.TWAP.CreatePlan)
	mux.HandleFunc("GET /twap/plans", handlers.TWAP.ListPlans)
	mux.HandleFunc("GET /twap/{id}/status", handlers.TWAP.Status)
	mux.HandleFunc("GET /twap/{id}/executions", handlers.TWAP.Executions)
	mux.HandleFunc("POST /twap/{id}/control", handlers.TWAP.Control)

	mux.HandleFunc("GET /engine/status", handlers.Engine.Status)
	mux.HandleFunc("POST /engine/start", handlers.Engine.Start)
	mux.HandleFunc("POST /engine/stop", handlers.Engine.Stop)

	mux.HandleFunc("GET /exchanges", handlers.Exchanges.List)
	mux.HandleFunc("POST /exchanges/{name}/reset", handlers.Exchanges.Reset)

	mux.HandleFunc("GET /telemetry", handlers.Telemetry.Telemetry)
	mux.HandleFunc("GET /alerts", handlers.Telemetry.Alerts)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Recover(logger)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
