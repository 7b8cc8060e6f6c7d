// Package server is the HTTP and websocket API of signalbot.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/server/middleware"
	"github.com/alanyoungcy/signalbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards the mutating routes. Empty disables authentication.
	APIKey string
	// MetricsPath is where Metrics is mounted. Defaults to /metrics.
	MetricsPath string
	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health   *handler.HealthHandler
	Signals  *handler.SignalHandler
	Tracker  *handler.TrackerHandler
	Summary  *handler.SummaryHandler
	Exchange *handler.ExchangeHandler
	Metrics  http.Handler
}

// Server is the headless HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route on a ServeMux and wraps it with the
// logging, CORS and rate-limit middleware. Mutating routes additionally
// require the API key.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := Routes(cfg, handlers, hub)

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the route table without the outer middleware.
func Routes(cfg Config, handlers Handlers, hub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	protect := func(fn http.HandlerFunc) http.Handler { return middleware.Protect(cfg.APIKey, fn) }

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	if s := handlers.Signals; s != nil {
		mux.HandleFunc("GET /api/signals", s.ListSignals)
		mux.HandleFunc("GET /api/signals/open", s.ListOpen)
		mux.HandleFunc("GET /api/signals/{id}", s.GetSignal)
		mux.HandleFunc("GET /api/signals/{id}/updates", s.ListUpdates)
		mux.HandleFunc("GET /api/signals/{id}/users", s.ListUsers)
		mux.Handle("POST /api/signals/{id}/users/{userID}", protect(s.RecordDelivery))
	}

	if t := handlers.Tracker; t != nil {
		mux.HandleFunc("GET /api/tracker/status", t.Status)
		mux.Handle("POST /api/signals/test", protect(t.OpenTest))
		mux.Handle("POST /api/signals/{id}/close", protect(t.Close))
	}

	if handlers.Summary != nil {
		mux.HandleFunc("GET /api/daily_summary/{date}", handlers.Summary.Daily)
	}

	if e := handlers.Exchange; e != nil {
		mux.Handle("GET /api/exchange/wallet", protect(e.Wallet))
		mux.Handle("GET /api/exchange/account", protect(e.Account))
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	if handlers.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, handlers.Metrics)
	}
	return mux
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
