// Package server exposes the marketplace over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/server/handler"
	"github.com/alanyoungcy/surplusmarket/internal/server/middleware"
	"github.com/alanyoungcy/surplusmarket/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards mutating endpoints and the audit log. Empty leaves
	// writes open and the audit log closed.
	APIKey string
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers groups the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health   *handler.HealthHandler
	Listings *handler.ListingHandler
	Checkout *handler.CheckoutHandler
	Audit    *handler.AuditHandler
	Metrics  http.Handler
	Hub      *ws.Hub
}

// Extras are optional cross-cutting collaborators.
type Extras struct {
	Limiter domain.RateLimiter
	Observe middleware.ObserveFunc
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and builds the middleware chain.
func NewServer(cfg Config, h Handlers, x Extras, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           Routes(cfg, h, x, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes returns the fully wrapped handler.
func Routes(cfg Config, h Handlers, x Extras, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Listings != nil {
		mux.HandleFunc("GET /api/listings", h.Listings.ListListings)
		mux.HandleFunc("POST /api/listings", h.Listings.Publish)
		mux.HandleFunc("GET /api/listings/{id}", h.Listings.GetListing)
		mux.HandleFunc("DELETE /api/listings/{id}", h.Listings.Delist)
		mux.HandleFunc("GET /api/listings/{id}/history", h.Listings.GetHistory)
		mux.HandleFunc("GET /api/popular", h.Listings.Popular)
		mux.HandleFunc("GET /api/purchases", h.Listings.Purchases)
	}
	if h.Checkout != nil {
		mux.HandleFunc("POST /api/checkout", h.Checkout.Checkout)
		mux.HandleFunc("GET /api/transactions", h.Checkout.Transactions)
		mux.HandleFunc("GET /api/transactions/stream", h.Checkout.Stream)
		mux.HandleFunc("GET /api/revenue", h.Checkout.Revenue)
	}
	if h.Audit != nil {
		mux.Handle("GET /api/audit", middleware.RequireAPIKey(cfg.APIKey)(http.HandlerFunc(h.Audit.List)))
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey)(out)
	out = middleware.RateLimit(x.Limiter, cfg.RateLimit, window, logger)(out)
	out = middleware.Logging(logger, x.Observe)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
