package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Server is the HTTP API server with WebSocket support.
type Server struct {
	router      *chi.Mux
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	log         zerolog.Logger
}

// NewServer builds the router. Nothing listens until Start is called.
func NewServer(cfg RouterConfig) *Server {
	if cfg.RateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		cfg.RateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	return &Server{
		router:      NewRouter(cfg),
		rateLimiter: cfg.RateLimiter,
		log:         cfg.Logger,
	}
}

// Start listens on addr and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("🌐 API server starting")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// RateLimiter exposes the limiter so the owner can schedule Cleanup.
func (s *Server) RateLimiter() *IPRateLimiter {
	return s.rateLimiter
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websockets are not tracked here; the registry closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
