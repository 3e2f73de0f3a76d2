package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"paddle-arena/internal/game"
	"paddle-arena/internal/matchmaking"
	"paddle-arena/internal/session"
	"paddle-arena/internal/store"
	"paddle-arena/internal/telemetry"
)

// Matches is the registry surface the API drives.
type Matches interface {
	CreateSession(kind game.Kind, participants []session.Participant, opts session.CreateOptions) (int64, error)
	Config(id int64) (game.Conf, error)
	Connect(id int64, conn session.Conn) bool
	Dispatch(id int64, conn session.Conn, raw []byte)
	Closed(id int64, conn session.Conn)
	Stats() session.Stats
	Len() int
}

// Matchmaker is the queue surface the API drives.
type Matchmaker interface {
	JoinQueue(p session.Participant, mode matchmaking.Mode) (matchmaking.Result, error)
	QueueStatus(mode matchmaking.Mode) (int, error)
	Leave(participantID string) bool
	SaveSocket(participantID string, conn session.Conn) error
	RemoveSocket(participantID string, conn session.Conn)
}

// HistoryReader serves stored matches per participant and the standings
// derived from them.
type HistoryReader interface {
	PlayerHistory(ctx context.Context, userID string, limit int) ([]store.MatchRecord, error)
	Leaderboard(ctx context.Context, limit int) ([]store.Standing, error)
}

// RecentReader serves the latest published results.
type RecentReader interface {
	Recent(ctx context.Context, n int) ([]store.MatchRecord, error)
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	router := api.NewRouter(api.RouterConfig{
//	    Matches: reg,
//	    Queue:   q,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Matches is the session registry (required)
	Matches Matches

	// Queue is the matchmaking queue (required)
	Queue Matchmaker

	// History enables the player history and leaderboard routes when set.
	History HistoryReader

	// Recent enables GET /api/matches/recent when set.
	Recent RecentReader

	// Tickets verifies participant tickets. Nil disables verification.
	Tickets *TicketVerifier

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is only used if RateLimiter is nil.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins also gates websocket origins. Nil means localhost only.
	CORSOrigins []string

	// MaxWSPerIP and SendBuffer tune the websocket transport.
	MaxWSPerIP int
	SendBuffer int

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool

	Logger zerolog.Logger
}

// routerHandlers holds the dependencies shared by every handler.
type routerHandlers struct {
	matches Matches
	queue   Matchmaker
	history HistoryReader
	recent  RecentReader
	tickets *TicketVerifier
	ws      *wsTransport
	log     zerolog.Logger
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// It starts no goroutines and opens no listeners, so it is safe to wrap in
// httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if !cfg.DisableLogging {
		r.Use(requestLogger(cfg.Logger))
	}
	r.Use(middleware.Recoverer)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		matches: cfg.Matches,
		queue:   cfg.Queue,
		history: cfg.History,
		recent:  cfg.Recent,
		tickets: cfg.Tickets,
		ws:      newWSTransport(NewOriginChecker(corsOrigins), cfg.MaxWSPerIP, cfg.SendBuffer, cfg.Logger),
		log:     cfg.Logger,
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Matches
		r.Post("/matches", h.handleCreateMatch)
		r.Get("/matches", h.handleListMatches)
		if h.recent != nil {
			r.Get("/matches/recent", h.handleRecentMatches)
		}
		r.Get("/matches/{id}/config", h.handleMatchConfig)

		// Matchmaking
		r.Post("/matchmaking/{mode}/join", h.handleJoinQueue)
		r.Delete("/matchmaking/{mode}/{participant_id}", h.handleLeaveQueue)
		r.Get("/matchmaking/{mode}/status", h.handleQueueStatus)

		if h.history != nil {
			r.Get("/players/{participant_id}/matches", h.handlePlayerHistory)
			r.Get("/leaderboard", h.handleLeaderboard)
		}
	})

	r.Route("/ws", func(r chi.Router) {
		r.Get("/matches/{id}", h.handleMatchSocket)
		r.Get("/matchmaking", h.handleQueueSocket)
	})

	return r
}

// requestLogger logs each request through zerolog and records its latency
// under the matched route pattern.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			telemetry.RecordRequest(r.Method, pattern, status, elapsed)

			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", elapsed).
				Msg("🌐 request")
		})
	}
}
