package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DebugConfig configures the debug server.
type DebugConfig struct {
	Enabled       bool
	ListenAddr    string // keep on loopback in production
	AllowExternal bool
	BasicAuthUser string
	BasicAuthPass string
}

// DebugServer serves pprof, /metrics and /health on a private address.
type DebugServer struct {
	srv *http.Server
	log zerolog.Logger
}

// NewDebugHandler builds the debug mux.
func NewDebugHandler(cfg DebugConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// StartDebugServer starts the debug server in the background. It returns
// nil when disabled.
func StartDebugServer(cfg DebugConfig, log zerolog.Logger) *DebugServer {
	if !cfg.Enabled {
		log.Info().Msg("📊 Debug server disabled")
		return nil
	}

	addr := cfg.ListenAddr
	if !cfg.AllowExternal && !isLoopback(addr) {
		log.Warn().Str("requested", addr).Msg("⚠️ Debug server forced to localhost")
		addr = "127.0.0.1:6060"
	}

	d := &DebugServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewDebugHandler(cfg),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("📊 Debug server starting")
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("⚠️ Debug server error")
		}
	}()
	return d
}

// Shutdown stops the debug server.
func (d *DebugServer) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	return d.srv.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func basicAuth(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
