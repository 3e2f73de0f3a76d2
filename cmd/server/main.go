package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"paddle-arena/internal/api"
	"paddle-arena/internal/config"
	"paddle-arena/internal/eventlog"
	"paddle-arena/internal/maintenance"
	"paddle-arena/internal/matchmaking"
	"paddle-arena/internal/session"
	"paddle-arena/internal/store"
	"paddle-arena/internal/telemetry"
)

func main() {
	// Load .env file from parent directory
	envErr := godotenv.Load("../.env")
	if envErr != nil {
		envErr = godotenv.Load(".env")
	}

	appConfig, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("❌ Invalid configuration")
	}
	log := newLogger(appConfig.Log)
	if envErr != nil {
		log.Info().Msg("💡 No .env file found, using environment variables only")
	}

	log.Info().Msg("🏓 ================================")
	log.Info().Msg("🏓  PADDLE ARENA - MATCH SERVER")
	log.Info().Msg("🏓 ================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appConfig, log); err != nil {
		log.Fatal().Err(err).Msg("❌ Server failed")
	}
	log.Info().Msg("👋 Shutdown complete")
}

func run(ctx context.Context, cfg config.AppConfig, log zerolog.Logger) error {
	// Journal
	journal, err := eventlog.Open(cfg.Journal.Path,
		eventlog.WithLogger(log),
		eventlog.WithEmitHook(telemetry.RecordEvent),
	)
	if err != nil {
		return err
	}
	log.Info().Str("path", cfg.Journal.Path).Msg("📝 Event journal")

	// Storage
	repo, err := store.OpenSQL(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		journal.Stop()
		return err
	}
	log.Info().Str("driver", cfg.Storage.Driver).Msg("💾 Match repository ready")

	var (
		publisher store.Publisher
		redisPub  *store.RedisPublisher
	)
	if cfg.Publisher.RedisURL != "" {
		redisPub, err = store.NewRedisPublisher(cfg.Publisher.RedisURL, cfg.Publisher.Channel)
		if err != nil {
			_ = repo.Close()
			journal.Stop()
			return err
		}
		if err := redisPub.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Redis not reachable yet, result publishing may fail")
		}
		publisher = redisPub
		log.Info().Str("channel", cfg.Publisher.Channel).Msg("📣 Publishing results to Redis")
	}

	writer := store.NewWriter(repo, publisher, store.WriterConfig{
		BufferSize:  cfg.Storage.BufferSize,
		Workers:     cfg.Storage.Workers,
		SaveTimeout: cfg.Storage.SaveTimeout,
	}, log)
	writer.Start()

	// Match engine
	registry := session.NewRegistry(session.RegistryConfig{
		TickInterval:   cfg.Tick.Interval,
		SessionTimeout: cfg.Session.Timeout,
	}, writer, journal, log)
	queue := matchmaking.New(registry,
		matchmaking.WithJournal(journal),
		matchmaking.WithLogger(log),
	)

	// HTTP
	routerCfg := api.RouterConfig{
		Matches: registry,
		Queue:   queue,
		History: repo,
		Tickets: api.NewTicketVerifier(cfg.Auth.TicketSecret),
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimitPerSec,
			Burst:             cfg.Server.RateLimitBurst,
		},
		CORSOrigins: cfg.Server.AllowedOrigins,
		MaxWSPerIP:  cfg.Server.MaxWSPerIP,
		SendBuffer:  cfg.Session.SendBuffer,
		Logger:      log,
	}
	if redisPub != nil {
		routerCfg.Recent = redisPub
	}
	if routerCfg.Tickets == nil {
		log.Warn().Msg("⚠️ AUTH_TICKET_SECRET not set, participant ids are trusted")
	}
	server := api.NewServer(routerCfg)

	// Housekeeping
	sweeper, err := maintenance.Start([]maintenance.Job{
		{Name: "queue-expiry", Every: cfg.Matchmaking.SweepInterval, Run: func() int {
			return queue.PruneStale(cfg.Matchmaking.MaxWait)
		}},
		{Name: "journal-limiters", Every: time.Minute, Run: journal.CleanupLimiters},
		{Name: "http-limiters", Every: time.Minute, Run: server.RateLimiter().Cleanup},
	}, log)
	if err != nil {
		writer.Stop()
		_ = repo.Close()
		journal.Stop()
		return err
	}

	debug := telemetry.StartDebugServer(telemetry.DebugConfig{
		Enabled:       cfg.Observability.Enabled,
		ListenAddr:    cfg.Observability.ListenAddr,
		AllowExternal: cfg.Observability.AllowExternal,
		BasicAuthUser: cfg.Observability.BasicAuthUser,
		BasicAuthPass: cfg.Observability.BasicAuthPass,
	}, log)

	tickCtx, stopTicking := context.WithCancel(ctx)
	defer stopTicking()
	go registry.Run(tickCtx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(":" + strconv.Itoa(cfg.Server.Port))
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("🛑 Shutting down...")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("❌ API server stopped")
		}
	}

	// Close sockets first so no new input or results arrive while draining.
	stopTicking()
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("⚠️ HTTP shutdown incomplete")
	}
	if err := debug.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Debug server shutdown incomplete")
	}
	if err := sweeper.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Scheduler shutdown incomplete")
	}

	writer.Stop()
	journal.Stop()
	if redisPub != nil {
		_ = redisPub.Close()
	}
	if err := repo.Close(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Repository close failed")
	}

	st := writer.Stats()
	log.Info().Uint64("saved", st.Saved).Uint64("failed", st.Failed).Uint64("dropped", st.Dropped).Msg("💾 Writer drained")
	return err
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
}
