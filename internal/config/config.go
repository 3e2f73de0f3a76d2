// Package config provides centralized configuration management.
// Every setting has a default here and can be overridden from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"3000"`
	AllowedOrigins  []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	RateLimitPerSec float64       `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	MaxWSPerIP      int           `env:"MAX_WS_PER_IP" envDefault:"8"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
}

// =============================================================================
// MATCH CONFIGURATION
// =============================================================================

// TickConfig controls the scheduler.
type TickConfig struct {
	Interval time.Duration `env:"TICK_INTERVAL" envDefault:"33ms"` // ~30Hz
}

// SessionConfig controls match sessions and their sockets.
type SessionConfig struct {
	Timeout    time.Duration `env:"SESSION_TIMEOUT" envDefault:"60s"` // no player connected for this long discards the match
	SendBuffer int           `env:"SESSION_SEND_BUFFER" envDefault:"64"`
}

// MatchmakingConfig controls the queue sweeper.
type MatchmakingConfig struct {
	MaxWait       time.Duration `env:"QUEUE_MAX_WAIT" envDefault:"5m"`
	SweepInterval time.Duration `env:"QUEUE_SWEEP_INTERVAL" envDefault:"30s"`
}

// =============================================================================
// STORAGE CONFIGURATION
// =============================================================================

// StorageConfig selects the match repository.
type StorageConfig struct {
	Driver      string        `env:"STORAGE_DRIVER" envDefault:"sqlite"` // sqlite | pgx
	DSN         string        `env:"STORAGE_DSN" envDefault:"arena.db"`
	Workers     int           `env:"STORAGE_WORKERS" envDefault:"2"`
	BufferSize  int           `env:"STORAGE_BUFFER" envDefault:"128"`
	SaveTimeout time.Duration `env:"STORAGE_SAVE_TIMEOUT" envDefault:"5s"`
}

// PublisherConfig enables result fan-out over Redis. Empty URL disables it.
type PublisherConfig struct {
	RedisURL string `env:"PUBLISHER_REDIS_URL"`
	Channel  string `env:"PUBLISHER_CHANNEL" envDefault:"arena:matches"`
}

// JournalConfig controls the lifecycle event journal. Empty path disables it.
type JournalConfig struct {
	Path string `env:"JOURNAL_PATH" envDefault:"events.jsonl"`
}

// =============================================================================
// SECURITY & OBSERVABILITY
// =============================================================================

// AuthConfig holds the participant ticket secret. Empty means tickets are not
// required and participant ids in messages are trusted.
type AuthConfig struct {
	TicketSecret string `env:"AUTH_TICKET_SECRET"`
}

// ObservabilityConfig configures the debug server.
type ObservabilityConfig struct {
	Enabled       bool   `env:"DEBUG_ENABLED" envDefault:"true"`
	ListenAddr    string `env:"DEBUG_ADDR" envDefault:"127.0.0.1:6060"` // keep on loopback in production
	AllowExternal bool   `env:"ALLOW_DEBUG_EXTERNAL" envDefault:"false"`
	BasicAuthUser string `env:"DEBUG_USER"`
	BasicAuthPass string `env:"DEBUG_PASS"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"` // console | json
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server        ServerConfig
	Tick          TickConfig
	Session       SessionConfig
	Matchmaking   MatchmakingConfig
	Storage       StorageConfig
	Publisher     PublisherConfig
	Journal       JournalConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Log           LogConfig
}

// Load returns the complete configuration with environment overrides.
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, eris.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c AppConfig) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return eris.Errorf("PORT %d out of range", c.Server.Port)
	case c.Tick.Interval <= 0:
		return eris.New("TICK_INTERVAL must be positive")
	case c.Session.Timeout <= 0:
		return eris.New("SESSION_TIMEOUT must be positive")
	case c.Session.SendBuffer <= 0:
		return eris.New("SESSION_SEND_BUFFER must be positive")
	case c.Storage.Driver != "sqlite" && c.Storage.Driver != "pgx":
		return eris.Errorf("STORAGE_DRIVER %q must be sqlite or pgx", c.Storage.Driver)
	case c.Log.Format != "console" && c.Log.Format != "json":
		return eris.Errorf("LOG_FORMAT %q must be console or json", c.Log.Format)
	}
	return nil
}
