package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers accepted in STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"data/campaignsync.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	TokenSecret   string `env:"TOKEN_SECRET"`
	JWKSURL       string `env:"JWKS_URL"`
	TokenIssuer   string `env:"TOKEN_ISSUER"`
	TokenAudience string `env:"TOKEN_AUDIENCE"`

	SyncLogRetention int           `env:"SYNC_LOG_RETENTION" envDefault:"500"`
	SyncLogMaxAge    time.Duration `env:"SYNC_LOG_MAX_AGE" envDefault:"2h"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	SendQueueSize    int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	TypingTTL        time.Duration `env:"TYPING_TTL" envDefault:"6s"`
	// MessageRate is the sustained inbound messages per second allowed per
	// connection; MessageBurst is the bucket size.
	MessageRate  float64 `env:"MESSAGE_RATE" envDefault:"20"`
	MessageBurst int     `env:"MESSAGE_BURST" envDefault:"40"`

	PersistQueueSize  int  `env:"PERSIST_QUEUE_SIZE" envDefault:"4096"`
	PersistMaxRetries uint `env:"PERSIST_MAX_RETRIES" envDefault:"5"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// LoadConfig builds a Config from the environment and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = parseAllowedOrigins(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite store"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of memory, sqlite, postgres", c.StoreDriver))
	}
	if c.TokenSecret == "" && c.JWKSURL == "" {
		errs = append(errs, errors.New("TOKEN_SECRET or JWKS_URL is required"))
	}
	if c.SyncLogRetention <= 0 {
		errs = append(errs, errors.New("SYNC_LOG_RETENTION must be positive"))
	}
	if c.SyncLogMaxAge <= 0 || c.HeartbeatTimeout <= 0 || c.TypingTTL <= 0 {
		errs = append(errs, errors.New("durations must be positive"))
	}
	if c.SendQueueSize <= 0 || c.PersistQueueSize <= 0 {
		errs = append(errs, errors.New("queue sizes must be positive"))
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("MESSAGE_RATE and MESSAGE_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func parseAllowedOrigins(raw []string) []string {
	var origins []string
	for _, origin := range raw {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
