package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the sync service.
// Environment variables are parsed from the AETHER_SYNC_ prefix,
// e.g. AETHER_SYNC_HTTP_PORT, AETHER_SYNC_DB_DRIVER.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Storage. DB_DRIVER "auto" picks sqlite with a local file in
	// development and requires an explicit choice in production.
	DBDriver    string `envconfig:"DB_DRIVER" default:"auto"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/aether-sync.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Auth. When JWT_SECRET is empty outside production, the dev
	// authorizer is used instead.
	JWTSecret string `envconfig:"JWT_SECRET" default:""`
	JWTIssuer string `envconfig:"JWT_ISSUER" default:"aether"`

	// WebSocket tuning
	PingInterval  time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	IdleTimeout   time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	SessionBuffer int           `envconfig:"SESSION_BUFFER" default:"256"`
	EchoToOrigin  bool          `envconfig:"ECHO_TO_ORIGIN" default:"false"`

	// Persistence retry
	MaxPersistAttempts int           `envconfig:"MAX_PERSIST_ATTEMPTS" default:"5"`
	PersistBackoff     time.Duration `envconfig:"PERSIST_BACKOFF" default:"50ms"`
	PersistBackoffMax  time.Duration `envconfig:"PERSIST_BACKOFF_MAX" default:"2s"`
}

// ResolveDefaults validates the driver choice and derives DBDriver when set
// to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	if c.DBDriver == "" || c.DBDriver == "auto" {
		if c.IsProduction() {
			return fmt.Errorf("DB_DRIVER must be set explicitly in production")
		}
		c.DBDriver = "sqlite"
	}

	allowedDB := map[string]bool{"sqlite": true, "postgres": true, "memory": true}
	if !allowedDB[c.DBDriver] {
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when DB_DRIVER=postgres")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("AETHER_SYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Int("port", cfg.HTTPPort).
		Str("db_driver", cfg.DBDriver).
		Bool("jwt_secret_present", cfg.JWTSecret != "").
		Dur("ping_interval", cfg.PingInterval).
		Int("session_buffer", cfg.SessionBuffer).
		Bool("echo_to_origin", cfg.EchoToOrigin).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:        EnvTesting,
		HTTPPort:           8080,
		DBDriver:           "memory",
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        5 * time.Minute,
		SessionBuffer:      16,
		MaxPersistAttempts: 3,
		PersistBackoff:     time.Millisecond,
		PersistBackoffMax:  5 * time.Millisecond,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
