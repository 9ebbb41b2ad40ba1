// Package factory builds the service's pluggable components from config.
package factory

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/internal/auth"
	"github.com/SavageHobbies/Aether-2/internal/config"
	"github.com/SavageHobbies/Aether-2/internal/storage"
	"github.com/SavageHobbies/Aether-2/internal/storage/memory"
	"github.com/SavageHobbies/Aether-2/internal/storage/postgres"
	"github.com/SavageHobbies/Aether-2/internal/storage/sqlite"
)

// NewStorage returns the storage adapter selected by DB_DRIVER.
func NewStorage(cfg *config.Config, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.DBDriver {
	case "sqlite":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite storage ready")
		return store, nil
	case "postgres":
		store, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("postgres storage ready")
		return store, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
	}
}

// NewAuthorizer returns a JWT authorizer when a secret is configured, or
// the development authorizer otherwise. Production requires a secret; the
// config layer enforces that before we get here.
func NewAuthorizer(cfg *config.Config, log zerolog.Logger) auth.Authorizer {
	if cfg.JWTSecret != "" {
		return auth.NewJWTAuthorizer([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}
	log.Warn().Msg("no JWT secret configured, using dev tokens")
	return auth.NewDevAuthorizer()
}
