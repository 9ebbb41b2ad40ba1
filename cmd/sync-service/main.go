package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SavageHobbies/Aether-2/internal/api"
	"github.com/SavageHobbies/Aether-2/internal/config"
	"github.com/SavageHobbies/Aether-2/internal/factory"
	"github.com/SavageHobbies/Aether-2/internal/notify"
	"github.com/SavageHobbies/Aether-2/internal/platform/logger"
	"github.com/SavageHobbies/Aether-2/internal/registry"
	synccore "github.com/SavageHobbies/Aether-2/internal/sync"
)

func main() {
	// Optional db-driver flag override (sqlite | postgres | memory)
	dbDriver := flag.String("db-driver", "", "Override DB_DRIVER (sqlite, postgres, memory)")
	flag.Parse()

	log := logger.New("sync-service")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *dbDriver != "" {
		cfg.DBDriver = *dbDriver
		if err := cfg.ResolveDefaults(); err != nil {
			log.Fatal().Err(err).Msg("Invalid db-driver override")
		}
	}

	log.Info().
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Msg("Sync service starting…")

	// -------- Storage layer -----------------
	store, err := factory.NewStorage(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Storage adapter unavailable")
	}
	defer func() { _ = store.Close() }()

	// -------- Sync core ----------------------
	reg := registry.New(registry.Config{
		SessionBuffer: cfg.SessionBuffer,
		EchoToOrigin:  cfg.EchoToOrigin,
		IdleTimeout:   cfg.IdleTimeout,
	}, store, log)

	orch := synccore.New(store, synccore.DefaultPolicy(), reg, notify.Log{Logger: log}, synccore.Config{
		MaxPersistAttempts: cfg.MaxPersistAttempts,
		BaseBackoff:        cfg.PersistBackoff,
		MaxBackoff:         cfg.PersistBackoffMax,
	}, log)

	authz := factory.NewAuthorizer(cfg, log)

	// -------- Idle session sweeper ----------
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				reg.SweepIdle(now)
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	// -------- Router & Server --------------
	router := api.NewRouter(orch, reg, store, authz, cfg, log)
	server := &http.Server{
		Addr:        cfg.GetHTTPAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server…")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}
