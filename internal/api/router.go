package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SavageHobbies/Aether-2/internal/api/recovery"
	"github.com/SavageHobbies/Aether-2/internal/api/respond"
	"github.com/SavageHobbies/Aether-2/internal/auth"
	"github.com/SavageHobbies/Aether-2/internal/config"
	"github.com/SavageHobbies/Aether-2/internal/registry"
	"github.com/SavageHobbies/Aether-2/internal/storage"
	synccore "github.com/SavageHobbies/Aether-2/internal/sync"
)

// NewRouter creates the HTTP router with all sync service routes.
func NewRouter(orch *synccore.Orchestrator, reg *registry.Registry, store storage.Storage, authz auth.Authorizer, cfg *config.Config, log zerolog.Logger) *mux.Router {
	router := mux.NewRouter()

	// Global middlewares
	router.Use(recovery.Middleware(log))

	healthHandler := NewHealthHandler(store)
	syncHandler := NewSyncHandler(orch, reg, authz, cfg.PingInterval, cfg.WriteTimeout, log)

	// Health endpoints
	router.HandleFunc("/api/health", healthHandler.CheckHealth).Methods("GET")
	router.HandleFunc("/api/health/db", healthHandler.CheckStorageHealth).Methods("GET")

	// Admin surface
	router.HandleFunc("/api/sync/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := orch.Stats(r.Context())
		if err != nil {
			respond.WriteInternalError(w, err.Error())
			return
		}
		respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"sync":     st,
			"registry": reg.Stats(),
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Sync WebSocket endpoint
	router.HandleFunc("/ws", syncHandler.HandleWS).Methods("GET")

	return router
}
