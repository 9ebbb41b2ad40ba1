package api

import (
	"net/http"
	"time"

	"github.com/SavageHobbies/Aether-2/internal/api/respond"
	"github.com/SavageHobbies/Aether-2/internal/storage"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	store storage.Storage
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store storage.Storage) *HealthHandler {
	return &HealthHandler{store: store}
}

// CheckHealth handles GET /api/health. Always 200; the body reports status.
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// CheckStorageHealth handles GET /api/health/db by pinging the store.
func (h *HealthHandler) CheckStorageHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		respond.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
