package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Davincible/claude-code-mux/internal/routing"
)

type HealthHandler struct {
	store  *routing.Store
	logger *slog.Logger
}

func NewHealthHandler(store *routing.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:  store,
		logger: logger,
	}
}

type healthResponse struct {
	Status           string    `json:"status"`
	Providers        int       `json:"providers"`
	EnabledProviders int       `json:"enabled_providers"`
	ConfigLoadedAt   time.Time `json:"config_loaded_at"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Load()

	resp := healthResponse{Status: "ok", ConfigLoadedAt: snap.CreatedAt()}
	for _, p := range snap.Providers() {
		resp.Providers++
		if !p.Disabled {
			resp.EnabledProviders++
		}
	}

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
