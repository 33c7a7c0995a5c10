package api

import (
	"log/slog"
	"net/http"
	"time"

	"redisplay/internal/hub"
	"redisplay/internal/rotation"
	"redisplay/internal/storage"
)

// Handler translates HTTP requests into engine operations.
type Handler struct {
	Store  storage.Repository
	Engine *rotation.Engine
	Hub    *hub.Hub
	Logger *slog.Logger
}

// NewHandler wires the API surface to its collaborators.
func NewHandler(store storage.Repository, engine *rotation.Engine, eventHub *hub.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Engine: engine, Hub: eventHub, Logger: logger}
}

// Health reports liveness and datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, httpStatus, map[string]interface{}{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
