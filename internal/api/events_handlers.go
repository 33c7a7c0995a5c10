package api

import (
	"errors"
	"net/http"

	"redisplay/internal/hub"
)

// EventsWS upgrades the request to a websocket subscription on the hub.
func (h *Handler) EventsWS(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event hub is not configured"))
		return
	}
	hub.ServeWS(h.Hub, h.Logger)(w, r)
}

// EventsSSE streams change events as Server-Sent Events.
func (h *Handler) EventsSSE(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event hub is not configured"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	hub.ServeSSE(h.Hub, h.Logger)(w, r)
}
