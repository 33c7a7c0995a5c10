package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"redisplay/internal/models"
)

type viewBody struct {
	Metadata models.ViewMetadata `json:"metadata"`
	Data     json.RawMessage     `json:"data,omitempty"`
}

type viewResponse struct {
	ID      string   `json:"id"`
	View    viewBody `json:"view"`
	Enabled bool     `json:"enabled"`
}

func newViewResponse(view models.View) viewResponse {
	return viewResponse{
		ID:      view.ID,
		View:    viewBody{Metadata: view.Metadata, Data: view.Data},
		Enabled: view.Enabled,
	}
}

// Views handles the view collection: listing the catalog and creating views.
func (h *Handler) Views(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		views := h.Store.ListViews()
		response := make([]viewResponse, 0, len(views))
		for _, view := range views {
			response = append(response, newViewResponse(view))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		var probe map[string]json.RawMessage
		if err := decodeJSON(r, &probe); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var id string
		if raw, ok := probe["id"]; ok {
			if err := json.Unmarshal(raw, &id); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("decode view id: %w", err))
				return
			}
		}
		payload, err := upsertPayload(probe)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		view, err := models.NormalizeView(id, payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// New views join the default channel's rotation unless some
		// playlist already lists them.
		if _, err := h.Engine.UpsertView(view, true); err != nil {
			writeOperationError(w, err)
			return
		}
		writeSuccess(w)
	default:
		writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// upsertPayload extracts the view body from a creation request: an explicit
// "view" object wins, otherwise the remaining fields form a structured or
// legacy flat payload.
func upsertPayload(probe map[string]json.RawMessage) (json.RawMessage, error) {
	if raw, ok := probe["view"]; ok && string(raw) != "null" {
		return raw, nil
	}
	rest := make(map[string]json.RawMessage, len(probe))
	for key, value := range probe {
		if key == "id" {
			continue
		}
		rest[key] = value
	}
	if len(rest) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("encode view payload: %w", err)
	}
	return payload, nil
}

// ViewByID routes /api/views/{id} and its subresources, plus the
// /api/views/current polling endpoint.
func (h *Handler) ViewByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/views/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("view id missing"))
		return
	}

	if parts[0] == "current" && len(parts) == 1 {
		h.currentView(w, r)
		return
	}

	viewID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			view, ok := h.Store.GetView(viewID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("view %s not found", viewID))
				return
			}
			writeJSON(w, http.StatusOK, newViewResponse(view))
		case http.MethodPut:
			body, err := readBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			payload := body
			var probe map[string]json.RawMessage
			if err := json.Unmarshal(body, &probe); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
				return
			}
			if raw, ok := probe["view"]; ok && string(raw) != "null" {
				payload = raw
			}
			view, err := models.NormalizeView(viewID, payload)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if _, err := h.Engine.UpsertView(view, false); err != nil {
				writeOperationError(w, err)
				return
			}
			writeSuccess(w)
		case http.MethodDelete:
			if err := h.Engine.RemoveView(viewID); err != nil {
				writeOperationError(w, err)
				return
			}
			writeSuccess(w)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "enable" {
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w, http.MethodPut)
			return
		}
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New("enabled flag is required"))
			return
		}
		if err := h.Engine.SetViewEnabled(viewID, *req.Enabled); err != nil {
			writeOperationError(w, err)
			return
		}
		writeSuccess(w)
		return
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("unknown view resource %s", path))
}

// currentView is the polling substitute for the push transports: it answers
// with the same event shape a subscriber would receive.
func (h *Handler) currentView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		channel = models.DefaultChannel
	}
	view, activatedAt, ok := h.Engine.Current(channel)
	if !ok {
		writeJSON(w, http.StatusOK, models.NewChangeEvent(channel, nil, time.Now()))
		return
	}
	writeJSON(w, http.StatusOK, models.NewChangeEvent(channel, &view, activatedAt))
}

func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, errors.New("request body is required")
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("request body is required")
	}
	return body, nil
}
