package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"redisplay/internal/models"
)

type channelConfigRequest struct {
	Views     *[]string          `json:"views"`
	Quadrants *map[string]string `json:"quadrants"`
}

type channelConfigResponse struct {
	Views     []string          `json:"views"`
	Quadrants map[string]string `json:"quadrants"`
}

type tapRequest struct {
	Quadrant string `json:"quadrant"`
}

// Channels answers the channel directory keyed by channel name.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	statuses := h.Engine.Channels()
	channels := make(map[string]models.ChannelStatus, len(statuses))
	for _, status := range statuses {
		channels[status.Name] = status
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

// ChannelConfig handles /api/channel-config/{channel}: reading and updating a
// channel's playlist and quadrant map. Unknown channels read as empty.
func (h *Handler) ChannelConfig(w http.ResponseWriter, r *http.Request) {
	channel := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/channel-config"), "/")
	if channel == "" {
		channel = models.DefaultChannel
	}
	if strings.Contains(channel, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel resource %s", channel))
		return
	}

	switch r.Method {
	case http.MethodGet:
		views := h.Store.Playlist(channel)
		if views == nil {
			views = []string{}
		}
		quadrants := h.Store.QuadrantMap(channel)
		if quadrants == nil {
			quadrants = map[string]string{}
		}
		writeJSON(w, http.StatusOK, channelConfigResponse{Views: views, Quadrants: quadrants})
	case http.MethodPut:
		var req channelConfigRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Views == nil && req.Quadrants == nil {
			writeError(w, http.StatusBadRequest, errors.New("views or quadrants is required"))
			return
		}
		var views []string
		if req.Views != nil {
			views = *req.Views
			if views == nil {
				views = []string{}
			}
		}
		var quadrants map[string]string
		if req.Quadrants != nil {
			quadrants = *req.Quadrants
			if quadrants == nil {
				quadrants = map[string]string{}
			}
		}
		if err := h.Engine.SetChannelConfig(channel, views, quadrants); err != nil {
			writeOperationError(w, err)
			return
		}
		writeSuccess(w)
	default:
		writeMethodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

// ChannelAction routes /api/channels/{channel}/tap|next|previous.
func (h *Handler) ChannelAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel resource %s", path))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	channel := parts[0]

	switch parts[1] {
	case "tap":
		var req tapRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		zone := strings.TrimSpace(req.Quadrant)
		if !models.KnownQuadrant(zone) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown quadrant %q", req.Quadrant))
			return
		}
		if err := h.Engine.Tap(channel, zone); err != nil {
			writeOperationError(w, err)
			return
		}
		writeSuccess(w)
	case "next":
		if err := h.Engine.Next(channel); err != nil {
			writeOperationError(w, err)
			return
		}
		writeSuccess(w)
	case "previous":
		if err := h.Engine.Previous(channel); err != nil {
			writeOperationError(w, err)
			return
		}
		writeSuccess(w)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel action %s", parts[1]))
	}
}
