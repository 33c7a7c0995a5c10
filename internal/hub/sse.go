package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sseKeepAliveInterval = 25 * time.Second

// ServeSSE streams change events to the client as Server-Sent Events. The
// channel query parameter scopes the subscription; omitting it subscribes to
// every channel. Comment lines keep idle connections alive through proxies.
func ServeSSE(h *Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := h.Subscribe(r.URL.Query().Get("channel"))
		defer sub.Close()

		keepAlive := time.NewTicker(sseKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					logger.Error("encode change event failed", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
