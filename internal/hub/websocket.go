package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control API trusts its deployment perimeter; display clients
	// connect from arbitrary origins on the local network.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request to a websocket and streams change events to
// the peer as JSON text frames. The channel query parameter scopes the
// subscription; omitting it subscribes to every channel.
func ServeWS(h *Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		sub := h.Subscribe(r.URL.Query().Get("channel"))
		logger.Debug("subscriber connected",
			"subscriber", sub.ID, "remote_addr", r.RemoteAddr)

		go writePump(conn, sub, logger)
		readPump(conn, sub)
	}
}

// writePump owns all writes on the connection. It exits when the subscriber
// channel closes or a write fails, closing the subscription either way.
func writePump(conn *websocket.Conn, sub *Subscriber, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("subscriber write failed",
					"subscriber", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames so pong handling works and disconnects are
// noticed promptly. Subscribers only listen; payloads are discarded.
func readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		sub.Close()
		conn.Close()
	}()
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
