package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"redisplay/internal/api"
	"redisplay/internal/hub"
	"redisplay/internal/models"
	"redisplay/internal/observability/metrics"
	"redisplay/internal/rotation"
	"redisplay/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	eventHub := hub.New(hub.Config{Logger: logger, Metrics: recorder})
	engine := rotation.NewEngine(rotation.Config{
		Store:     store,
		Publisher: eventHub,
		Logger:    logger,
		Metrics:   recorder,
	})
	handler := api.NewHandler(store, engine, eventHub, logger)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0", Logger: logger, Metrics: recorder})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestServerViewLifecycle(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/views",
		`{"id":"clock","view":{"metadata":{"type":"clock","rotateAfter":5000},"data":{"face":"analog"}}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("create view: expected 200, got %d body %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/views", "")
	var views []struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode views: %v", err)
	}
	if len(views) != 1 || views[0].ID != "clock" || !views[0].Enabled {
		t.Fatalf("unexpected view listing %+v", views)
	}

	// The new view was auto-attached to the default channel and activated.
	rr = doJSON(t, handler, http.MethodGet, "/api/views/current?channel=default", "")
	var event models.ChangeEvent
	if err := json.Unmarshal(rr.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode current: %v", err)
	}
	if event.Type != models.EventTypeViewChange || event.View == nil || event.View.ID != "clock" {
		t.Fatalf("unexpected current payload %s", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/views/clock", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete view: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/views/current?channel=default", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode current after delete: %v", err)
	}
	if event.View != nil {
		t.Fatalf("expected empty channel after delete, got %s", rr.Body.String())
	}
}

func TestServerChannelDirectoryShape(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	doJSON(t, handler, http.MethodPost, "/api/views", `{"id":"menu","data":{"items":[]}}`)
	rr := doJSON(t, handler, http.MethodGet, "/api/channels", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("channels: expected 200, got %d", rr.Code)
	}

	var payload struct {
		Channels map[string]models.ChannelStatus `json:"channels"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	status, ok := payload.Channels[models.DefaultChannel]
	if !ok {
		t.Fatalf("expected default channel in directory, got %s", rr.Body.String())
	}
	if status.ViewCount != 1 || status.CurrentView == nil || status.CurrentView.ID != "menu" {
		t.Fatalf("unexpected default channel status %+v", status)
	}
}

func TestServerTapValidation(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/channels/lobby/tap", `{"quadrant":"MIDDLE"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown quadrant, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "error") {
		t.Fatalf("expected error body, got %s", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/channels/lobby/tap", `{"quadrant":"CENTER"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected CENTER tap to succeed as no-op, got %d", rr.Code)
	}
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/views", `{"id":"clock",`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rr.Code)
	}
}

func TestServerEchoesRequestID(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "trace-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-Id"); got != "trace-42" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestServerServesMetrics(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	doJSON(t, handler, http.MethodGet, "/api/channels", "")
	rr := doJSON(t, handler, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "redisplay_http_requests_total") {
		t.Fatalf("expected request counter in exposition, got %s", rr.Body.String())
	}
}

func TestRecoverMiddlewareConvertsPanics(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)),
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from panic guard, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "error") {
		t.Fatalf("expected JSON error body, got %s", rr.Body.String())
	}
}
