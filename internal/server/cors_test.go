package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCORSHandler(t *testing.T, cfg CORSConfig) http.Handler {
	t.Helper()
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		t.Fatalf("build cors policy: %v", err)
	}
	return corsMiddleware(policy, nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	t.Parallel()

	handler := newCORSHandler(t, CORSConfig{DisplayOrigins: []string{"https://display.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Origin", "https://display.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://display.example.com" {
		t.Fatalf("expected allow-origin header, got %q", got)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	t.Parallel()

	handler := newCORSHandler(t, CORSConfig{ControlOrigins: []string{"https://admin.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rr.Code)
	}
}

func TestCORSAnswersPreflight(t *testing.T) {
	t.Parallel()

	handler := newCORSHandler(t, CORSConfig{ControlOrigins: []string{"https://admin.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/views", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatalf("expected allow-methods header on preflight")
	}
}

func TestCORSAllowsSameOriginRequestsWithoutConfig(t *testing.T) {
	t.Parallel()

	handler := newCORSHandler(t, CORSConfig{})

	req := httptest.NewRequest(http.MethodGet, "http://displays.local/api/channels", nil)
	req.Header.Set("Origin", "http://displays.local")
	req.Host = "displays.local"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected same-origin request to pass, got %d", rr.Code)
	}
}
