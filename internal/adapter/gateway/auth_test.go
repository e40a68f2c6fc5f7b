package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func guarded(t *testing.T, key string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	auth := NewAPIKeyAuth(key, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	if NewAPIKeyAuth("", nil).Enabled() {
		t.Fatal("empty key should disable auth")
	}
	if w := guarded(t, "", nil); w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*http.Request)
		wantCode int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "secret") }, http.StatusNoContent},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusNoContent},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusForbidden},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusForbidden},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic c2VjcmV0") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := guarded(t, "secret", tt.setup)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusNoContent && w.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Errorf("missing WWW-Authenticate header")
			}
		})
	}
}

func TestAPIKeyAuthGuardsV1Only(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKey = "secret"
	srv := newTestServer(t, cfg)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("models status = %d, want 401", w.Code)
	}
}
