package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

func newTestHTTPServer(t *testing.T) *OAuthHTTPServer {
	t.Helper()
	sc := newTestServerContext(t)
	mcpSrv := mcpserver.NewMCPServer("schedulefewer-test", "0.0.0")
	return NewOAuthHTTPServer(mcpSrv, sc, nil)
}

func TestHandlerServesDiscoveryEndpoints(t *testing.T) {
	handler := newTestHTTPServer(t).Handler()

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
		"/.well-known/jwks.json",
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Errorf("GET %s returned invalid JSON: %v", path, err)
		}
	}
}

func TestHandlerGuardsMCPEndpoint(t *testing.T) {
	handler := newTestHTTPServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("POST /mcp without token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 response missing WWW-Authenticate header")
	}
}

func TestHandlerServesHealthEndpoints(t *testing.T) {
	handler := newTestHTTPServer(t).Handler()

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestHandlerCallbackAliases(t *testing.T) {
	handler := newTestHTTPServer(t).Handler()

	// Both callback paths are wired to the same handler; without
	// parameters each renders the HTML error page rather than a 404.
	for _, path := range []string{"/oauth/upstream/callback", "/oauth/google/callback"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestShutdownFlipsReadiness(t *testing.T) {
	srv := newTestHTTPServer(t)
	if !srv.HealthChecker().IsReady() {
		t.Fatal("server not ready before shutdown")
	}
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if srv.HealthChecker().IsReady() {
		t.Error("server still ready after shutdown")
	}
}

func TestMetricsServerDefaults(t *testing.T) {
	m := NewMetricsServer("", nil)
	if m.Addr() != DefaultMetricsAddr {
		t.Errorf("Addr() = %q, want %q", m.Addr(), DefaultMetricsAddr)
	}
}
