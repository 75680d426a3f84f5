package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"finbridge/internal/client"
	"finbridge/internal/config"
	"finbridge/internal/runner"
	"finbridge/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	routes := config.DefaultRoutes()
	for i := range routes {
		if routes[i].Name == "psychology" {
			routes[i].BaseURL = upstream.URL
		}
	}
	cfg := &config.Config{
		Relay: config.RelayConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			Routes:          routes,
		},
		Runner: config.RunnerConfig{
			Python:     "python3",
			ScriptsDir: t.TempDir(),
			Runners:    config.DefaultRunners(),
		},
	}
	logger := discardLogger()

	relay := NewRelayHandler(service.NewRelayService(client.NewUpstreamClient(cfg, logger, nil), logger), logger)
	analysis := NewAnalysisHandler(runner.New(cfg, logger, nil), logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, relay, analysis, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /bridge/status", http.MethodGet, "/bridge/status", http.StatusOK},
		{"GET path route root", http.MethodGet, "/api/psychology", http.StatusOK},
		{"GET path route subpath", http.MethodGet, "/api/psychology/profile/1?x=y", http.StatusOK},
		{"POST path route", http.MethodPost, "/api/psychology/chat", http.StatusOK},
		{"WebDAV verb reaches relay", "PROPFIND", "/api/psychology/files", http.StatusOK},
		{"non-standard verb", "XYZZY", "/api/psychology/files", http.StatusMethodNotAllowed},
		{"unconfigured fixed route", http.MethodPost, "/api/ollama-proxy", http.StatusInternalServerError},
		{"unconfigured path route", http.MethodGet, "/api/py/quote", http.StatusInternalServerError},
		{"fixed route has no subpaths", http.MethodPost, "/api/ollama-proxy/extra", http.StatusNotFound},
		{"buffered runner wrong method", http.MethodGet, "/api/trade-signals", http.StatusMethodNotAllowed},
		{"stream runner missing symbol", http.MethodGet, "/api/test/run-python", http.StatusBadRequest},
		{"websocket unknown runner", http.MethodGet, "/api/ws/nope?symbol=AAPL", http.StatusNotFound},
		{"websocket buffered runner", http.MethodGet, "/api/ws/trade-signals?symbol=AAPL", http.StatusNotFound},
		{"GET /unknown", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}
