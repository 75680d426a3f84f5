package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"finbridge/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/bridge/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Relay: config.RelayConfig{Routes: []config.RouteConfig{
			{Name: "ollama", Prefix: "/api/ollama-proxy", Mode: config.RouteModeFixed, Env: "OLLAMA_LOCAL", BaseURL: "http://secret-host:11434/api/chat"},
			{Name: "py", Prefix: "/api/py", Mode: config.RouteModePath, Env: "PY_API_HOST"},
		}},
		Runner: config.RunnerConfig{Runners: config.DefaultRunners()},
	}
	h := NewHealthHandler(cfg, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), "secret-host") {
		t.Error("status body leaks upstream URL")
	}

	var body bridgeStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if !body.Routes["ollama"].Configured {
		t.Error("ollama configured = false, want true")
	}
	if body.Routes["py"].Configured {
		t.Error("py configured = true, want false")
	}
	if got := body.Runners["trade-signals"].Mode; got != config.RunnerModeBuffered {
		t.Errorf("trade-signals mode = %q, want %q", got, config.RunnerModeBuffered)
	}
}
