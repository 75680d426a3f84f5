package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"finbridge/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Prefix     string `json:"prefix"`
	Mode       string `json:"mode"`
	Env        string `json:"env,omitempty"`
	Configured bool   `json:"configured"`
}

type runnerStatus struct {
	Path    string   `json:"path"`
	Mode    string   `json:"mode"`
	Methods []string `json:"methods"`
}

type bridgeStatus struct {
	Status  string                  `json:"status"`
	Version string                  `json:"version"`
	Routes  map[string]routeStatus  `json:"routes"`
	Runners map[string]runnerStatus `json:"runners"`
}

// Status reports which relay routes have an upstream and which runners are
// mounted. Upstream URLs are not exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	st := bridgeStatus{
		Status:  "ok",
		Version: string(h.version),
		Routes:  make(map[string]routeStatus, len(h.cfg.Relay.Routes)),
		Runners: make(map[string]runnerStatus, len(h.cfg.Runner.Runners)),
	}
	for _, r := range h.cfg.Relay.Routes {
		st.Routes[r.Name] = routeStatus{
			Prefix:     r.Prefix,
			Mode:       r.Mode,
			Env:        r.Env,
			Configured: r.BaseURL != "",
		}
	}
	for _, r := range h.cfg.Runner.Runners {
		st.Runners[r.Name] = runnerStatus{
			Path:    r.Path,
			Mode:    r.Mode,
			Methods: r.Methods,
		}
	}
	return c.JSON(http.StatusOK, st)
}
