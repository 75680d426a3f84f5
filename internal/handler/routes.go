package handler

import (
	"github.com/labstack/echo/v4"

	"finbridge/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Relay and runner mounts use e.Any, which registers every standard
// method (and WebDAV verbs) so wrong methods get the bridges' own JSON
// errors instead of the router's. Other verbs get the router's 405.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, analysis *AnalysisHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/bridge/status", health.Status)

	for _, route := range cfg.Relay.Routes {
		h := relay.Route(route)
		e.Any(route.Prefix, h)
		if route.Mode == config.RouteModePath {
			e.Any(route.Prefix+"/*", h)
		}
	}

	for _, spec := range cfg.Runner.Runners {
		e.Any(spec.Path, analysis.Route(spec))
	}
	e.GET("/api/ws/:runner", analysis.WebSocket)
}
