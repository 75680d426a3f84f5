package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Headers are set before the
// handler runs because streaming handlers commit the response early.
// WebSocket handshakes keep Connection and Upgrade.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			upgrade := isWebSocketUpgrade(req.Header.Get("Connection"), req.Header.Get("Upgrade"))
			for _, h := range hopByHopHeaders {
				if upgrade && (h == "Connection" || h == "Upgrade") {
					continue
				}
				req.Header.Del(h)
			}

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}

func isWebSocketUpgrade(connection, upgrade string) bool {
	if !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return false
	}
	for _, tok := range strings.Split(connection, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}
