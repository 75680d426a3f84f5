package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"finbridge/internal/config"
	"finbridge/internal/model"
	"finbridge/internal/sse"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 45 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsMessage is one frame of the WebSocket flavour of a stream runner.
type wsMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Code *int   `json:"code,omitempty"`
}

func toWSMessage(f model.EventFrame) wsMessage {
	if f.Source == model.SourceEnd {
		code := f.ExitCode
		return wsMessage{Type: string(f.Source), Data: sse.EndMessage(code), Code: &code}
	}
	return wsMessage{Type: string(f.Source), Data: f.Line}
}

// WebSocket streams a stream-mode runner over a WebSocket. The runner is
// named by the :runner path parameter and the symbol comes from the query.
// Closing the socket kills the script.
func (h *AnalysisHandler) WebSocket(c echo.Context) error {
	spec, err := h.runner.Spec(c.Param("runner"))
	if err != nil || spec.Mode != config.RunnerModeStream {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown runner"})
	}
	// The handshake is always a GET; validate the symbol the same way.
	spec.Methods = []string{http.MethodGet}
	inv, err := h.prepare(c, spec)
	if err != nil {
		return h.mapError(c, err)
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug("websocket upgrade failed", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Reader: only control frames are expected; any error means the peer left.
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frames := h.start(ctx, inv)
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(toWSMessage(f)); err != nil {
				cancel()
				for range frames {
				}
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				for range frames {
				}
				return nil
			}
		}
	}
}
