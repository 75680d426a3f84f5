package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"finbridge/internal/config"
	"finbridge/internal/model"
	"finbridge/internal/runner"
	"finbridge/internal/sse"
)

// Client-facing error messages of the analysis endpoints.
const (
	msgMethodNotAllowed = "Method not allowed"
	msgMissingSymbol    = "缺少股票代號"
	msgInvalidSymbol    = "請提供正確的股票代號"
	msgScriptFailed     = "Python 腳本執行失敗"
)

// frameBuffer is how many frames may queue between the process and a slow client.
const frameBuffer = 64

// errBadSymbol carries the 400 message for a missing or malformed symbol.
type errBadSymbol string

func (e errBadSymbol) Error() string { return string(e) }

// AnalysisHandler serves the script-backed analysis endpoints.
type AnalysisHandler struct {
	runner *runner.Runner
	logger *slog.Logger
}

// NewAnalysisHandler creates an AnalysisHandler.
func NewAnalysisHandler(r *runner.Runner, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		runner: r,
		logger: logger.With("component", "analysis_handler"),
	}
}

// Route returns the handler for spec according to its mode.
func (h *AnalysisHandler) Route(spec config.RunnerSpec) echo.HandlerFunc {
	if spec.Mode == config.RunnerModeBuffered {
		return func(c echo.Context) error { return h.buffered(c, spec) }
	}
	return func(c echo.Context) error { return h.stream(c, spec) }
}

// stream runs the script and republishes its output as server-sent events.
func (h *AnalysisHandler) stream(c echo.Context, spec config.RunnerSpec) error {
	inv, err := h.prepare(c, spec)
	if err != nil {
		return h.mapError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, sse.ContentType)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	frames := h.start(ctx, inv)

	var keepalive <-chan time.Time
	if spec.KeepaliveSeconds > 0 {
		ticker := time.NewTicker(time.Duration(spec.KeepaliveSeconds) * time.Second)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		var out []byte
		select {
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			out = sse.Encode(f)
		case <-keepalive:
			out = sse.KeepAlive
		}
		if _, err := res.Write(out); err != nil {
			h.logger.Info("client went away; stopping script",
				"id", inv.ID,
				"runner", inv.Runner,
				"err", err,
			)
			cancel()
			for range frames {
			}
			return nil
		}
		res.Flush()
	}
}

// start launches inv and returns the channel its frames arrive on. The
// channel is closed once the process has exited and the end frame was sent.
func (h *AnalysisHandler) start(ctx context.Context, inv *model.ProcessInvocation) <-chan model.EventFrame {
	frames := make(chan model.EventFrame, frameBuffer)
	go func() {
		defer close(frames)
		_, err := h.runner.Stream(ctx, inv, func(f model.EventFrame) {
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		})
		if err != nil {
			h.logger.Error("script run failed",
				"id", inv.ID,
				"runner", inv.Runner,
				"err", err,
			)
		}
	}()
	return frames
}

// buffered runs the script to completion and replies with its output.
func (h *AnalysisHandler) buffered(c echo.Context, spec config.RunnerSpec) error {
	inv, err := h.prepare(c, spec)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := h.runner.Run(c.Request().Context(), inv)
	if err != nil {
		return h.mapError(c, err)
	}
	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = msgScriptFailed
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
	}
	return c.JSON(http.StatusOK, map[string]string{"output": res.Output})
}

// prepare validates the request and resolves the command line. Nothing is
// spawned when it fails.
func (h *AnalysisHandler) prepare(c echo.Context, spec config.RunnerSpec) (*model.ProcessInvocation, error) {
	if !spec.Allows(c.Request().Method) {
		return nil, echo.NewHTTPError(http.StatusMethodNotAllowed, msgMethodNotAllowed)
	}
	symbol, err := symbolFrom(c)
	if err != nil {
		return nil, err
	}
	targets := runner.Targets(spec, symbol)
	if len(targets) == 0 {
		return nil, errBadSymbol(msgMissingSymbol)
	}
	return h.runner.Invocation(spec, targets)
}

// symbolFrom reads the symbol from the query (GET) or a JSON body (POST).
func symbolFrom(c echo.Context) (string, error) {
	if c.Request().Method == http.MethodGet {
		symbol := c.QueryParam("symbol")
		if strings.TrimSpace(symbol) == "" {
			return "", errBadSymbol(msgMissingSymbol)
		}
		return symbol, nil
	}

	var body struct {
		Symbol any `json:"symbol"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return "", errBadSymbol(msgInvalidSymbol)
	}
	symbol, ok := body.Symbol.(string)
	if !ok || strings.TrimSpace(symbol) == "" {
		return "", errBadSymbol(msgInvalidSymbol)
	}
	return symbol, nil
}

func (h *AnalysisHandler) mapError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, map[string]any{"error": he.Message})
	}
	var bad errBadSymbol
	if errors.As(err, &bad) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": bad.Error()})
	}

	h.logger.Error("analysis error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
