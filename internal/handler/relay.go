package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"finbridge/internal/config"
	"finbridge/internal/model"
	"finbridge/internal/service"
	"finbridge/internal/sse"
	"finbridge/internal/stream"
)

// RelayHandler forwards requests on a relay route and streams the upstream
// response back.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Route returns the handler mounted at route.Prefix.
func (h *RelayHandler) Route(route config.RouteConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		return h.handle(c, route)
	}
}

func (h *RelayHandler) handle(c echo.Context, route config.RouteConfig) error {
	req := c.Request()

	rr := &model.RelayRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}
	if route.Mode == config.RouteModePath {
		rr.Path = c.Param("*")
	}
	if req.Method != http.MethodGet && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return h.mapError(c, route, err)
		}
		rr.Body = body
	}

	resp, err := h.service.Forward(route, rr)
	if err != nil {
		return h.mapError(c, route, err)
	}

	src := stream.FromReader(resp.Body)
	defer func() { _ = src.Close() }()

	// Upstream values replace any set by middleware.
	for key, vals := range resp.Header {
		c.Response().Header()[key] = append([]string(nil), vals...)
	}

	if route.AggregateSSE && strings.Contains(resp.Header.Get(echo.HeaderContentType), sse.ContentType) {
		return h.aggregate(c, route, resp, src)
	}

	if resp.Body == http.NoBody {
		c.Response().WriteHeader(resp.StatusCode)
		return nil
	}

	c.Response().WriteHeader(resp.StatusCode)
	c.Response().Flush()

	// Headers are committed: failures from here on can only be logged and
	// the client sees a truncated body.
	for {
		chunk, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Error("reading upstream body",
					"err", err,
					"route", route.Name,
				)
			}
			return nil
		}
		if _, err := c.Response().Write(chunk); err != nil {
			h.logger.Error("writing response body",
				"err", err,
				"route", route.Name,
			)
			return nil
		}
		c.Response().Flush()
	}
}

// aggregate folds an upstream event stream into a single chat-style reply.
func (h *RelayHandler) aggregate(c echo.Context, route config.RouteConfig, resp *model.RelayResponse, src stream.ChunkSource) error {
	agg := sse.NewAggregator()
	if err := stream.Drain(agg, src); err != nil {
		h.logger.Error("reading upstream event stream",
			"err", err,
			"route", route.Name,
		)
	}

	modelName := resp.Header.Get("X-Model")
	if modelName == "" {
		modelName = route.Name
	}
	body, err := json.Marshal(agg.Finish(modelName))
	if err != nil {
		return h.mapError(c, route, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/json; charset=utf-8")
	c.Response().WriteHeader(resp.StatusCode)
	_, err = c.Response().Write(body)
	return err
}

func (h *RelayHandler) mapError(c echo.Context, route config.RouteConfig, err error) error {
	h.logger.Error("relay error",
		"err", err,
		"route", route.Name,
		"path", c.Request().URL.Path,
	)

	msg := err.Error()
	switch {
	case errors.Is(err, service.ErrUpstreamNotConfigured):
		// The message names the variable to set.
	case errors.Is(err, service.ErrInvalidBody):
		msg = service.ErrInvalidBody.Error()
	case errors.Is(err, context.DeadlineExceeded):
		msg = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		msg = "client disconnected"
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
}
