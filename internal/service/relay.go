// Package service implements the relay forwarding logic.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/http/httpguts"

	"finbridge/internal/client"
	"finbridge/internal/config"
	"finbridge/internal/model"
)

// ErrUpstreamNotConfigured is matched by errors for routes that have no base URL.
var ErrUpstreamNotConfigured = errors.New("upstream not configured")

// ErrInvalidBody is returned when a non-GET request body is not valid JSON.
var ErrInvalidBody = errors.New("request body is not valid JSON")

// NotConfiguredError reports which environment variable would supply the upstream.
type NotConfiguredError struct {
	Env string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("%s not set. Please set %s in your .env", e.Env, e.Env)
}

func (e *NotConfiguredError) Is(target error) bool {
	return target == ErrUpstreamNotConfigured
}

// forwardableRequestHeaders are the inbound headers copied to the upstream request.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
}

// droppedResponseHeaders are never copied back to the client; the server
// recomputes framing for the relayed body.
var droppedResponseHeaders = map[string]bool{
	"content-encoding":  true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// repeatedSlashes matches runs of '/' not directly after a scheme colon.
var repeatedSlashes = regexp.MustCompile(`(^|[^:])/{2,}`)

const userAgent = "finbridge/1.0"

// RelayService forwards relay requests to their route's upstream.
type RelayService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		logger: logger.With("component", "relay_service"),
	}
}

// Forward sends rr to the route's upstream and returns the response with
// filtered headers. The caller is responsible for closing the response body.
// A route without a base URL fails with ErrUpstreamNotConfigured before any
// network activity.
func (s *RelayService) Forward(route config.RouteConfig, rr *model.RelayRequest) (*model.RelayResponse, error) {
	if route.BaseURL == "" {
		return nil, &NotConfiguredError{Env: route.Env}
	}

	upstreamURL := BuildUpstreamURL(route, rr.Path, rr.RawQuery)

	var body io.Reader
	if hasOutboundBody(rr.Method) {
		payload, err := compactJSON(rr.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	s.logger.Debug("forwarding request",
		"route", route.Name,
		"method", rr.Method,
		"path", rr.Path,
	)

	resp, err := s.client.DoStream(rr.Ctx, route.Name, rr.Method, upstreamURL, filterRequestHeaders(rr.Header), body)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", route.Name, err)
	}

	resp.Header = FilterResponseHeaders(resp.Header)
	return resp, nil
}

// BuildUpstreamURL resolves the outbound URL for a route. Fixed routes use the
// base URL as is; path routes append the sub-path, collapse repeated slashes
// and keep the raw query.
func BuildUpstreamURL(route config.RouteConfig, subPath, rawQuery string) string {
	if route.Mode == config.RouteModeFixed {
		return route.BaseURL
	}

	base, baseQuery, _ := strings.Cut(route.BaseURL, "?")
	joined := repeatedSlashes.ReplaceAllString(base+"/"+subPath, "$1/")

	query := baseQuery
	if rawQuery != "" {
		if query != "" {
			query += "&"
		}
		query += rawQuery
	}
	if query != "" {
		joined += "?" + query
	}
	return joined
}

// hasOutboundBody reports whether a body is sent for method. Only GET
// requests go out without one.
func hasOutboundBody(method string) bool {
	return method != http.MethodGet
}

// compactJSON re-serialises raw as compact JSON. An empty body becomes {}.
func compactJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return buf.Bytes(), nil
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("Content-Type", "application/json")
	dst.Set("User-Agent", userAgent)
	return dst
}

// FilterResponseHeaders copies every upstream header except the framing and
// connection headers. Headers that cannot be written are dropped silently.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedResponseHeaders[strings.ToLower(key)] || !httpguts.ValidHeaderFieldName(key) {
			continue
		}
		for _, v := range vals {
			if httpguts.ValidHeaderFieldValue(v) {
				dst[key] = append(dst[key], v)
			}
		}
	}
	return dst
}
