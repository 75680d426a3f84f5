// Package model defines the request-scoped types shared by the bridges.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest is an inbound request to be forwarded to a relay upstream.
type RelayRequest struct {
	Ctx      context.Context
	Method   string
	Path     string // path below the route prefix, "" for fixed routes
	RawQuery string
	Header   http.Header
	Body     []byte // raw inbound body; ignored for GET
}

// RelayResponse is the upstream response to be streamed back.
// Body is http.NoBody when the upstream sent no body.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
