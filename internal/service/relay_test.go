package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"finbridge/internal/client"
	"finbridge/internal/config"
	"finbridge/internal/model"
)

func newTestService() *RelayService {
	cfg := &config.Config{Relay: config.RelayConfig{IdleConnections: 10}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelayService(client.NewUpstreamClient(cfg, logger, nil), logger)
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Accept":          {"text/event-stream"},
		"Accept-Language": {"zh-TW"},
		"Content-Type":    {"text/plain"},
		"Authorization":   {"Bearer secret"},
		"Cookie":          {"session=abc"},
		"X-Forwarded-For": {"1.2.3.4"},
	}

	dst := filterRequestHeaders(src)

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"Accept forwarded", "Accept", "text/event-stream"},
		{"Accept-Language forwarded", "Accept-Language", "zh-TW"},
		{"Content-Type forced to JSON", "Content-Type", "application/json"},
		{"User-Agent injected", "User-Agent", userAgent},
		{"Authorization stripped", "Authorization", ""},
		{"Cookie stripped", "Cookie", ""},
		{"X-Forwarded-For stripped", "X-Forwarded-For", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dst.Get(tt.key); got != tt.want {
				t.Errorf("header %q = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/x-ndjson"},
		"content-length":    {"42"},
		"Content-Encoding":  {"gzip"},
		"Transfer-Encoding": {"chunked"},
		"CONNECTION":        {"close"},
		"Set-Cookie":        {"a=1", "b=2"},
		"X-Model":           {"llama3"},
		"Bad Name":          {"x"},
		"X-Bad-Value":       {"line\nbreak"},
	}

	dst := FilterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type kept", "Content-Type", 1},
		{"Set-Cookie kept with all values", "Set-Cookie", 2},
		{"X-Model kept", "X-Model", 1},
		{"Content-Length dropped", "Content-Length", 0},
		{"Content-Encoding dropped", "Content-Encoding", 0},
		{"Transfer-Encoding dropped", "Transfer-Encoding", 0},
		{"Connection dropped", "Connection", 0},
		{"invalid value dropped", "X-Bad-Value", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
	// Non-canonical keys are looked up directly.
	if _, ok := dst["content-length"]; ok {
		t.Error("lowercase content-length should be dropped")
	}
	if _, ok := dst["Bad Name"]; ok {
		t.Error("header with invalid name should be dropped")
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name     string
		route    config.RouteConfig
		subPath  string
		rawQuery string
		want     string
	}{
		{
			name:     "fixed ignores path and query",
			route:    config.RouteConfig{Mode: config.RouteModeFixed, BaseURL: "http://127.0.0.1:11434/api/chat"},
			subPath:  "ignored",
			rawQuery: "a=1",
			want:     "http://127.0.0.1:11434/api/chat",
		},
		{
			name:    "path joins sub-path",
			route:   config.RouteConfig{Mode: config.RouteModePath, BaseURL: "http://127.0.0.1:8001"},
			subPath: "questionnaire/submit",
			want:    "http://127.0.0.1:8001/questionnaire/submit",
		},
		{
			name:    "trailing slash on base collapses",
			route:   config.RouteConfig{Mode: config.RouteModePath, BaseURL: "http://127.0.0.1:8001/v1/"},
			subPath: "/score",
			want:    "http://127.0.0.1:8001/v1/score",
		},
		{
			name:  "empty sub-path keeps trailing slash",
			route: config.RouteConfig{Mode: config.RouteModePath, BaseURL: "http://127.0.0.1:8001"},
			want:  "http://127.0.0.1:8001/",
		},
		{
			name:     "raw query preserved",
			route:    config.RouteConfig{Mode: config.RouteModePath, BaseURL: "http://py:8000"},
			subPath:  "indicators",
			rawQuery: "symbol=2330.TW&period=1y",
			want:     "http://py:8000/indicators?symbol=2330.TW&period=1y",
		},
		{
			name:     "base query merged",
			route:    config.RouteConfig{Mode: config.RouteModePath, BaseURL: "http://py:8000/api?token=x"},
			subPath:  "indicators",
			rawQuery: "symbol=AAPL",
			want:     "http://py:8000/api/indicators?token=x&symbol=AAPL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildUpstreamURL(tt.route, tt.subPath, tt.rawQuery); got != tt.want {
				t.Errorf("BuildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompactJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"object", "{ \"model\": \"llama3\",\n \"stream\": true }", `{"model":"llama3","stream":true}`, false},
		{"empty", "", "{}", false},
		{"whitespace", "  \n", "{}", false},
		{"array", "[1, 2]", "[1,2]", false},
		{"invalid", "{not json", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compactJSON([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBody) {
					t.Errorf("compactJSON() error = %v, want ErrInvalidBody", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("compactJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("compactJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_PostBody(t *testing.T) {
	var gotMethod, gotBody, gotType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Model", "llama3")
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer upstream.Close()

	svc := newTestService()
	route := config.RouteConfig{Name: "ollama", Mode: config.RouteModeFixed, BaseURL: upstream.URL, Env: "OLLAMA_LOCAL"}

	resp, err := svc.Forward(route, &model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Header: http.Header{},
		Body:   []byte(`{"model": "llama3", "messages": []}`),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if gotType != "application/json" {
		t.Errorf("upstream Content-Type = %q, want application/json", gotType)
	}
	if gotBody != `{"model":"llama3","messages":[]}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if resp.Header.Get("X-Model") != "llama3" {
		t.Errorf("X-Model = %q, want llama3", resp.Header.Get("X-Model"))
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Errorf("Content-Length should be dropped, got %q", resp.Header.Get("Content-Length"))
	}
}

func TestForward_GetSendsNoBody(t *testing.T) {
	var gotLen int64 = -2
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc := newTestService()
	route := config.RouteConfig{Name: "py", Mode: config.RouteModePath, BaseURL: upstream.URL, Env: "PY_API_HOST"}

	resp, err := svc.Forward(route, &model.RelayRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "indicators/AAPL",
		RawQuery: "period=1y",
		Header:   http.Header{},
		Body:     []byte(`{"ignored":true}`),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if gotLen != 0 {
		t.Errorf("upstream ContentLength = %d, want 0", gotLen)
	}
	if gotPath != "/indicators/AAPL" {
		t.Errorf("upstream path = %q, want /indicators/AAPL", gotPath)
	}
	if gotQuery != "period=1y" {
		t.Errorf("upstream query = %q, want period=1y", gotQuery)
	}
}

func TestHasOutboundBody(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{http.MethodGet, false},
		{http.MethodHead, true},
		{http.MethodPost, true},
		{http.MethodPut, true},
		{http.MethodPatch, true},
		{http.MethodDelete, true},
		{"PROPFIND", true},
	}
	for _, tt := range tests {
		if got := hasOutboundBody(tt.method); got != tt.want {
			t.Errorf("hasOutboundBody(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestForward_NotConfigured(t *testing.T) {
	svc := newTestService()

	_, err := svc.Forward(config.RouteConfig{Name: "ollama", Env: "OLLAMA_LOCAL"}, &model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Header: http.Header{},
	})
	if !errors.Is(err, ErrUpstreamNotConfigured) {
		t.Fatalf("Forward() error = %v, want ErrUpstreamNotConfigured", err)
	}
	want := "OLLAMA_LOCAL not set. Please set OLLAMA_LOCAL in your .env"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestForward_InvalidBodyMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc := newTestService()
	route := config.RouteConfig{Name: "psychology", Mode: config.RouteModePath, BaseURL: upstream.URL}

	_, err := svc.Forward(route, &model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Header: http.Header{},
		Body:   []byte("not json"),
	})
	if !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("Forward() error = %v, want ErrInvalidBody", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}
