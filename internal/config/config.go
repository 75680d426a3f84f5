// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/finbridge/config.toml",
	"configs/config.toml",
}

// Relay route modes.
const (
	// RouteModeFixed sends every request to base_url verbatim.
	RouteModeFixed = "fixed"
	// RouteModePath appends the request path below the route prefix to base_url.
	RouteModePath = "path"
)

// Runner modes.
const (
	// RunnerModeStream republishes output lines as server-sent events.
	RunnerModeStream = "stream"
	// RunnerModeBuffered collects output and replies once the process exits.
	RunnerModeBuffered = "buffered"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config            string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host              string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port              int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel          string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	OllamaLocal       string `kong:"help='Ollama endpoint used by the ollama relay route.',env='OLLAMA_LOCAL'"`
	PsychologyAPIBase string `kong:"help='Base URL of the psychology API relay route.',env='PSYCHOLOGY_API_BASE'"`
	PyAPIHost         string `kong:"help='Base URL of the Python analytics API relay route.',env='PY_API_HOST'"`
	ScriptsDir        string `kong:"help='Directory holding the analysis scripts (overrides config).',env='SCRIPTS_DIR'"`
	Python            string `kong:"help='Python interpreter used to run analysis scripts (overrides config).',env='PYTHON_BIN'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Relay   RelayConfig   `toml:"relay"`
	Runner  RunnerConfig  `toml:"runner"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RelayConfig holds upstream connection settings shared by all relay routes.
type RelayConfig struct {
	// TimeoutSeconds bounds a whole upstream exchange, body included.
	// 0 disables the timeout so long model streams are never cut off.
	TimeoutSeconds  int           `toml:"timeout_seconds"`
	IdleConnections int           `toml:"idle_connections"`
	Routes          []RouteConfig `toml:"routes"`
}

// RouteConfig describes one relay mount point.
type RouteConfig struct {
	Name         string `toml:"name"`
	Prefix       string `toml:"prefix"`
	Mode         string `toml:"mode"`
	BaseURL      string `toml:"base_url"`
	Env          string `toml:"env"` // environment variable that supplies base_url
	AggregateSSE bool   `toml:"aggregate_sse"`
}

// RunnerConfig holds analysis script settings.
type RunnerConfig struct {
	Python     string `toml:"python"`
	ScriptsDir string `toml:"scripts_dir"`
	// MaxConcurrent caps simultaneously running scripts; 0 means unlimited.
	MaxConcurrent int `toml:"max_concurrent"`
	// TimeoutSeconds bounds a single run; 0 means no limit.
	TimeoutSeconds int          `toml:"timeout_seconds"`
	Runners        []RunnerSpec `toml:"runners"`
}

// RunnerSpec describes one analysis endpoint backed by a script.
type RunnerSpec struct {
	Name             string   `toml:"name"`
	Path             string   `toml:"path"`
	Script           string   `toml:"script"`
	Mode             string   `toml:"mode"`
	Methods          []string `toml:"methods"`
	Args             []string `toml:"args"`     // interpreter arguments placed before the script
	Tokenize         bool     `toml:"tokenize"` // split the symbol into several targets
	KeepaliveSeconds int      `toml:"keepalive_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/finbridge/config.toml then configs/config.toml and falls back to the
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.setDefaults()
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.ScriptsDir != "" {
		c.Runner.ScriptsDir = cli.ScriptsDir
	}
	if cli.Python != "" {
		c.Runner.Python = cli.Python
	}

	byEnv := map[string]string{
		"OLLAMA_LOCAL":        cli.OllamaLocal,
		"PSYCHOLOGY_API_BASE": cli.PsychologyAPIBase,
		"PY_API_HOST":         cli.PyAPIHost,
	}
	for i := range c.Relay.Routes {
		if v := strings.TrimSpace(byEnv[c.Relay.Routes[i].Env]); v != "" {
			c.Relay.Routes[i].BaseURL = v
		}
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Relay.TimeoutSeconds < 0 {
		return fmt.Errorf("relay.timeout_seconds must be non-negative; got %d", c.Relay.TimeoutSeconds)
	}
	if c.Relay.IdleConnections < 0 {
		return fmt.Errorf("relay.idle_connections must be non-negative; got %d", c.Relay.IdleConnections)
	}
	if c.Runner.MaxConcurrent < 0 {
		return fmt.Errorf("runner.max_concurrent must be non-negative; got %d", c.Runner.MaxConcurrent)
	}
	if c.Runner.TimeoutSeconds < 0 {
		return fmt.Errorf("runner.timeout_seconds must be non-negative; got %d", c.Runner.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateRunners(); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.reservedPaths() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	seen := make(map[string]bool)
	for i, r := range c.Relay.Routes {
		if r.Name == "" {
			return fmt.Errorf("relay.routes[%d].name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("relay.routes[%d].name %q is duplicated", i, r.Name)
		}
		seen[r.Name] = true

		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("relay route %q: prefix must start with '/'; got %q", r.Name, r.Prefix)
		}
		switch r.Mode {
		case RouteModeFixed, RouteModePath:
		default:
			return fmt.Errorf("relay route %q: mode must be one of: fixed, path; got %q", r.Name, r.Mode)
		}

		// An empty base_url is allowed: the route answers 500 until it is set.
		if r.BaseURL == "" {
			continue
		}
		u, err := url.Parse(r.BaseURL)
		if err != nil {
			return fmt.Errorf("relay route %q: base_url is not a valid URL: %w", r.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("relay route %q: base_url must use http or https; got %q", r.Name, r.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("relay route %q: base_url has no host; got %q", r.Name, r.BaseURL)
		}
	}
	return nil
}

func (c *Config) validateRunners() error {
	seen := make(map[string]bool)
	for i, r := range c.Runner.Runners {
		if r.Name == "" {
			return fmt.Errorf("runner.runners[%d].name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("runner.runners[%d].name %q is duplicated", i, r.Name)
		}
		seen[r.Name] = true

		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("runner %q: path must start with '/'; got %q", r.Name, r.Path)
		}
		if r.Script == "" {
			return fmt.Errorf("runner %q: script is required", r.Name)
		}
		if filepath.IsAbs(r.Script) || strings.HasPrefix(filepath.Clean(r.Script), "..") {
			return fmt.Errorf("runner %q: script must be relative to runner.scripts_dir; got %q", r.Name, r.Script)
		}
		switch r.Mode {
		case RunnerModeStream, RunnerModeBuffered:
		default:
			return fmt.Errorf("runner %q: mode must be one of: stream, buffered; got %q", r.Name, r.Mode)
		}
		for _, m := range r.Methods {
			if m != http.MethodGet && m != http.MethodPost {
				return fmt.Errorf("runner %q: methods may only contain GET and POST; got %q", r.Name, m)
			}
		}
		if r.KeepaliveSeconds < 0 {
			return fmt.Errorf("runner %q: keepalive_seconds must be non-negative; got %d", r.Name, r.KeepaliveSeconds)
		}
	}
	return nil
}

// reservedPaths lists the fixed routes plus every configured mount point.
func (c *Config) reservedPaths() []string {
	paths := []string{"/healthz", "/bridge/status", "/api/ws"}
	for _, r := range c.Relay.Routes {
		paths = append(paths, r.Prefix)
	}
	for _, r := range c.Runner.Runners {
		paths = append(paths, r.Path)
	}
	return paths
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Relay.IdleConnections == 0 {
		c.Relay.IdleConnections = 100
	}
	if len(c.Relay.Routes) == 0 {
		c.Relay.Routes = DefaultRoutes()
	}
	for i := range c.Relay.Routes {
		if c.Relay.Routes[i].Mode == "" {
			c.Relay.Routes[i].Mode = RouteModePath
		}
	}
	if c.Runner.Python == "" {
		c.Runner.Python = "python"
	}
	if c.Runner.ScriptsDir == "" {
		c.Runner.ScriptsDir = "public/python-app"
	}
	if len(c.Runner.Runners) == 0 {
		c.Runner.Runners = DefaultRunners()
	}
	for i := range c.Runner.Runners {
		r := &c.Runner.Runners[i]
		if r.Mode == "" {
			r.Mode = RunnerModeStream
		}
		if len(r.Methods) == 0 {
			if r.Mode == RunnerModeBuffered {
				r.Methods = []string{http.MethodPost}
			} else {
				r.Methods = []string{http.MethodGet}
			}
		}
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(m)
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// DefaultRoutes returns the relay routes served when the config declares none.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Name: "ollama", Prefix: "/api/ollama-proxy", Mode: RouteModeFixed, Env: "OLLAMA_LOCAL"},
		{Name: "psychology", Prefix: "/api/psychology", Mode: RouteModePath, Env: "PSYCHOLOGY_API_BASE"},
		{Name: "py", Prefix: "/api/py", Mode: RouteModePath, Env: "PY_API_HOST"},
	}
}

// DefaultRunners returns the analysis endpoints served when the config declares none.
func DefaultRunners() []RunnerSpec {
	return []RunnerSpec{
		{
			Name:     "technical-indicators",
			Path:     "/api/test/run-python",
			Script:   "Technical-Indicators/main.py",
			Mode:     RunnerModeStream,
			Methods:  []string{http.MethodGet},
			Args:     []string{"-u"},
			Tokenize: true,
		},
		{
			Name:    "trade-signals",
			Path:    "/api/trade-signals",
			Script:  "Trade-Signals/analyze_signals.py",
			Mode:    RunnerModeBuffered,
			Methods: []string{http.MethodPost},
		},
		{
			Name:             "trade-signals-stream",
			Path:             "/api/test/trade-signals",
			Script:           "Trade-Signals/analyze_signals.py",
			Mode:             RunnerModeStream,
			Methods:          []string{http.MethodGet, http.MethodPost},
			Args:             []string{"-u"},
			KeepaliveSeconds: 15,
		},
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Spec returns the runner with the given name.
func (c *RunnerConfig) Spec(name string) (RunnerSpec, bool) {
	for _, r := range c.Runners {
		if r.Name == name {
			return r, true
		}
	}
	return RunnerSpec{}, false
}

// Allows reports whether the runner accepts the given HTTP method.
func (s RunnerSpec) Allows(method string) bool {
	for _, m := range s.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnUnconfigured logs every relay route that has no upstream yet.
// Such routes still mount and answer 500 until the variable is set.
func (c *Config) WarnUnconfigured(logger *slog.Logger) {
	for _, r := range c.Relay.Routes {
		if r.BaseURL == "" {
			logger.Warn("relay route has no upstream; requests will fail until it is set",
				"route", r.Name,
				"env", r.Env,
			)
		}
	}
}
