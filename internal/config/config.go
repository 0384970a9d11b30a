// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/routing-proxy/config.toml",
	"configs/config.toml",
}

// ReservedPrefix is the path prefix served locally and never forwarded upstream.
const ReservedPrefix = "/_proxy"

// Default upstream names and addresses of the reference deployment.
const (
	DefaultWriteUpstream = "provider"
	DefaultReadUpstream  = "indexstar"
)

var defaultUpstreams = map[string]string{
	DefaultWriteUpstream: "http://127.0.0.1:9999",
	DefaultReadUpstream:  "http://127.0.0.1:7777",
	"storetheindex":      "http://127.0.0.1:3000",
}

var defaultListeners = []ListenerConfig{
	{Name: "operator", Port: 8888},
	{Name: "public", Port: 80},
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Listen        []string         `kong:"short='l',help='Listen addresses host:port (replaces configured listeners).',env='LISTEN'"`
	WriteUpstream string           `kong:"help='Base URL of the write (PUT) upstream (overrides config).',env='WRITE_UPSTREAM_URL'"`
	ReadUpstream  string           `kong:"help='Base URL of the read upstream (overrides config).',env='READ_UPSTREAM_URL'"`
	Debug         bool             `kong:"short='d',help='Log request and response bodies.',env='DEBUG'"`
	LogLevel      string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version       kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Upstreams map[string]UpstreamConfig `toml:"upstreams"`
	Routing   RoutingConfig             `toml:"routing"`
	Proxy     ProxyConfig               `toml:"proxy"`
	Log       LogConfig                 `toml:"log"`
	Metrics   MetricsConfig             `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds settings shared by every listener.
type ServerConfig struct {
	Listeners        []ListenerConfig `toml:"listeners"`
	KeepAliveSeconds int              `toml:"keep_alive_seconds"`
	BodyMaxBytes     int64            `toml:"body_max_bytes"` // 0 means unlimited
}

// ListenerConfig describes one bound socket.
type ListenerConfig struct {
	Name string `toml:"name"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// UpstreamConfig describes one named backend.
type UpstreamConfig struct {
	BaseURL string `toml:"base_url"`
}

// RoutingConfig names the upstreams the dispatcher selects between.
type RoutingConfig struct {
	WriteUpstream string `toml:"write_upstream"`
	ReadUpstream  string `toml:"read_upstream"`
}

// ProxyConfig holds forwarding settings.
type ProxyConfig struct {
	TimeoutSeconds         int      `toml:"timeout_seconds"` // 0 means no timeout
	IdleConnections        int      `toml:"idle_connections"`
	StripForwardingHeaders bool     `toml:"strip_forwarding_headers"`
	StripHeaders           []string `toml:"strip_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Verbose bool   `toml:"verbose"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/routing-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: flags: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if len(cli.Listen) > 0 {
		c.Server.Listeners = c.Server.Listeners[:0]
		for i, addr := range cli.Listen {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("listen address %q: %w", addr, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("listen address %q: invalid port", addr)
			}
			c.Server.Listeners = append(c.Server.Listeners, ListenerConfig{
				Name: fmt.Sprintf("listen-%d", i),
				Host: host,
				Port: port,
			})
		}
	}
	if cli.WriteUpstream != "" {
		c.setUpstream(c.Routing.WriteUpstream, DefaultWriteUpstream, cli.WriteUpstream)
	}
	if cli.ReadUpstream != "" {
		c.setUpstream(c.Routing.ReadUpstream, DefaultReadUpstream, cli.ReadUpstream)
	}
	if cli.Debug {
		c.Log.Verbose = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	return nil
}

// setUpstream points the named upstream (or fallback when unnamed) at baseURL.
func (c *Config) setUpstream(name, fallback, baseURL string) {
	if name == "" {
		name = fallback
	}
	if c.Upstreams == nil {
		c.Upstreams = make(map[string]UpstreamConfig)
	}
	c.Upstreams[name] = UpstreamConfig{BaseURL: baseURL}
}

func (c *Config) validate() error {
	// Listeners.
	if len(c.Server.Listeners) == 0 {
		return fmt.Errorf("server.listeners must not be empty")
	}
	seen := make(map[string]bool, len(c.Server.Listeners))
	for _, l := range c.Server.Listeners {
		if l.Port < 1 || l.Port > 65535 {
			return fmt.Errorf("server.listeners[%s].port must be 1–65535; got %d", l.Name, l.Port)
		}
		if seen[l.Name] {
			return fmt.Errorf("server.listeners: duplicate name %q", l.Name)
		}
		seen[l.Name] = true
	}
	if c.Server.KeepAliveSeconds < 0 {
		return fmt.Errorf("server.keep_alive_seconds must be non-negative; got %d", c.Server.KeepAliveSeconds)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}

	// Upstreams: absolute http(s) URLs without query or fragment.
	for name, up := range c.Upstreams {
		if up.BaseURL == "" {
			return fmt.Errorf("upstreams.%s.base_url is required", name)
		}
		u, err := url.Parse(up.BaseURL)
		if err != nil {
			return fmt.Errorf("upstreams.%s.base_url is not a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstreams.%s.base_url must use http or https; got %q", name, up.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstreams.%s.base_url has no host; got %q", name, up.BaseURL)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("upstreams.%s.base_url must not carry a query or fragment; got %q", name, up.BaseURL)
		}
	}
	if _, ok := c.Upstreams[c.Routing.WriteUpstream]; !ok {
		return fmt.Errorf("routing.write_upstream %q is not a configured upstream", c.Routing.WriteUpstream)
	}
	if _, ok := c.Upstreams[c.Routing.ReadUpstream]; !ok {
		return fmt.Errorf("routing.read_upstream %q is not a configured upstream", c.Routing.ReadUpstream)
	}

	// Proxy.
	if c.Proxy.TimeoutSeconds < 0 {
		return fmt.Errorf("proxy.timeout_seconds must be non-negative; got %d", c.Proxy.TimeoutSeconds)
	}
	if c.Proxy.IdleConnections < 0 {
		return fmt.Errorf("proxy.idle_connections must be non-negative; got %d", c.Proxy.IdleConnections)
	}
	for _, h := range c.Proxy.StripHeaders {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("proxy.strip_headers must not contain empty names")
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// The metrics endpoint is local, so it must live under the reserved prefix.
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if !strings.HasPrefix(p, ReservedPrefix+"/") {
			return fmt.Errorf("metrics.path must start with %q; got %q", ReservedPrefix+"/", p)
		}
		for _, reserved := range []string{HealthPath, StatusPath} {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// Local operator routes.
const (
	HealthPath = ReservedPrefix + "/healthz"
	StatusPath = ReservedPrefix + "/status"
)

// setDefaults fills zero-valued fields with the reference deployment's values.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key; timeout_seconds and body_max_bytes keep 0
// because 0 is their meaningful default (disabled).
func (c *Config) setDefaults() {
	if len(c.Server.Listeners) == 0 {
		c.Server.Listeners = append([]ListenerConfig(nil), defaultListeners...)
	}
	for i := range c.Server.Listeners {
		l := &c.Server.Listeners[i]
		if l.Name == "" {
			l.Name = fmt.Sprintf("listener-%d", i)
		}
	}
	if c.Server.KeepAliveSeconds == 0 {
		c.Server.KeepAliveSeconds = 60
	}
	if c.Upstreams == nil {
		c.Upstreams = make(map[string]UpstreamConfig, len(defaultUpstreams))
	}
	if c.Routing.WriteUpstream == "" {
		c.Routing.WriteUpstream = DefaultWriteUpstream
	}
	if c.Routing.ReadUpstream == "" {
		c.Routing.ReadUpstream = DefaultReadUpstream
	}
	// Only the routed names fall back to built-in addresses; an explicit
	// [upstreams] table otherwise stays as written.
	for _, name := range []string{c.Routing.WriteUpstream, c.Routing.ReadUpstream} {
		if _, ok := c.Upstreams[name]; !ok {
			if addr, known := defaultUpstreams[name]; known {
				c.Upstreams[name] = UpstreamConfig{BaseURL: addr}
			}
		}
	}
	if c.filePath == "" {
		for name, addr := range defaultUpstreams {
			if _, ok := c.Upstreams[name]; !ok {
				c.Upstreams[name] = UpstreamConfig{BaseURL: addr}
			}
		}
	}
	if c.Proxy.IdleConnections == 0 {
		c.Proxy.IdleConnections = 100
	}
	for i, h := range c.Proxy.StripHeaders {
		c.Proxy.StripHeaders[i] = http.CanonicalHeaderKey(strings.TrimSpace(h))
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "/metrics"
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

// Addr returns the listen address as host:port.
func (l ListenerConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// KeepAlive returns the idle keep-alive timeout for client connections.
func (c *ServerConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// Timeout returns the upstream request timeout; zero disables it.
func (c *ProxyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
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
