// ABOUTME: Configuration loading and parsing for clawhost
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete clawhost configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Relay     RelayConfig     `yaml:"relay"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	CORS      CORSConfig      `yaml:"cors"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve TLS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// ExchangeURL is the upstream OAuth endpoint that turns a session_id
	// into user profile data.
	ExchangeURL string `yaml:"exchange_url"`

	// JWTSecret enables signed API tokens as an alternative bearer
	// credential. Empty disables JWT verification (cookie sessions only).
	JWTSecret string `yaml:"jwt_secret"`

	SessionDuration    time.Duration `yaml:"-"`
	SessionDurationRaw string        `yaml:"session_duration"`

	CookieSecureRaw *bool  `yaml:"cookie_secure"`
	CookieSameSite  string `yaml:"cookie_samesite"`
}

// GatewayConfig holds settings for the supervised gateway process
type GatewayConfig struct {
	// Program is the supervisor program name for the gateway
	Program string `yaml:"program"`

	// Port is the gateway's own bind port (health checks, relay target)
	Port int `yaml:"port"`

	// ConfigDir holds the gateway's runtime config file and secret env file
	ConfigDir string `yaml:"config_dir"`

	// WorkspaceDir is the default agent workspace written into the runtime config
	WorkspaceDir string `yaml:"workspace_dir"`

	StartTimeout    time.Duration `yaml:"-"`
	StartTimeoutRaw string        `yaml:"start_timeout"`
}

// RelayConfig bounds websocket relay sessions
type RelayConfig struct {
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
}

// RateLimitConfig holds the per-endpoint rate gate settings
type RateLimitConfig struct {
	Auth  RateGateConfig `yaml:"auth"`
	Start RateGateConfig `yaml:"start"`
}

// RateGateConfig is one sliding-window gate: MaxRequests per WindowSeconds
type RateGateConfig struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// CORSConfig holds allowed cross-origin settings
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// WatcherConfig holds the messaging credential repair watcher settings
type WatcherConfig struct {
	Enabled   bool   `yaml:"enabled"`
	CredsPath string `yaml:"creds_path"`

	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible defaults when omitted.
func (c *Config) applyDefaults() {
	if c.Gateway.Program == "" {
		c.Gateway.Program = "clawdbot-gateway"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 18789
	}
	if c.Gateway.ConfigDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Gateway.ConfigDir = filepath.Join(home, ".clawdbot")
		}
	}
	if c.Gateway.WorkspaceDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Gateway.WorkspaceDir = filepath.Join(home, "clawd")
		}
	}
	if c.Gateway.StartTimeoutRaw == "" {
		c.Gateway.StartTimeoutRaw = "60s"
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 1 << 20 // 1MB
	}
	if c.Relay.IdleTimeoutRaw == "" {
		c.Relay.IdleTimeoutRaw = "30m"
	}
	if c.Auth.SessionDurationRaw == "" {
		c.Auth.SessionDurationRaw = "168h" // 7 days
	}
	if c.Auth.CookieSameSite == "" {
		c.Auth.CookieSameSite = "lax"
	}
	if c.RateLimit.Auth.MaxRequests == 0 {
		c.RateLimit.Auth = RateGateConfig{MaxRequests: 10, WindowSeconds: 60}
	}
	if c.RateLimit.Start.MaxRequests == 0 {
		c.RateLimit.Start = RateGateConfig{MaxRequests: 5, WindowSeconds: 60}
	}
	if c.Watcher.IntervalRaw == "" {
		c.Watcher.IntervalRaw = "5s"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.ExchangeURL == "" {
		return fmt.Errorf("auth.exchange_url is required")
	}

	switch strings.ToLower(c.Auth.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("auth.cookie_samesite must be one of lax, strict, none, got %q", c.Auth.CookieSameSite)
	}

	if c.Watcher.Enabled && c.Watcher.CredsPath == "" {
		return fmt.Errorf("watcher.creds_path is required when the watcher is enabled")
	}

	// The API uses credentialed requests; a wildcard origin would disable
	// the browser's CORS protection entirely.
	for _, origin := range c.CORS.Origins {
		if origin == "*" {
			return fmt.Errorf("cors.origins must not contain %q with credentialed requests", "*")
		}
	}

	return nil
}

// CookieSecure reports whether session cookies should carry the Secure flag.
// Defaults to true unless explicitly disabled (local development).
func (c *AuthConfig) CookieSecure() bool {
	if c.CookieSecureRaw != nil {
		return *c.CookieSecureRaw
	}
	return true
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.StartTimeoutRaw != "" {
		cfg.Gateway.StartTimeout, err = time.ParseDuration(cfg.Gateway.StartTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing gateway.start_timeout %q: %w", cfg.Gateway.StartTimeoutRaw, err)
		}
	}

	if cfg.Relay.IdleTimeoutRaw != "" {
		cfg.Relay.IdleTimeout, err = time.ParseDuration(cfg.Relay.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing relay.idle_timeout %q: %w", cfg.Relay.IdleTimeoutRaw, err)
		}
	}

	if cfg.Auth.SessionDurationRaw != "" {
		cfg.Auth.SessionDuration, err = time.ParseDuration(cfg.Auth.SessionDurationRaw)
		if err != nil {
			return fmt.Errorf("parsing auth.session_duration %q: %w", cfg.Auth.SessionDurationRaw, err)
		}
	}

	if cfg.Watcher.IntervalRaw != "" {
		cfg.Watcher.Interval, err = time.ParseDuration(cfg.Watcher.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing watcher.interval %q: %w", cfg.Watcher.IntervalRaw, err)
		}
	}

	return nil
}
