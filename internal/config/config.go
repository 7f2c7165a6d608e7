// ABOUTME: Configuration loading and parsing for parley-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-relay configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backend       BackendConfig       `yaml:"backend"`
	Auth          AuthConfig          `yaml:"auth"`
	Tailscale     TailscaleConfig     `yaml:"tailscale"`
	Registry      RegistryConfig      `yaml:"registry"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds relay server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// BackendConfig holds the assistant backend endpoint configuration
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// AuthConfig holds authentication configuration.
// Mode "jwt" verifies bearer tokens with jwt_secret; mode "insecure" trusts
// the client-supplied user id and is intended for development only. The mode
// must be configured: a jwt_secret alone implies "jwt", but insecure mode is
// only ever selected by writing it out.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// RegistryConfig holds assistant catalog refresh timing
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"-"`
	HealthInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RefreshIntervalRaw string `yaml:"refresh_interval"`
	HealthIntervalRaw  string `yaml:"health_interval"`
}

// StreamingConfig holds streaming aggregator limits
type StreamingConfig struct {
	MaxSessions   int           `yaml:"max_sessions"`
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	MaxAge        time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	MaxAgeRaw        string `yaml:"max_age"`
}

// ConversationsConfig holds conversation store tuning
type ConversationsConfig struct {
	PageSize int `yaml:"page_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding fields are absent from the file.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultRefreshInterval = 5 * time.Minute
	DefaultHealthInterval  = time.Minute
	DefaultMaxSessions     = 10
	DefaultIdleTimeout     = 30 * time.Second
	DefaultSweepInterval   = time.Minute
	DefaultMaxAge          = 2 * time.Minute
	DefaultPageSize        = 50
)

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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued tuning fields.
func (c *Config) applyDefaults() {
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = DefaultRequestTimeout
	}
	if c.Registry.RefreshInterval == 0 {
		c.Registry.RefreshInterval = DefaultRefreshInterval
	}
	if c.Registry.HealthInterval == 0 {
		c.Registry.HealthInterval = DefaultHealthInterval
	}
	if c.Streaming.MaxSessions == 0 {
		c.Streaming.MaxSessions = DefaultMaxSessions
	}
	if c.Streaming.IdleTimeout == 0 {
		c.Streaming.IdleTimeout = DefaultIdleTimeout
	}
	if c.Streaming.SweepInterval == 0 {
		c.Streaming.SweepInterval = DefaultSweepInterval
	}
	if c.Streaming.MaxAge == 0 {
		c.Streaming.MaxAge = DefaultMaxAge
	}
	if c.Conversations.PageSize == 0 {
		c.Conversations.PageSize = DefaultPageSize
	}
	// A configured secret implies JWT mode; insecure mode is never inferred,
	// the operator has to write it out.
	if c.Auth.Mode == "" && c.Auth.JWTSecret != "" {
		c.Auth.Mode = "jwt"
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

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}

	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.mode is \"jwt\"")
		}
	case "insecure":
	case "":
		return fmt.Errorf("auth.mode is required: \"jwt\" with a secret, or \"insecure\" opted into explicitly")
	default:
		return fmt.Errorf("auth.mode must be \"jwt\" or \"insecure\", got %q", c.Auth.Mode)
	}

	if c.Streaming.MaxSessions < 1 {
		return fmt.Errorf("streaming.max_sessions must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Backend.RequestTimeoutRaw, &cfg.Backend.RequestTimeout, "backend.request_timeout"},
		{cfg.Registry.RefreshIntervalRaw, &cfg.Registry.RefreshInterval, "registry.refresh_interval"},
		{cfg.Registry.HealthIntervalRaw, &cfg.Registry.HealthInterval, "registry.health_interval"},
		{cfg.Streaming.IdleTimeoutRaw, &cfg.Streaming.IdleTimeout, "streaming.idle_timeout"},
		{cfg.Streaming.SweepIntervalRaw, &cfg.Streaming.SweepInterval, "streaming.sweep_interval"},
		{cfg.Streaming.MaxAgeRaw, &cfg.Streaming.MaxAge, "streaming.max_age"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
