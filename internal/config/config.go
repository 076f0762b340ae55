// ABOUTME: Configuration loading and parsing for cardbox-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cardbox-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address and host filtering configuration
type ServerConfig struct {
	HTTPAddr     string   `yaml:"http_addr"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// UpstreamConfig holds the content API connection and credentials
type UpstreamConfig struct {
	BaseURL     string            `yaml:"base_url"`
	Issuer      string            `yaml:"issuer"`
	Credentials CredentialsConfig `yaml:"credentials"`

	JWKSTTL    time.Duration `yaml:"-"`
	JWKSTTLRaw string        `yaml:"jwks_ttl"`
}

// CredentialsConfig holds exactly one upstream credential shape:
// username/password (role optional) or api_key with role.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
	APIKey   string `yaml:"api_key"`
}

// SessionsConfig holds session lifecycle tuning
type SessionsConfig struct {
	TTL               time.Duration `yaml:"-"`
	KeepAliveInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TTLRaw               string `yaml:"ttl"`
	KeepAliveIntervalRaw string `yaml:"keep_alive_interval"`
}

// AuditConfig holds audit event store configuration
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if len(c.Server.AllowedHosts) == 0 {
		return fmt.Errorf("server.allowed_hosts must list at least one host")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}

	if err := c.Upstream.Credentials.validate(); err != nil {
		return err
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}

	return nil
}

// validate enforces the one-of credential shape.
func (cc *CredentialsConfig) validate() error {
	hasPassword := cc.Username != "" || cc.Password != ""
	hasAPIKey := cc.APIKey != ""

	switch {
	case hasPassword && hasAPIKey:
		return fmt.Errorf("upstream.credentials: username/password and api_key are mutually exclusive")
	case hasAPIKey:
		if cc.Role == "" {
			return fmt.Errorf("upstream.credentials.role is required with api_key")
		}
	case hasPassword:
		if cc.Username == "" || cc.Password == "" {
			return fmt.Errorf("upstream.credentials: username and password must both be set")
		}
	default:
		return fmt.Errorf("upstream.credentials: either username/password or api_key is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Upstream.JWKSTTLRaw != "" {
		cfg.Upstream.JWKSTTL, err = time.ParseDuration(cfg.Upstream.JWKSTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing jwks_ttl %q: %w", cfg.Upstream.JWKSTTLRaw, err)
		}
	}

	if cfg.Sessions.TTLRaw != "" {
		cfg.Sessions.TTL, err = time.ParseDuration(cfg.Sessions.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.ttl %q: %w", cfg.Sessions.TTLRaw, err)
		}
	}

	if cfg.Sessions.KeepAliveIntervalRaw != "" {
		cfg.Sessions.KeepAliveInterval, err = time.ParseDuration(cfg.Sessions.KeepAliveIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.keep_alive_interval %q: %w", cfg.Sessions.KeepAliveIntervalRaw, err)
		}
	}

	return nil
}
