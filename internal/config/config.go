// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by bus.backend and presence.backend.
const (
	BackendLocal = "local"
	BackendNATS  = "nats"
	BackendRedis = "redis"
)

// Database drivers accepted by database.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Typing    TypingConfig    `yaml:"typing" toml:"typing"`
	Messages  MessagesConfig  `yaml:"messages" toml:"messages"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file path
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BusConfig selects the channel bus backend
type BusConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	NATSURL       string `yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// PresenceConfig selects where online counts are kept
type PresenceConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	RedisKey string `yaml:"redis_key" toml:"redis_key"`
}

// TypingConfig holds typing indicator timing
type TypingConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// MessagesConfig holds message limits and page sizes
type MessagesConfig struct {
	MaxContentLength int `yaml:"max_content_length" toml:"max_content_length"`
	DefaultPageSize  int `yaml:"default_page_size" toml:"default_page_size"`
	MaxPageSize      int `yaml:"max_page_size" toml:"max_page_size"`
}

// RealtimeConfig holds websocket connection tuning
type RealtimeConfig struct {
	SendBuffer    int   `yaml:"send_buffer" toml:"send_buffer"`
	MaxFrameBytes int64 `yaml:"max_frame_bytes" toml:"max_frame_bytes"`

	WriteWait  time.Duration `yaml:"-" toml:"-"`
	PongWait   time.Duration `yaml:"-" toml:"-"`
	PingPeriod time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	WriteWaitRaw  string `yaml:"write_wait" toml:"write_wait"`
	PongWaitRaw   string `yaml:"pong_wait" toml:"pong_wait"`
	PingPeriodRaw string `yaml:"ping_period" toml:"ping_period"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

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

// ApplyDefaults fills zero values with the built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = BackendLocal
	}
	if c.Bus.SubjectPrefix == "" {
		c.Bus.SubjectPrefix = "coven.chat"
	}
	if c.Presence.Backend == "" {
		c.Presence.Backend = BackendLocal
	}
	if c.Presence.RedisKey == "" {
		c.Presence.RedisKey = "coven:presence"
	}
	if c.Typing.Timeout == 0 {
		c.Typing.Timeout = 3 * time.Second
	}
	if c.Messages.MaxContentLength == 0 {
		c.Messages.MaxContentLength = 4000
	}
	if c.Messages.DefaultPageSize == 0 {
		c.Messages.DefaultPageSize = 50
	}
	if c.Messages.MaxPageSize == 0 {
		c.Messages.MaxPageSize = 100
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 128
	}
	if c.Realtime.MaxFrameBytes == 0 {
		c.Realtime.MaxFrameBytes = 64 * 1024
	}
	if c.Realtime.WriteWait == 0 {
		c.Realtime.WriteWait = 10 * time.Second
	}
	if c.Realtime.PongWait == 0 {
		c.Realtime.PongWait = 60 * time.Second
	}
	if c.Realtime.PingPeriod == 0 {
		c.Realtime.PingPeriod = c.Realtime.PongWait * 9 / 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Bus.Backend {
	case BackendLocal:
	case BackendNATS:
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("bus.backend %q is not supported (local, nats)", c.Bus.Backend)
	}

	switch c.Presence.Backend {
	case BackendLocal:
	case BackendRedis:
		if c.Presence.RedisURL == "" {
			return fmt.Errorf("presence.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("presence.backend %q is not supported (local, redis)", c.Presence.Backend)
	}

	if c.Typing.Timeout <= 0 {
		return fmt.Errorf("typing.timeout must be positive")
	}

	if c.Messages.DefaultPageSize > c.Messages.MaxPageSize {
		return fmt.Errorf("messages.default_page_size (%d) exceeds messages.max_page_size (%d)",
			c.Messages.DefaultPageSize, c.Messages.MaxPageSize)
	}

	if c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_period must be shorter than realtime.pong_wait")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"typing.timeout", cfg.Typing.TimeoutRaw, &cfg.Typing.Timeout},
		{"realtime.write_wait", cfg.Realtime.WriteWaitRaw, &cfg.Realtime.WriteWait},
		{"realtime.pong_wait", cfg.Realtime.PongWaitRaw, &cfg.Realtime.PongWait},
		{"realtime.ping_period", cfg.Realtime.PingPeriodRaw, &cfg.Realtime.PingPeriod},
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
