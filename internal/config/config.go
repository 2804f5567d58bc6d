// ABOUTME: Configuration loading and parsing for runtime-gateway
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

// Defaults applied to unset fields.
const (
	DefaultNATSURL        = "nats://127.0.0.1:4222"
	DefaultNATSHost       = "127.0.0.1"
	DefaultNATSPort       = 4222
	DefaultRequestTimeout = 5 * time.Second
	DefaultHeartbeatTTL   = 10 * time.Second
	DefaultEphemeralTTL   = 5 * time.Minute
	DefaultDebounceWindow = 100 * time.Millisecond
	DefaultSweepSchedule  = "@every 1m"
	DefaultToolDedupeTTL  = 10 * time.Minute
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Config represents the complete runtime-gateway configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats" toml:"nats"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Runtimes RuntimesConfig `yaml:"runtimes" toml:"runtimes"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// NATSConfig holds bus connection settings
type NATSConfig struct {
	URL string `yaml:"url" toml:"url"`

	// Embedded runs an in-process server; URL is ignored
	Embedded bool   `yaml:"embedded" toml:"embedded"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	StoreDir string `yaml:"store_dir" toml:"store_dir"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RuntimesConfig holds liveness and configuration-push timing
type RuntimesConfig struct {
	HeartbeatTTL   time.Duration `yaml:"-" toml:"-"`
	EphemeralTTL   time.Duration `yaml:"-" toml:"-"`
	DebounceWindow time.Duration `yaml:"-" toml:"-"`
	ToolDedupeTTL  time.Duration `yaml:"-" toml:"-"`

	// SweepSchedule is a cron spec, or "off"
	SweepSchedule string `yaml:"sweep_schedule" toml:"sweep_schedule"`

	// Raw string values for unmarshaling
	HeartbeatTTLRaw   string `yaml:"heartbeat_ttl" toml:"heartbeat_ttl"`
	EphemeralTTLRaw   string `yaml:"ephemeral_ttl" toml:"ephemeral_ttl"`
	DebounceWindowRaw string `yaml:"debounce_window" toml:"debounce_window"`
	ToolDedupeTTLRaw  string `yaml:"tool_dedupe_ttl" toml:"tool_dedupe_ttl"`
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

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration for a single-node gateway with an
// embedded bus, storing its data under dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{
		NATS: NATSConfig{
			Embedded: true,
			StoreDir: filepath.Join(dataDir, "nats"),
		},
		Database: DatabaseConfig{Path: filepath.Join(dataDir, "gateway.db")},
	}
	cfg.applyDefaults()
	cfg.NATS.RequestTimeoutRaw = cfg.NATS.RequestTimeout.String()
	cfg.Runtimes.HeartbeatTTLRaw = cfg.Runtimes.HeartbeatTTL.String()
	cfg.Runtimes.EphemeralTTLRaw = cfg.Runtimes.EphemeralTTL.String()
	cfg.Runtimes.DebounceWindowRaw = cfg.Runtimes.DebounceWindow.String()
	cfg.Runtimes.ToolDedupeTTLRaw = cfg.Runtimes.ToolDedupeTTL.String()
	return cfg
}

// Write saves cfg as YAML to path, creating parent directories.
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
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

func (c *Config) applyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.NATS.Host == "" {
		c.NATS.Host = DefaultNATSHost
	}
	if c.NATS.Port == 0 {
		c.NATS.Port = DefaultNATSPort
	}
	if c.NATS.RequestTimeout == 0 {
		c.NATS.RequestTimeout = DefaultRequestTimeout
	}
	if c.Runtimes.HeartbeatTTL == 0 {
		c.Runtimes.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.Runtimes.EphemeralTTL == 0 {
		c.Runtimes.EphemeralTTL = DefaultEphemeralTTL
	}
	if c.Runtimes.DebounceWindow == 0 {
		c.Runtimes.DebounceWindow = DefaultDebounceWindow
	}
	if c.Runtimes.ToolDedupeTTL == 0 {
		c.Runtimes.ToolDedupeTTL = DefaultToolDedupeTTL
	}
	if c.Runtimes.SweepSchedule == "" {
		c.Runtimes.SweepSchedule = DefaultSweepSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required (or enable nats.embedded)")
	}
	if c.NATS.Embedded && (c.NATS.Port < -1 || c.NATS.Port > 65535) {
		return fmt.Errorf("nats.port %d is out of range", c.NATS.Port)
	}

	if c.Runtimes.HeartbeatTTL < 0 || c.Runtimes.EphemeralTTL < 0 || c.Runtimes.DebounceWindow < 0 {
		return fmt.Errorf("runtimes durations must not be negative")
	}
	if c.Runtimes.DebounceWindow >= c.Runtimes.HeartbeatTTL {
		return fmt.Errorf("runtimes.debounce_window (%s) must be shorter than runtimes.heartbeat_ttl (%s)",
			c.Runtimes.DebounceWindow, c.Runtimes.HeartbeatTTL)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
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
		{"nats.request_timeout", cfg.NATS.RequestTimeoutRaw, &cfg.NATS.RequestTimeout},
		{"runtimes.heartbeat_ttl", cfg.Runtimes.HeartbeatTTLRaw, &cfg.Runtimes.HeartbeatTTL},
		{"runtimes.ephemeral_ttl", cfg.Runtimes.EphemeralTTLRaw, &cfg.Runtimes.EphemeralTTL},
		{"runtimes.debounce_window", cfg.Runtimes.DebounceWindowRaw, &cfg.Runtimes.DebounceWindow},
		{"runtimes.tool_dedupe_ttl", cfg.Runtimes.ToolDedupeTTLRaw, &cfg.Runtimes.ToolDedupeTTL},
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
