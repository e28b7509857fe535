package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults in ApplyDefaults.
type Config struct {
	Addr         string         `json:"addr" yaml:"addr" toml:"addr"`
	PluginsDir   string         `json:"plugins_dir" yaml:"plugins_dir" toml:"plugins_dir"`
	LogLevel     string         `json:"log_level" yaml:"log_level" toml:"log_level"`
	AutoDiscover bool           `json:"auto_discover" yaml:"auto_discover" toml:"auto_discover"`
	Database     DatabaseConfig `json:"database" yaml:"database" toml:"database"`
	Events       EventsConfig   `json:"events" yaml:"events" toml:"events"`
	Settings     SettingsConfig `json:"settings" yaml:"settings" toml:"settings"`
	HTTP         HTTPConfig     `json:"http" yaml:"http" toml:"http"`
	Kafka        KafkaConfig    `json:"kafka" yaml:"kafka" toml:"kafka"`
}

// DatabaseConfig selects the gorm dialector. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

// EventsConfig tunes the event bus and its audit trail.
type EventsConfig struct {
	// HandlerTimeout is a Go duration string, e.g. "5s".
	HandlerTimeout    string `json:"handler_timeout" yaml:"handler_timeout" toml:"handler_timeout"`
	Audit             *bool  `json:"audit,omitempty" yaml:"audit,omitempty" toml:"audit,omitempty"`
	RetentionDays     int    `json:"retention_days" yaml:"retention_days" toml:"retention_days"`
	RetentionSchedule string `json:"retention_schedule" yaml:"retention_schedule" toml:"retention_schedule"`
}

// SettingsConfig tunes the module settings store.
type SettingsConfig struct {
	// CacheTTL bounds how stale a cached module status may be. Empty disables caching.
	CacheTTL string `json:"cache_ttl" yaml:"cache_ttl" toml:"cache_ttl"`
}

// HTTPConfig holds HTTP server knobs.
type HTTPConfig struct {
	MaxBodyBytes int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
}

// CORSConfig is opt-in; nothing is installed unless Enabled.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// KafkaConfig enables forwarding of emissions when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	audit := true
	return Config{
		Addr:       ":8080",
		PluginsDir: "./plugins",
		LogLevel:   "info",
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "loginus.db"},
		Events: EventsConfig{
			HandlerTimeout:    "5s",
			Audit:             &audit,
			RetentionDays:     30,
			RetentionSchedule: "@daily",
		},
		HTTP:  HTTPConfig{MaxBodyBytes: 1 << 20},
		Kafka: KafkaConfig{Topic: "loginus.events"},
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadOrDefault loads path when non-empty, then applies env overrides and defaults.
func LoadOrDefault(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		c, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from LOGINUS_* environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("LOGINUS_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("LOGINUS_PLUGINS_DIR"); v != "" {
		cfg.PluginsDir = v
	}
	if v := os.Getenv("LOGINUS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LOGINUS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LOGINUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// ApplyDefaults fills zero values from Defaults.
func ApplyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = d.PluginsDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = d.Database.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = d.Database.DSN
	}
	if cfg.Events.HandlerTimeout == "" {
		cfg.Events.HandlerTimeout = d.Events.HandlerTimeout
	}
	if cfg.Events.Audit == nil {
		cfg.Events.Audit = d.Events.Audit
	}
	if cfg.Events.RetentionSchedule == "" {
		cfg.Events.RetentionSchedule = d.Events.RetentionSchedule
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = d.HTTP.MaxBodyBytes
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = d.Kafka.Topic
	}
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if _, err := c.HandlerTimeout(); err != nil {
		return err
	}
	if _, err := c.CacheTTL(); err != nil {
		return err
	}
	if c.Events.RetentionDays < 0 {
		return fmt.Errorf("events.retention_days must be >= 0")
	}
	return nil
}

// HandlerTimeout parses Events.HandlerTimeout; empty means 0.
func (c Config) HandlerTimeout() (time.Duration, error) {
	return parseDuration("events.handler_timeout", c.Events.HandlerTimeout)
}

// CacheTTL parses Settings.CacheTTL; empty means caching is off.
func (c Config) CacheTTL() (time.Duration, error) {
	return parseDuration("settings.cache_ttl", c.Settings.CacheTTL)
}

// AuditEnabled reports whether emissions are persisted to event_logs.
func (c Config) AuditEnabled() bool {
	return c.Events.Audit == nil || *c.Events.Audit
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
