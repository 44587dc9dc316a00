// Package config loads and validates service configuration: YAML file
// merged over built-in defaults, then process-environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Detection DetectionConfig `yaml:"detection"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AdminPassword and JWTSecret are consumed by the API auth layer.
	AdminPassword string `yaml:"admin_password"`
	JWTSecret     string `yaml:"jwt_secret"`
}

// BrokerConfig selects the queue backend. An empty URL means in-memory
// single-process mode.
type BrokerConfig struct {
	URL string `yaml:"url"`
}

// DetectionConfig holds worker-pool tunables applied on top of the stored
// scheduler configuration at startup.
type DetectionConfig struct {
	ChannelConcurrency   int    `yaml:"channel_concurrency"`
	MaxGlobalConcurrency int    `yaml:"max_global_concurrency"`
	MinJitterMs          int    `yaml:"min_jitter_ms"`
	MaxJitterMs          int    `yaml:"max_jitter_ms"`
	CronSchedule         string `yaml:"cron_schedule"`
}

// RetentionConfig holds check-log retention settings.
type RetentionConfig struct {
	LogRetentionDays int `yaml:"log_retention_days"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Retention: RetentionConfig{LogRetentionDays: 7},
	}
}

// Load builds the effective configuration:
//
//  1. Start from the built-in defaults
//  2. Merge the YAML file (if present) over them
//  3. Apply process-environment overrides
//  4. Validate
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// mergeFile merges a YAML config file over the current values. A missing
// file is not an error; the defaults stand.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No config file found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config file %s: %w", path, err)
	}
	slog.Info("Configuration file loaded", "path", path)
	return nil
}

// applyEnv overlays process-environment overrides.
func applyEnv(cfg *Config) {
	setString(&cfg.Broker.URL, "BROKER_URL")
	setString(&cfg.Server.AdminPassword, "ADMIN_PASSWORD")
	setString(&cfg.Server.JWTSecret, "JWT_SECRET")
	setString(&cfg.Detection.CronSchedule, "CRON_SCHEDULE")
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Detection.ChannelConcurrency, "CHANNEL_CONCURRENCY")
	setInt(&cfg.Detection.MaxGlobalConcurrency, "MAX_GLOBAL_CONCURRENCY")
	setInt(&cfg.Detection.MinJitterMs, "DETECTION_MIN_DELAY_MS")
	setInt(&cfg.Detection.MaxJitterMs, "DETECTION_MAX_DELAY_MS")
	setInt(&cfg.Retention.LogRetentionDays, "LOG_RETENTION_DAYS")
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Detection.MinJitterMs < 0 || c.Detection.MaxJitterMs < 0 {
		return fmt.Errorf("jitter overrides must be non-negative")
	}
	if c.Detection.MaxJitterMs > 0 && c.Detection.MinJitterMs > c.Detection.MaxJitterMs {
		return fmt.Errorf("min jitter override %dms exceeds max %dms",
			c.Detection.MinJitterMs, c.Detection.MaxJitterMs)
	}
	if c.Retention.LogRetentionDays < 1 {
		return fmt.Errorf("log retention must be at least 1 day")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
		return
	}
	*dst = n
}
