// Package config provides configuration management for orchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for orchd.
type Config struct {
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Models  ModelsConfig  `mapstructure:"models"`
	Context ContextConfig `mapstructure:"context"`
	State   StateConfig   `mapstructure:"state"`
	NATS    NATSConfig    `mapstructure:"nats"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BridgeConfig holds the loopback bridge server configuration.
type BridgeConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"` // 0 = OS-assigned
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"`
	Token            string `mapstructure:"token"` // empty = generated per process
}

// RuntimeConfig describes how to reach and spawn the agent runtime.
type RuntimeConfig struct {
	Binary                 string `mapstructure:"binary"`    // agent runtime executable
	SharedURL              string `mapstructure:"sharedUrl"` // shared runtime for subagent workers
	SpawnTimeoutSec        int    `mapstructure:"spawnTimeoutSec"`
	HealthCheckIntervalSec int    `mapstructure:"healthCheckIntervalSec"`
	ShutdownGraceSec       int    `mapstructure:"shutdownGraceSec"`
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers        int    `mapstructure:"maxWorkers"`
	PortBase          int    `mapstructure:"portBase"` // range for profile-pinned ports
	PortMax           int    `mapstructure:"portMax"`
	LockDir           string `mapstructure:"lockDir"`
	LockTimeoutSec    int    `mapstructure:"lockTimeoutSec"`
	StaleLockGraceSec int    `mapstructure:"staleLockGraceSec"`
}

// ModelsConfig mirrors the agent runtime's default model configuration.
type ModelsConfig struct {
	Default string `mapstructure:"default"` // canonical provider/model
	Small   string `mapstructure:"small"`   // low-latency model for auto:fast
}

// ContextConfig bounds what the facade injects into the host session.
type ContextConfig struct {
	SystemContextMaxWorkers int `mapstructure:"systemContextMaxWorkers"`
	MaxToolInputBytes       int `mapstructure:"maxToolInputBytes"`
	MaxToolOutputBytes      int `mapstructure:"maxToolOutputBytes"`
}

// StateConfig points at the UI layer's preference snapshot (read-only here).
type StateConfig struct {
	SnapshotPath string `mapstructure:"snapshotPath"`
}

// NATSConfig holds the optional NATS event mirror configuration.
// An empty URL disables the mirror; the in-memory broker is always used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MCPConfig holds the host-facing Task API transport configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RequestTimeout returns the bridge request timeout as a time.Duration.
func (b *BridgeConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMs) * time.Millisecond
}

// SpawnTimeout returns the spawn timeout as a time.Duration.
func (r *RuntimeConfig) SpawnTimeout() time.Duration {
	return time.Duration(r.SpawnTimeoutSec) * time.Second
}

// HealthCheckInterval returns the health check interval as a time.Duration.
func (r *RuntimeConfig) HealthCheckInterval() time.Duration {
	return time.Duration(r.HealthCheckIntervalSec) * time.Second
}

// ShutdownGrace returns the SIGTERM grace period as a time.Duration.
func (r *RuntimeConfig) ShutdownGrace() time.Duration {
	return time.Duration(r.ShutdownGraceSec) * time.Second
}

// LockTimeout returns the profile lock acquisition timeout as a time.Duration.
func (p *PoolConfig) LockTimeout() time.Duration {
	return time.Duration(p.LockTimeoutSec) * time.Second
}

// StaleLockGrace returns the stale lock reclaim grace period as a time.Duration.
func (p *PoolConfig) StaleLockGrace() time.Duration {
	return time.Duration(p.StaleLockGraceSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("ORCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/orchd"
	}
	return filepath.Join(home, ".orchd")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Bridge defaults - loopback only, OS-assigned port
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 0)
	v.SetDefault("bridge.requestTimeoutMs", 10000)
	v.SetDefault("bridge.token", "")

	// Runtime defaults
	v.SetDefault("runtime.binary", "opencode-runtime")
	v.SetDefault("runtime.sharedUrl", "")
	v.SetDefault("runtime.spawnTimeoutSec", 30)
	v.SetDefault("runtime.healthCheckIntervalSec", 30)
	v.SetDefault("runtime.shutdownGraceSec", 5)

	// Pool defaults
	v.SetDefault("pool.maxWorkers", 16)
	v.SetDefault("pool.portBase", 39000)
	v.SetDefault("pool.portMax", 39999)
	v.SetDefault("pool.lockDir", filepath.Join(defaultRuntimeDir(), "locks"))
	v.SetDefault("pool.lockTimeoutSec", 60)
	v.SetDefault("pool.staleLockGraceSec", 5)

	// Model defaults - empty means ask the runtime catalog
	v.SetDefault("models.default", "")
	v.SetDefault("models.small", "")

	// Context injection defaults
	v.SetDefault("context.systemContextMaxWorkers", 8)
	v.SetDefault("context.maxToolInputBytes", 262144)
	v.SetDefault("context.maxToolOutputBytes", 262144)

	// State snapshot defaults
	v.SetDefault("state.snapshotPath", filepath.Join(defaultRuntimeDir(), "state.db"))

	// NATS defaults - empty URL means in-memory broker only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "orchd")
	v.SetDefault("nats.maxReconnects", 10)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.orchd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("bridge.token", "ORCH_BRIDGE_TOKEN")
	_ = v.BindEnv("bridge.requestTimeoutMs", "ORCH_BRIDGE_TIMEOUT_MS", "ORCH_BRIDGE_REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("runtime.binary", "ORCH_RUNTIME_BINARY")
	_ = v.BindEnv("runtime.sharedUrl", "ORCH_RUNTIME_SHARED_URL")
	_ = v.BindEnv("nats.url", "ORCH_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultRuntimeDir())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Bridge.Host != "127.0.0.1" && cfg.Bridge.Host != "localhost" {
		errs = append(errs, "bridge.host must be loopback (127.0.0.1 or localhost)")
	}
	if cfg.Bridge.Port < 0 || cfg.Bridge.Port > 65535 {
		errs = append(errs, "bridge.port must be between 0 and 65535")
	}
	if cfg.Bridge.RequestTimeoutMs <= 0 {
		errs = append(errs, "bridge.requestTimeoutMs must be positive")
	}

	if cfg.Runtime.Binary == "" {
		errs = append(errs, "runtime.binary is required")
	}
	if cfg.Runtime.SpawnTimeoutSec <= 0 {
		errs = append(errs, "runtime.spawnTimeoutSec must be positive")
	}
	if cfg.Runtime.HealthCheckIntervalSec <= 0 {
		errs = append(errs, "runtime.healthCheckIntervalSec must be positive")
	}

	if cfg.Pool.MaxWorkers <= 0 {
		errs = append(errs, "pool.maxWorkers must be positive")
	}
	if cfg.Pool.PortBase <= 0 || cfg.Pool.PortMax < cfg.Pool.PortBase {
		errs = append(errs, "pool.portBase/portMax must describe a valid range")
	}
	if cfg.Pool.LockDir == "" {
		errs = append(errs, "pool.lockDir is required")
	}

	if cfg.Context.SystemContextMaxWorkers <= 0 {
		errs = append(errs, "context.systemContextMaxWorkers must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
