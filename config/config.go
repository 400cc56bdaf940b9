// Package config holds the relay daemon configuration document and its
// YAML/JSON load and save helpers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the top-level relay configuration.
type Config struct {
	DatabasePath string        `json:"database_path" yaml:"database_path"`
	Log          LogConfig     `json:"log,omitempty" yaml:"log,omitempty"`
	Watcher      WatcherConfig `json:"watcher,omitempty" yaml:"watcher,omitempty"`
	Engine       EngineConfig  `json:"engine,omitempty" yaml:"engine,omitempty"`
	Sandbox      SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Approval     ApprovalConfig `json:"approval,omitempty" yaml:"approval,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

type WatcherConfig struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty" yaml:"poll_interval_seconds,omitempty"`
	WebhookListenAddr   string `json:"webhook_listen_addr,omitempty" yaml:"webhook_listen_addr,omitempty"`
}

type EngineConfig struct {
	HourlyRateLimit  int `json:"hourly_rate_limit,omitempty" yaml:"hourly_rate_limit,omitempty"`
	FailureWindow    int `json:"failure_window,omitempty" yaml:"failure_window,omitempty"`
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
}

type SandboxConfig struct {
	WorkDir            string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	SoftTimeoutSeconds int    `json:"soft_timeout_seconds,omitempty" yaml:"soft_timeout_seconds,omitempty"`
	HardTimeoutSeconds int    `json:"hard_timeout_seconds,omitempty" yaml:"hard_timeout_seconds,omitempty"`
}

type ApprovalConfig struct {
	// Mode is terminal, auto, or deny.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		DatabasePath: "relay.db",
		Log:          LogConfig{Level: "info"},
		Watcher: WatcherConfig{
			PollIntervalSeconds: 30,
			WebhookListenAddr:   "127.0.0.1:8377",
		},
		Engine: EngineConfig{
			HourlyRateLimit:  100,
			FailureWindow:    10,
			FailureThreshold: 5,
		},
		Approval: ApprovalConfig{Mode: "terminal"},
	}
}

// Load reads a configuration file, choosing the format by extension, and
// fills unset fields from the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		cfg = &Config{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yml", ".yaml":
		cfg = &Config{}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a file, choosing the format by extension.
func (c *Config) Save(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	case ".yml", ".yaml":
		data, err := yaml.Marshal(c)
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	}
	return fmt.Errorf("unsupported file extension: %s", ext)
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Watcher.PollIntervalSeconds <= 0 {
		c.Watcher.PollIntervalSeconds = def.Watcher.PollIntervalSeconds
	}
	if c.Watcher.WebhookListenAddr == "" {
		c.Watcher.WebhookListenAddr = def.Watcher.WebhookListenAddr
	}
	if c.Engine.HourlyRateLimit == 0 {
		c.Engine.HourlyRateLimit = def.Engine.HourlyRateLimit
	}
	if c.Engine.FailureWindow == 0 {
		c.Engine.FailureWindow = def.Engine.FailureWindow
	}
	if c.Engine.FailureThreshold == 0 {
		c.Engine.FailureThreshold = def.Engine.FailureThreshold
	}
	if c.Approval.Mode == "" {
		c.Approval.Mode = def.Approval.Mode
	}
}

func (c *Config) Validate() error {
	switch c.Approval.Mode {
	case "terminal", "auto", "deny":
	default:
		return fmt.Errorf("invalid approval mode %q", c.Approval.Mode)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Sandbox.SoftTimeoutSeconds < 0 || c.Sandbox.HardTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	return nil
}

// PollInterval returns the watcher poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watcher.PollIntervalSeconds) * time.Second
}
