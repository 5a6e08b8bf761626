// Package config provides configuration management for the ReelForge engine.
// Configuration is read from an optional YAML file, with environment variable
// overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".reelforge"

	// Environment variable names
	EnvPort        = "REELFORGE_PORT"
	EnvLogLevel    = "REELFORGE_LOG_LEVEL"
	EnvDataDir     = "REELFORGE_DATA_DIR"
	EnvConfigFile  = "REELFORGE_CONFIG"
	EnvVendorURL   = "REELFORGE_VENDOR_BASE_URL"
	EnvVendorToken = "REELFORGE_VENDOR_TOKEN"

	// Database filename
	DBFilename = "reelforge.db"
)

// Config is the engine configuration.
type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Assembly  AssemblyConfig  `yaml:"assembly"`
	Vendor    VendorConfig    `yaml:"vendor"`
}

// SchedulerConfig bounds concurrency and deadlines per stage. Limits reflect
// vendor rate limits and cost budgets; deadlines are in seconds.
type SchedulerConfig struct {
	StageLimits          map[string]int `yaml:"stage_limits"`
	StageDeadlineSeconds map[string]int `yaml:"stage_deadline_seconds"`
	PollIntervalMs       int            `yaml:"poll_interval_ms"`
}

// RetryConfig governs the retry policy for transient stage failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds"`
}

// AssemblyConfig controls how assembly treats failed scenes.
// AllowPartial=false blocks the pipeline until every scene succeeds.
type AssemblyConfig struct {
	AllowPartial bool `yaml:"allow_partial"`
}

// VendorConfig points stage adapters at a remote generation service. When
// BaseURL is empty the engine falls back to local stub adapters.
type VendorConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Load reads configuration: defaults, then the YAML file at path (if it
// exists), then environment overrides. An empty path checks REELFORGE_CONFIG
// and falls back to defaults-only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:     DefaultPort,
		LogLevel: DefaultLogLevel,
		DataDir:  defaultDataDir(),
		Scheduler: SchedulerConfig{
			StageLimits: map[string]int{
				"script":     4,
				"voice":      4,
				"visual":     2,
				"video_clip": 2,
				"assembly":   1,
				"upload":     2,
			},
			StageDeadlineSeconds: map[string]int{
				"script":     120,
				"voice":      300,
				"visual":     600,
				"video_clip": 1200,
				"assembly":   1800,
				"upload":     900,
			},
			PollIntervalMs: 500,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 2,
			MaxDelaySeconds:  60,
		},
		Assembly: AssemblyConfig{AllowPartial: false},
	}
}

func applyEnv(cfg *Config) error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.LogLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.DataDir = dd
	}
	if u := os.Getenv(EnvVendorURL); u != "" {
		cfg.Vendor.BaseURL = u
	}
	if t := os.Getenv(EnvVendorToken); t != "" {
		cfg.Vendor.Token = t
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	for stage, limit := range c.Scheduler.StageLimits {
		if limit < 1 {
			return fmt.Errorf("scheduler.stage_limits.%s must be at least 1, got %d", stage, limit)
		}
	}
	return nil
}

// DBPath returns the full path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFilename)
}

// ArtifactsDir returns the directory for locally produced assets.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// StageDeadline returns the call deadline for a stage.
func (c *Config) StageDeadline(stage string) time.Duration {
	if s, ok := c.Scheduler.StageDeadlineSeconds[stage]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 10 * time.Minute
}

// StageLimit returns the concurrency cap for a stage.
func (c *Config) StageLimit(stage string) int {
	if n, ok := c.Scheduler.StageLimits[stage]; ok && n > 0 {
		return n
	}
	return 1
}

// PollInterval returns how often in-flight adapter tasks are polled.
func (c *Config) PollInterval() time.Duration {
	if c.Scheduler.PollIntervalMs > 0 {
		return time.Duration(c.Scheduler.PollIntervalMs) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
