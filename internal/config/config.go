// Package config handles configuration loading for stagehand.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/klowery/stagehand/pkg/models"
)

// Config holds all configuration for stagehand.
type Config struct {
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
	Retry     RetryConfig           `mapstructure:"retry"`
	Timeouts  TimeoutsConfig        `mapstructure:"timeouts"`
	Pools     map[string]PoolConfig `mapstructure:"pools"`
	Routing   map[string]string     `mapstructure:"routing"`
	Worker    WorkerConfig          `mapstructure:"worker"`
	Logging   LoggingConfig         `mapstructure:"logging"`
}

// SchedulerConfig holds scheduling loop settings.
type SchedulerConfig struct {
	// BatchSize is how many issues are promoted per cycle.
	BatchSize int `mapstructure:"batch_size"`
}

// RetryConfig holds circuit breaker limits.
type RetryConfig struct {
	// MaxRetries is the per-issue allowance for varied attempts.
	MaxRetries int `mapstructure:"max_retries"`
	// GlobalCap is the run-wide auto-retry budget.
	GlobalCap int `mapstructure:"global_cap"`
}

// TimeoutsConfig holds completion wait timeouts per tier.
type TimeoutsConfig struct {
	Light    time.Duration `mapstructure:"light"`
	Standard time.Duration `mapstructure:"standard"`
	Heavy    time.Duration `mapstructure:"heavy"`
}

// Map returns the timeouts keyed by tier.
func (t TimeoutsConfig) Map() map[models.Tier]time.Duration {
	return map[models.Tier]time.Duration{
		models.TierLight:    t.Light,
		models.TierStandard: t.Standard,
		models.TierHeavy:    t.Heavy,
	}
}

// PoolConfig holds settings for a single worker pool.
type PoolConfig struct {
	// Concurrency is the pool's concurrency limit.
	Concurrency int `mapstructure:"concurrency"`
	// Command is the argv of the pool's worker command. Empty falls back
	// to the default worker command.
	Command []string `mapstructure:"command"`
}

// WorkerConfig holds worker settings shared by all pools.
type WorkerConfig struct {
	// Command is the default worker argv for pools without their own.
	Command []string `mapstructure:"command"`
}

// LoggingConfig holds debug logging settings.
type LoggingConfig struct {
	// Debug enables the file-backed scheduling loop log.
	Debug bool `mapstructure:"debug"`
}

// PoolLimits returns the concurrency limit per configured pool.
func (c *Config) PoolLimits() map[string]int {
	limits := make(map[string]int, len(c.Pools))
	for id, pool := range c.Pools {
		limits[id] = pool.Concurrency
	}
	return limits
}

// PoolCommands returns the worker argv per configured pool.
func (c *Config) PoolCommands() map[string][]string {
	commands := make(map[string][]string, len(c.Pools))
	for id, pool := range c.Pools {
		if len(pool.Command) > 0 {
			commands[id] = pool.Command
		}
	}
	return commands
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STAGEHAND_*)
// 2. Project config (.stagehand.yaml in current directory or parent)
// 3. User config (~/.config/stagehand/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("STAGEHAND")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.batch_size", 4)

	v.SetDefault("retry.max_retries", models.DefaultMaxRetries)
	v.SetDefault("retry.global_cap", models.GlobalAutoRetryCap)

	v.SetDefault("timeouts.light", "5m")
	v.SetDefault("timeouts.standard", "15m")
	v.SetDefault("timeouts.heavy", "30m")

	v.SetDefault("logging.debug", false)
}

// getUserConfigDir returns the XDG config directory for stagehand.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stagehand")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stagehand")
	}
	return filepath.Join(home, ".config", "stagehand")
}

// findProjectConfig searches for .stagehand.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".stagehand.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			BatchSize: 4,
		},
		Retry: RetryConfig{
			MaxRetries: models.DefaultMaxRetries,
			GlobalCap:  models.GlobalAutoRetryCap,
		},
		Timeouts: TimeoutsConfig{
			Light:    5 * time.Minute,
			Standard: 15 * time.Minute,
			Heavy:    30 * time.Minute,
		},
		Logging: LoggingConfig{
			Debug: false,
		},
	}
}
