// Package config loads the batcher's bootstrap configuration: the handful
// of settings needed to reach CFS in the first place, which can therefore
// never themselves come from CFS.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the process-level bootstrap configuration.
type Config struct {
	CFS      CFSConfig      `mapstructure:"cfs" validate:"required"`
	Agent    AgentConfig    `mapstructure:"agent" validate:"required"`
	Liveness LivenessConfig `mapstructure:"liveness" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// CFSConfig holds the settings needed to reach the Configuration Framework
// Service.
type CFSConfig struct {
	BaseURL            string        `mapstructure:"base_url" validate:"required,url"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"required"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second" validate:"gt=0"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst" validate:"gt=0"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff" validate:"required"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" validate:"required"`
}

// AgentConfig holds identity settings for this agent instance.
type AgentConfig struct {
	SessionPrefix string `mapstructure:"session_prefix" validate:"required"`
}

// LivenessConfig holds settings for the on-disk heartbeat file.
type LivenessConfig struct {
	Path              string        `mapstructure:"path" validate:"required"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required"`
	ProbeSlack        time.Duration `mapstructure:"probe_slack" validate:"required"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds the Prometheus metrics namespace.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cfs.base_url", "https://cfs.local/apis/cfs/v2")
	v.SetDefault("cfs.timeout", "10s")
	v.SetDefault("cfs.insecure_skip_verify", false)
	v.SetDefault("cfs.rate_limit_per_second", 20.0)
	v.SetDefault("cfs.rate_limit_burst", 5)
	v.SetDefault("cfs.max_retries", 3)
	v.SetDefault("cfs.base_backoff", "250ms")
	v.SetDefault("cfs.max_backoff", "10s")

	v.SetDefault("agent.session_prefix", "batcher-")

	v.SetDefault("liveness.path", "/var/timestamp")
	v.SetDefault("liveness.heartbeat_interval", "10s")
	v.SetDefault("liveness.probe_slack", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.namespace", "cfs_batcher")
}

// Load reads the bootstrap configuration from built-in defaults, an optional
// YAML file, and environment variables prefixed BATCHER_, in that ascending
// order of precedence, then validates the result. A config file path that
// does not exist is ignored.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate runs struct-tag validation over the config.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
