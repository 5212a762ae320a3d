// Package config loads the data-portal streaming plane's configuration:
// flags override environment variables, which override a .env file, which
// overrides a YAML config file — grounded on orbas1-Synnergy's
// pkg/config.Load layering (viper + godotenv + yaml.v3), adapted from a
// package-level AppConfig singleton to an explicit *Config value so gateway
// and worker processes can each hold their own.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the unified configuration for both cmd/gateway and cmd/worker.
type Config struct {
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	TTL struct {
		MinSeconds     int `mapstructure:"min_seconds"`
		MaxSeconds     int `mapstructure:"max_seconds"`
		DefaultSeconds int `mapstructure:"default_seconds"`
	} `mapstructure:"ttl"`

	Auth struct {
		ClaimRules   []string          `mapstructure:"claim_rules"`
		ServiceName  string            `mapstructure:"service_name"`
		ServiceAllow []string          `mapstructure:"service_allow_list"`
		Tokens       map[string]string `mapstructure:"tokens"`
	} `mapstructure:"auth"`

	PreSign struct {
		Secret            string `mapstructure:"secret"`
		DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
	} `mapstructure:"presign"`

	Gateway struct {
		ListenAddr           string `mapstructure:"listen_addr"`
		PollIntervalMillis   int    `mapstructure:"poll_interval_millis"`
		MaxTimeoutSeconds    int    `mapstructure:"max_timeout_seconds"`
		DefaultTimeoutSeconds int   `mapstructure:"default_timeout_seconds"`
	} `mapstructure:"gateway"`

	Worker struct {
		Concurrency int `mapstructure:"concurrency"`
	} `mapstructure:"worker"`

	Planner struct {
		Target       string `mapstructure:"target"`
		AccessPattern string `mapstructure:"access_pattern"`
	} `mapstructure:"planner"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// PollInterval returns the gateway's cooperative-poll cadence as a Duration.
func (c *Config) PollInterval() time.Duration {
	if c.Gateway.PollIntervalMillis <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Gateway.PollIntervalMillis) * time.Millisecond
}

// defaults seeds v with the values this service ships when a key is absent
// from every config source.
func defaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ttl.min_seconds", 5)
	v.SetDefault("ttl.max_seconds", 86400)
	v.SetDefault("ttl.default_seconds", 60)
	v.SetDefault("auth.service_name", "data-portal")
	v.SetDefault("presign.default_ttl_seconds", 3600)
	v.SetDefault("gateway.listen_addr", ":8080")
	v.SetDefault("gateway.poll_interval_millis", 500)
	v.SetDefault("gateway.max_timeout_seconds", 1500)
	v.SetDefault("gateway.default_timeout_seconds", 1)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("planner.target", "16MiB")
	v.SetDefault("planner.access_pattern", "map")
	v.SetDefault("logging.level", "info")
}

// Load reads the default YAML config, optionally merges an env-specific
// overlay, loads a .env file if present, then lets real environment
// variables win — the same override order orbas1-Synnergy's Load uses.
func Load(configDir, env string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	defaults(v)
	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: load default: %w", err)
		}
	}
	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: merge %s: %w", env, err)
			}
		}
	}

	v.SetEnvPrefix("DATA_PORTAL")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
