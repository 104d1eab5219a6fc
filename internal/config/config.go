// Package config loads the sync daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":8090"
	} `yaml:"http"`

	Realtime struct {
		URL             string        `yaml:"url"`
		APIKey          string        `yaml:"api_key"`
		MaxJoinAttempts int           `yaml:"max_join_attempts"`
		JoinRetryDelay  time.Duration `yaml:"join_retry_delay"`
	} `yaml:"realtime"`

	Cache struct {
		StaleAfter  time.Duration `yaml:"stale_after"`
		GCAfter     time.Duration `yaml:"gc_after"`
		GCInterval  time.Duration `yaml:"gc_interval"`
		MaxRetries  int           `yaml:"max_retries"`
		RetryBase   time.Duration `yaml:"retry_base"`
		RetryMax    time.Duration `yaml:"retry_max"`
		RetryJitter float64       `yaml:"retry_jitter"`
	} `yaml:"cache"`

	Persist struct {
		Backend       string        `yaml:"backend"` // memory, file or redis
		Path          string        `yaml:"path"`
		FlushInterval time.Duration `yaml:"flush_interval"`

		Redis struct {
			Addr      string        `yaml:"addr"`
			Password  string        `yaml:"password"`
			Database  int           `yaml:"database"`
			Namespace string        `yaml:"namespace"`
			TTL       time.Duration `yaml:"ttl"`
		} `yaml:"redis"`
	} `yaml:"persist"`

	Lifecycle struct {
		SettleDelay   time.Duration `yaml:"settle_delay"`
		HighValueKeys [][]string    `yaml:"high_value_keys"`
	} `yaml:"lifecycle"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		Output     string `yaml:"output"`
		FilePrefix string `yaml:"file_prefix"`
	} `yaml:"logging"`
}

// Load reads config from SYNC_CONFIG or config/syncd.yaml, falling back to
// defaults when the file is missing.
func Load() (*Config, error) {
	path := os.Getenv("SYNC_CONFIG")
	if path == "" {
		path = "config/syncd.yaml"
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = &Config{}
			cfg.applyEnv()
			cfg.Normalize()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads and normalizes config from a specific file.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.Normalize()
	return &cfg, nil
}

// applyEnv overlays the environment variables deployments commonly override.
func (c *Config) applyEnv() {
	if v := os.Getenv("SYNC_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("SYNC_REALTIME_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("SYNC_REALTIME_API_KEY"); v != "" {
		c.Realtime.APIKey = v
	}
	if v := os.Getenv("SYNC_PERSIST_BACKEND"); v != "" {
		c.Persist.Backend = v
	}
	if v := os.Getenv("SYNC_REDIS_ADDR"); v != "" {
		c.Persist.Redis.Addr = v
	}
	if v := os.Getenv("SYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Normalize fills defaults and trims whitespace.
func (c *Config) Normalize() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}

	if c.Realtime.MaxJoinAttempts == 0 {
		c.Realtime.MaxJoinAttempts = 3
	}
	if c.Realtime.JoinRetryDelay == 0 {
		c.Realtime.JoinRetryDelay = time.Second
	}

	if c.Cache.StaleAfter == 0 {
		c.Cache.StaleAfter = 30 * time.Second
	}
	if c.Cache.GCAfter == 0 {
		c.Cache.GCAfter = 10 * time.Minute
	}
	if c.Cache.GCInterval == 0 {
		c.Cache.GCInterval = time.Minute
	}
	if c.Cache.MaxRetries == 0 {
		c.Cache.MaxRetries = 3
	}
	if c.Cache.RetryBase == 0 {
		c.Cache.RetryBase = time.Second
	}
	if c.Cache.RetryMax == 0 {
		c.Cache.RetryMax = 30 * time.Second
	}
	if c.Cache.RetryJitter == 0 {
		c.Cache.RetryJitter = 0.2
	}

	c.Persist.Backend = strings.TrimSpace(strings.ToLower(c.Persist.Backend))
	if c.Persist.Backend == "" {
		c.Persist.Backend = "memory"
	}
	if c.Persist.Path == "" {
		c.Persist.Path = "data/synccache.json"
	}
	if c.Persist.FlushInterval == 0 {
		c.Persist.FlushInterval = 2 * time.Second
	}
	if c.Persist.Redis.Namespace == "" {
		c.Persist.Redis.Namespace = "synccache"
	}

	if c.Lifecycle.SettleDelay == 0 {
		c.Lifecycle.SettleDelay = 500 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Persist.Backend {
	case "memory", "file":
	case "redis":
		if c.Persist.Redis.Addr == "" {
			return fmt.Errorf("persist backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown persist backend %q", c.Persist.Backend)
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	return nil
}
