// Package config provides gateway configuration with strict YAML parsing
// and hot reload. Unknown keys are rejected so typos fail at load time, and
// reloads swap the config pointer atomically.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelgrid/modelgrid/pkg/provider"
	"github.com/modelgrid/modelgrid/pkg/router"
	"github.com/modelgrid/modelgrid/pkg/types"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Providers []provider.Config `yaml:"providers"`
	Routing   router.Config     `yaml:"routing"`
	Balancer  BalancerConfig    `yaml:"balancer"`
	Fallback  FallbackConfig    `yaml:"fallback"`
	Cache     CacheConfig       `yaml:"cache"`
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
	Stream    StreamConfig      `yaml:"stream"`
	Redis     RedisConfig       `yaml:"redis"`
	Logging   LoggingConfig     `yaml:"logging"`
	Metrics   MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// BalancerConfig contains load balancing settings.
type BalancerConfig struct {
	Strategy            string        `yaml:"strategy"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	VirtualNodes        int           `yaml:"virtual_nodes"`
}

// FallbackConfig contains fallback executor settings.
type FallbackConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TTL               time.Duration `yaml:"ttl"`
	MaxEntries        int           `yaml:"max_entries"`
	SemanticEnabled   bool          `yaml:"semantic_enabled"`
	SemanticThreshold float64       `yaml:"semantic_threshold"`
}

// RateLimitConfig contains admission control settings.
type RateLimitConfig struct {
	Enabled     bool                             `yaml:"enabled"`
	Algorithm   string                           `yaml:"algorithm"`
	Distributed bool                             `yaml:"distributed"`
	Adaptive    bool                             `yaml:"adaptive"`
	Tiers       map[types.Tier]types.TierLimits  `yaml:"tiers"`
	Bypass      []string                         `yaml:"bypass"`
}

// StreamConfig contains stream hub settings.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	QueueSize         int           `yaml:"queue_size"`
	ReconnectWindow   time.Duration `yaml:"reconnect_window"`
}

// RedisConfig contains the shared Redis connection settings. Distributed
// rate limiting, the shared cache layer, cross-node stream fan-out, and
// idempotency storage all use it when an address is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig contains Prometheus exposure settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Routing: router.DefaultConfig(),
		Balancer: BalancerConfig{
			Strategy:            "adaptive",
			HealthCheckInterval: 15 * time.Second,
			VirtualNodes:        150,
		},
		Fallback: FallbackConfig{
			MaxAttempts:      4,
			BackoffBase:      200 * time.Millisecond,
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:           true,
			TTL:               5 * time.Minute,
			MaxEntries:        10_000,
			SemanticEnabled:   false,
			SemanticThreshold: 0.95,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Algorithm: "token_bucket",
			Tiers:     types.DefaultTierLimits(),
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       60 * time.Second,
			QueueSize:         256,
			ReconnectWindow:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. ${VAR} values
// are expanded from the environment, and unknown keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider[%d] %q: at least one model must be configured", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
	}

	if c.Fallback.MaxAttempts < 1 {
		return fmt.Errorf("fallback.max_attempts must be at least 1")
	}
	if c.Fallback.FailureThreshold < 1 {
		return fmt.Errorf("fallback.failure_threshold must be at least 1")
	}
	if c.Cache.SemanticThreshold < 0 || c.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("cache.semantic_threshold must be in [0,1]")
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Algorithm {
		case "token_bucket", "sliding_window":
		default:
			return fmt.Errorf("rate_limit.algorithm must be token_bucket or sliding_window, got %q", c.RateLimit.Algorithm)
		}
	}
	if c.Stream.QueueSize < 1 {
		return fmt.Errorf("stream.queue_size must be at least 1")
	}
	return nil
}
