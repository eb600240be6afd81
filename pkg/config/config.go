// Package config holds the node configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/clmsr/pkg/wad"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the full node configuration. Zero-valued YAML fields keep their
// defaults.
type Config struct {
	// Paths
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	// Database backend, "badgerdb" or "memory"
	Database string `yaml:"database"`

	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`

	// Markets created at startup when the database holds none
	Markets []MarketConfig `yaml:"markets"`
}

type APIConfig struct {
	Port      int     `yaml:"port"`
	RateLimit float64 `yaml:"rateLimit"` // requests per second, 0 disables
	Burst     int     `yaml:"burst"`
}

type WebSocketConfig struct {
	Enabled   bool `yaml:"enabled"`
	Port      int  `yaml:"port"`
	SendQueue int  `yaml:"sendQueue"`
}

type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Port      int           `yaml:"port"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type NATSConfig struct {
	URL    string `yaml:"url"` // empty disables publishing
	Prefix string `yaml:"prefix"`
	Name   string `yaml:"name"`
}

// MarketConfig describes a market in human units.
type MarketConfig struct {
	MinTick     int64  `yaml:"minTick"`
	MaxTick     int64  `yaml:"maxTick"`
	TickSpacing int64  `yaml:"tickSpacing"`
	Alpha       string `yaml:"alpha"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  ".clmsrd",
		LogLevel: "info",
		Database: "badgerdb",
		API: APIConfig{
			Port:      8080,
			RateLimit: 1000,
			Burst:     200,
		},
		WebSocket: WebSocketConfig{
			Enabled:   true,
			Port:      8081,
			SendQueue: 256,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			Namespace: "clmsr",
			Interval:  10 * time.Second,
		},
		NATS: NATSConfig{
			Prefix: "clmsr",
			Name:   "clmsrd",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database {
	case "badgerdb", "memory":
	default:
		return fmt.Errorf("%w: database %q", ErrInvalidConfig, c.Database)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "crit":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}

	ports := map[string]int{"api": c.API.Port}
	if c.WebSocket.Enabled {
		ports["websocket"] = c.WebSocket.Port
	}
	if c.Metrics.Enabled {
		ports["metrics"] = c.Metrics.Port
	}
	seen := make(map[int]string)
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: %s port %d", ErrInvalidConfig, name, port)
		}
		if other, ok := seen[port]; ok {
			return fmt.Errorf("%w: %s and %s share port %d", ErrInvalidConfig, name, other, port)
		}
		seen[port] = name
	}

	if c.API.RateLimit < 0 || (c.API.RateLimit > 0 && c.API.Burst <= 0) {
		return fmt.Errorf("%w: rate limit %v burst %d", ErrInvalidConfig, c.API.RateLimit, c.API.Burst)
	}
	if c.WebSocket.Enabled && c.WebSocket.SendQueue <= 0 {
		return fmt.Errorf("%w: websocket send queue %d", ErrInvalidConfig, c.WebSocket.SendQueue)
	}
	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		return fmt.Errorf("%w: metrics interval %v", ErrInvalidConfig, c.Metrics.Interval)
	}

	for i, m := range c.Markets {
		if _, err := wad.Parse(m.Alpha); err != nil {
			return fmt.Errorf("%w: market %d alpha: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}
