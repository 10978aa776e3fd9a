// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults per spec.md §4.1, §4.2, §4.4, §6.
const (
	DefaultBindAddress   = "0.0.0.0:8080"
	DefaultFailureThresh = 3
	DefaultCooldown      = 60 * time.Second
	DefaultCallTimeout   = 5 * time.Second
	DefaultProbeInterval = 10 * time.Second
	DefaultCacheCapacity = 1000
	DefaultCacheTTL      = 2 * time.Second
	DefaultMetricsPort   = 9090
	DefaultLogLevel      = "info"
	DefaultEnv           = "development"
)

// UpstreamConfig names a single JSON-RPC upstream node.
type UpstreamConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

func (c *UpstreamConfig) isValid() bool {
	isValid := true

	if c.Name == "" {
		isValid = false

		zap.L().Error("upstream name cannot be empty", zap.Any("config", c))
	}

	if c.Endpoint == "" {
		isValid = false

		zap.L().Error("upstream endpoint cannot be empty", zap.String("name", c.Name))
	}

	return isValid
}

// Config is the gateway's full, validated configuration.
type Config struct {
	BindAddress      string           `yaml:"bindAddress"`
	LogLevel         string           `yaml:"logLevel"`
	Env              string           `yaml:"env"`
	Upstreams        []UpstreamConfig `yaml:"upstreams"`
	CacheDenyMethods []string         `yaml:"cacheDenyMethods"`
	FailureThreshold int              `yaml:"failureThreshold"`
	CacheCapacity    int              `yaml:"cacheCapacity"`
	MetricsPort      int              `yaml:"metricsPort"`
	Cooldown         time.Duration    `yaml:"cooldown"`
	CallTimeout      time.Duration    `yaml:"callTimeout"`
	ProbeInterval    time.Duration    `yaml:"probeInterval"`
	CacheTTL         time.Duration    `yaml:"cacheTTL"`
}

func (c *Config) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Env == "" {
		c.Env = DefaultEnv
	}

	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThresh
	}

	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}

	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}

	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}

	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}

	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
}

func (c *Config) isValid() bool {
	isValid := len(c.Upstreams) > 0

	if !isValid {
		zap.L().Error("at least one upstream must be configured")
	}

	for i := range c.Upstreams {
		isValid = c.Upstreams[i].isValid() && isValid
	}

	seen := make(map[string]bool, len(c.Upstreams))

	for _, u := range c.Upstreams {
		if seen[u.Name] {
			zap.L().Error("duplicate upstream name", zap.String("name", u.Name))

			isValid = false
		}

		seen[u.Name] = true
	}

	return isValid
}

// LoadConfig reads and parses the YAML config file at configFilePath.
func LoadConfig(configFilePath string) (Config, error) {
	configBytes, err := os.ReadFile(configFilePath)
	if err != nil {
		return Config{}, err
	}

	return parseConfig(configBytes)
}

func parseConfig(configBytes []byte) (Config, error) {
	config := Config{}

	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}

	config.applyDefaults()

	if !config.isValid() {
		return config, errors.New("invalid config found")
	}

	return config, nil
}
