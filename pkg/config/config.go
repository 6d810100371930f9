// Package config loads retry settings from YAML and turns them into
// strategies, stores, classifiers and executor options.
//
// Example file:
//
//	max_retries: 5
//	timeout: 2s
//	total_timeout: 30s
//	strategy:
//	  name: circuit_breaker
//	  options:
//	    key: payments
//	    failure_threshold: 5
//	    reset_timeout: 1m
//	    inner:
//	      name: exponential
//	      options: {base_delay: 200ms, max_delay: 5s, jitter_percent: 10}
//	classifier:
//	  patterns: ["(?i)try again"]
//	store:
//	  driver: redis
//	  prefix: "payments:"
//	  redis: {addr: "localhost:6379"}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jzx17/goresilience/internal/logging"
	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/retry"
	"github.com/jzx17/goresilience/pkg/store"
	"github.com/jzx17/goresilience/pkg/strategy"
	"github.com/jzx17/goresilience/pkg/types"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config is the root of a configuration file
type Config struct {
	MaxRetries      int                   `yaml:"max_retries"`
	Timeout         time.Duration         `yaml:"timeout"`
	TotalTimeout    time.Duration         `yaml:"total_timeout"`
	Strategy        strategy.Spec         `yaml:"strategy"`
	ResponseContent ResponseContentConfig `yaml:"response_content"`
	Classifier      ClassifierConfig      `yaml:"classifier"`
	Store           StoreConfig           `yaml:"store"`
	Log             logging.Config        `yaml:"log"`
}

// ResponseContentConfig wraps the configured strategy in a response content
// check when any field is set
type ResponseContentConfig struct {
	Patterns       []string `yaml:"patterns"`
	ErrorCodes     []string `yaml:"error_codes"`
	ErrorCodePaths []string `yaml:"error_code_paths"`
}

// Enabled reports whether any check is configured
func (c ResponseContentConfig) Enabled() bool {
	return len(c.Patterns) > 0 || len(c.ErrorCodes) > 0
}

// ClassifierConfig adjusts the built-in classifier
type ClassifierConfig struct {
	// Disabled lists built-in handlers to remove
	Disabled []string `yaml:"disabled"`
	// Patterns are extra retryable message patterns
	Patterns []string `yaml:"patterns"`
}

// StoreConfig selects the state store shared by circuit breakers and rate
// limiters
type StoreConfig struct {
	Driver string             `yaml:"driver"`
	Prefix string             `yaml:"prefix"`
	Redis  store.RedisConfig  `yaml:"redis"`
	Memory store.MemoryConfig `yaml:"memory"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		MaxRetries: retry.DefaultMaxRetries,
		Strategy:   strategy.Spec{Name: strategy.NameExponential},
		Store: StoreConfig{
			Driver: DriverMemory,
			Prefix: "goresilience:",
			Redis: store.RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			Memory: store.DefaultMemoryConfig(),
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads and validates a configuration file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML on top of Default. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting, each wrapping types.ErrInvalidConfig
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidConfig}, args...)...))
	}

	if c.MaxRetries < 0 {
		invalid("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.Timeout < 0 {
		invalid("timeout cannot be negative, got %v", c.Timeout)
	}
	if c.TotalTimeout < 0 {
		invalid("total_timeout cannot be negative, got %v", c.TotalTimeout)
	}
	if name := c.Strategy.Name; name != "" && !slices.Contains(strategy.NewFactory(nil).Names(), normalize(name)) {
		invalid("unknown strategy %q", name)
	}
	if _, err := classify.CompilePatterns(c.ResponseContent.Patterns); err != nil {
		invalid("response_content: %v", err)
	}
	if _, err := classify.CompilePatterns(c.Classifier.Patterns); err != nil {
		invalid("classifier: %v", err)
	}

	switch c.Store.Driver {
	case DriverMemory, "":
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			invalid("store.redis.addr is required for the redis driver")
		}
	default:
		invalid("unknown store driver %q", c.Store.Driver)
	}

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
