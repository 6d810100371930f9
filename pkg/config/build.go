package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/retry"
	"github.com/jzx17/goresilience/pkg/store"
	"github.com/jzx17/goresilience/pkg/strategy"
	"github.com/jzx17/goresilience/pkg/types"
)

// HandlerConfig names the handler holding classifier patterns from the
// configuration
const HandlerConfig = "config"

// BuildStore opens the configured state store. The prefix applies to Redis
// keys; the memory store is private to the process.
func (c *Config) BuildStore(ctx context.Context, logger *zap.Logger) (store.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch c.Store.Driver {
	case DriverRedis:
		s, err := store.NewRedisStore(ctx, c.Store.Redis, c.Store.Prefix)
		if err != nil {
			return nil, err
		}
		logger.Debug("using redis state store", zap.String("addr", c.Store.Redis.Addr))
		return s, nil
	case DriverMemory, "":
		return store.NewMemoryStore(c.Store.Memory, store.WithMemoryLogger(logger))
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", types.ErrInvalidConfig, c.Store.Driver)
}

// BuildStrategy builds the configured strategy over s, wrapped in a response
// content check when one is configured. An empty strategy name yields
// strategy.Default.
func (c *Config) BuildStrategy(s store.Store, opts ...strategy.DecoratorOption) (strategy.Strategy, error) {
	var (
		st  strategy.Strategy
		err error
	)
	if c.Strategy.Name == "" {
		st = strategy.Default()
	} else if st, err = strategy.NewFactory(s, opts...).NewSpec(c.Strategy); err != nil {
		return nil, err
	}

	if !c.ResponseContent.Enabled() {
		return st, nil
	}
	patterns, err := classify.CompilePatterns(c.ResponseContent.Patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: response_content: %v", types.ErrInvalidConfig, err)
	}
	return strategy.NewResponseContent(st, patterns, c.ResponseContent.ErrorCodes, c.ResponseContent.ErrorCodePaths, opts...)
}

// BuildRegistry returns the built-in classifier minus the disabled handlers,
// plus a handler for the configured patterns.
func (c *Config) BuildRegistry() (*classify.Registry, error) {
	r := classify.NewDefaultRegistry()
	for _, name := range c.Classifier.Disabled {
		if err := r.Unregister(name); err != nil {
			return nil, fmt.Errorf("%w: classifier.disabled: %v", types.ErrInvalidConfig, err)
		}
	}
	if len(c.Classifier.Patterns) == 0 {
		return r, nil
	}
	h, err := classify.NewPatternHandler(HandlerConfig, c.Classifier.Patterns)
	if err != nil {
		return nil, fmt.Errorf("%w: classifier.patterns: %v", types.ErrInvalidConfig, err)
	}
	if err := r.Register(h); err != nil {
		return nil, err
	}
	return r, nil
}

// ExecutorOptions maps the retry bounds onto executor options. A nil
// registry keeps the executor's default classifier.
func (c *Config) ExecutorOptions(registry *classify.Registry) []retry.ExecutorOption {
	opts := []retry.ExecutorOption{
		retry.WithMaxRetries(c.MaxRetries),
		retry.WithTimeout(c.Timeout),
		retry.WithTotalTimeout(c.TotalTimeout),
	}
	if registry != nil {
		opts = append(opts, retry.WithRegistry(registry))
	}
	return opts
}
