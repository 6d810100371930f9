package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/store"
	"github.com/jzx17/goresilience/pkg/types"
)

// Built-in strategy names
const (
	NameExponential        = "exponential"
	NameLinear             = "linear"
	NameFixed              = "fixed"
	NameFibonacci          = "fibonacci"
	NameDecorrelatedJitter = "decorrelated_jitter"
	NameCircuitBreaker     = "circuit_breaker"
	NameRateLimit          = "rate_limit"
	NameTotalTimeout       = "total_timeout"
	NameResponseContent    = "response_content"
)

// DefaultBaseDelay is the base delay of the default strategy
const DefaultBaseDelay = time.Second

// Default returns the strategy used when none is configured: exponential
// backoff from one second, doubling each attempt.
func Default() Strategy {
	return NewExponential(DefaultBaseDelay)
}

// Spec names a strategy and its options, as found in configuration.
type Spec struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options,omitempty"`
}

// Builder constructs a strategy from decoded options
type Builder func(f *Factory, options map[string]any) (Strategy, error)

// Factory builds strategies by name. Decorators that share state use the
// factory's store.
type Factory struct {
	store      store.Store
	decorators []DecoratorOption
	opts       decoratorOptions

	mu       sync.RWMutex
	builders map[string]Builder
}

// NewFactory creates a factory with the built-in strategies. s may be nil
// when no shared-state decorator is needed; opts are applied to every
// decorator the factory builds.
func NewFactory(s store.Store, opts ...DecoratorOption) *Factory {
	f := &Factory{
		store:      s,
		decorators: opts,
		opts:       newDecoratorOptions(opts),
		builders: map[string]Builder{
			NameExponential:        buildExponential,
			NameLinear:             buildLinear,
			NameFixed:              buildFixed,
			NameFibonacci:          buildFibonacci,
			NameDecorrelatedJitter: buildDecorrelatedJitter,
			NameCircuitBreaker:     buildCircuitBreaker,
			NameRateLimit:          buildRateLimit,
			NameTotalTimeout:       buildTotalTimeout,
			NameResponseContent:    buildResponseContent,
		},
	}
	return f
}

// Register adds or replaces a named builder
func (f *Factory) Register(name string, b Builder) error {
	name = normalizeName(name)
	if name == "" || b == nil {
		return fmt.Errorf("%w: builder requires a name and a function", types.ErrInvalidStrategy)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[name] = b
	return nil
}

// Names returns the registered strategy names, sorted
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named strategy. Unknown names and invalid options fail with
// an error wrapping types.ErrInvalidStrategy.
func (f *Factory) New(name string, options map[string]any) (Strategy, error) {
	f.mu.RLock()
	b, ok := f.builders[normalizeName(name)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrInvalidStrategy, name)
	}
	s, err := b(f, options)
	if err != nil {
		if errors.Is(err, types.ErrInvalidStrategy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidStrategy, name, err)
	}
	return s, nil
}

// NewSpec builds the strategy described by spec
func (f *Factory) NewSpec(spec Spec) (Strategy, error) {
	return f.New(spec.Name, spec.Options)
}

// Resolve builds the named strategy, degrading to Default with a logged
// warning when the name or options are invalid.
func (f *Factory) Resolve(name string, options map[string]any) Strategy {
	s, err := f.New(name, options)
	if err != nil {
		f.opts.logger.Warn("invalid retry strategy, using default",
			zap.String("strategy", name),
			zap.Error(err))
		return Default()
	}
	return s
}

// New builds the named strategy with a factory that has no store.
func New(name string, options map[string]any) (Strategy, error) {
	return NewFactory(nil).New(name, options)
}

// Resolve builds the named strategy with a factory that has no store,
// degrading to Default on error.
func Resolve(name string, options map[string]any, logger *zap.Logger) Strategy {
	return NewFactory(nil, WithLogger(logger)).Resolve(name, options)
}

func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// decodeOptions maps options onto out through YAML, rejecting unknown keys.
// Durations are written as strings such as "250ms".
func decodeOptions(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

type backoffSpec struct {
	BaseDelay     *time.Duration `yaml:"base_delay"`
	Multiplier    *float64       `yaml:"multiplier"`
	MaxDelay      time.Duration  `yaml:"max_delay"`
	JitterPercent float64        `yaml:"jitter_percent"`
	Increment     *time.Duration `yaml:"increment"`
	MinFactor     *float64       `yaml:"min_factor"`
	MaxFactor     *float64       `yaml:"max_factor"`
}

func (s backoffSpec) base() time.Duration {
	if s.BaseDelay == nil {
		return DefaultBaseDelay
	}
	return *s.BaseDelay
}

func (s backoffSpec) validate() error {
	switch {
	case s.BaseDelay != nil && *s.BaseDelay < 0:
		return fmt.Errorf("negative base_delay %v", *s.BaseDelay)
	case s.MaxDelay < 0:
		return fmt.Errorf("negative max_delay %v", s.MaxDelay)
	case s.Multiplier != nil && *s.Multiplier <= 0:
		return fmt.Errorf("multiplier must be positive, got %v", *s.Multiplier)
	case s.JitterPercent < 0 || s.JitterPercent > 100:
		return fmt.Errorf("jitter_percent must be within [0, 100], got %v", s.JitterPercent)
	case s.MinFactor != nil && *s.MinFactor < 0:
		return fmt.Errorf("negative min_factor %v", *s.MinFactor)
	case s.MaxFactor != nil && *s.MaxFactor < 0:
		return fmt.Errorf("negative max_factor %v", *s.MaxFactor)
	}
	return nil
}

func (s backoffSpec) options() []BackoffOption {
	opts := []BackoffOption{WithMaxDelay(s.MaxDelay), WithJitter(s.JitterPercent)}
	if s.Multiplier != nil {
		opts = append(opts, WithMultiplier(*s.Multiplier))
	}
	if s.Increment != nil {
		opts = append(opts, WithIncrement(*s.Increment))
	}
	if s.MinFactor != nil {
		opts = append(opts, WithMinFactor(*s.MinFactor))
	}
	if s.MaxFactor != nil {
		opts = append(opts, WithMaxFactor(*s.MaxFactor))
	}
	return opts
}

func decodeBackoff(options map[string]any) (backoffSpec, error) {
	var spec backoffSpec
	if err := decodeOptions(options, &spec); err != nil {
		return spec, err
	}
	return spec, spec.validate()
}

func buildExponential(_ *Factory, options map[string]any) (Strategy, error) {
	spec, err := decodeBackoff(options)
	if err != nil {
		return nil, err
	}
	return NewExponential(spec.base(), spec.options()...), nil
}

func buildLinear(_ *Factory, options map[string]any) (Strategy, error) {
	spec, err := decodeBackoff(options)
	if err != nil {
		return nil, err
	}
	return NewLinear(spec.base(), spec.options()...), nil
}

func buildFixed(_ *Factory, options map[string]any) (Strategy, error) {
	spec, err := decodeBackoff(options)
	if err != nil {
		return nil, err
	}
	return NewFixed(spec.base(), spec.options()...), nil
}

func buildFibonacci(_ *Factory, options map[string]any) (Strategy, error) {
	spec, err := decodeBackoff(options)
	if err != nil {
		return nil, err
	}
	return NewFibonacci(spec.base(), spec.options()...), nil
}

func buildDecorrelatedJitter(_ *Factory, options map[string]any) (Strategy, error) {
	spec, err := decodeBackoff(options)
	if err != nil {
		return nil, err
	}
	return NewDecorrelatedJitter(spec.base(), spec.options()...), nil
}

// inner builds a decorator's inner strategy, Default when unset.
func (f *Factory) inner(spec *Spec) (Strategy, error) {
	if spec == nil || spec.Name == "" {
		return Default(), nil
	}
	return f.NewSpec(*spec)
}

func (f *Factory) decoratorOptions(failClosed bool, extra ...DecoratorOption) []DecoratorOption {
	opts := append([]DecoratorOption(nil), f.decorators...)
	if failClosed {
		opts = append(opts, WithFailClosed())
	}
	return append(opts, extra...)
}

type circuitBreakerSpec struct {
	Inner            *Spec         `yaml:"inner"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	Key              string        `yaml:"key"`
	FailClosed       bool          `yaml:"fail_closed"`
}

func buildCircuitBreaker(f *Factory, options map[string]any) (Strategy, error) {
	spec := circuitBreakerSpec{FailureThreshold: 5, ResetTimeout: time.Minute}
	if err := decodeOptions(options, &spec); err != nil {
		return nil, err
	}
	inner, err := f.inner(spec.Inner)
	if err != nil {
		return nil, err
	}
	return NewCircuitBreaker(inner, spec.FailureThreshold, spec.ResetTimeout, spec.Key, f.store,
		f.decoratorOptions(spec.FailClosed)...)
}

type rateLimitSpec struct {
	Inner            *Spec         `yaml:"inner"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Window           time.Duration `yaml:"window"`
	Key              string        `yaml:"key"`
	PenaltyThreshold *float64      `yaml:"penalty_threshold"`
	PenaltyFraction  *float64      `yaml:"penalty_fraction"`
	FailClosed       bool          `yaml:"fail_closed"`
}

func buildRateLimit(f *Factory, options map[string]any) (Strategy, error) {
	spec := rateLimitSpec{MaxAttempts: 100, Window: time.Minute}
	if err := decodeOptions(options, &spec); err != nil {
		return nil, err
	}
	inner, err := f.inner(spec.Inner)
	if err != nil {
		return nil, err
	}
	var extra []DecoratorOption
	if spec.PenaltyThreshold != nil {
		extra = append(extra, WithPenaltyThreshold(*spec.PenaltyThreshold))
	}
	if spec.PenaltyFraction != nil {
		extra = append(extra, WithPenaltyFraction(*spec.PenaltyFraction))
	}
	return NewRateLimit(inner, spec.MaxAttempts, spec.Window, spec.Key, f.store,
		f.decoratorOptions(spec.FailClosed, extra...)...)
}

type totalTimeoutSpec struct {
	Inner        *Spec          `yaml:"inner"`
	TotalTimeout time.Duration  `yaml:"total_timeout"`
	SafetyMargin *time.Duration `yaml:"safety_margin"`
}

func buildTotalTimeout(f *Factory, options map[string]any) (Strategy, error) {
	var spec totalTimeoutSpec
	if err := decodeOptions(options, &spec); err != nil {
		return nil, err
	}
	inner, err := f.inner(spec.Inner)
	if err != nil {
		return nil, err
	}
	var extra []DecoratorOption
	if spec.SafetyMargin != nil {
		extra = append(extra, WithSafetyMargin(*spec.SafetyMargin))
	}
	return NewTotalTimeout(inner, spec.TotalTimeout, f.decoratorOptions(false, extra...)...)
}

type responseContentSpec struct {
	Inner          *Spec    `yaml:"inner"`
	Patterns       []string `yaml:"patterns"`
	ErrorCodes     []string `yaml:"error_codes"`
	ErrorCodePaths []string `yaml:"error_code_paths"`
}

func buildResponseContent(f *Factory, options map[string]any) (Strategy, error) {
	var spec responseContentSpec
	if err := decodeOptions(options, &spec); err != nil {
		return nil, err
	}
	patterns, err := classify.CompilePatterns(spec.Patterns)
	if err != nil {
		return nil, err
	}
	inner, err := f.inner(spec.Inner)
	if err != nil {
		return nil, err
	}
	return NewResponseContent(inner, patterns, spec.ErrorCodes, spec.ErrorCodePaths, f.decoratorOptions(false)...)
}
