// Package classify decides whether an error is worth retrying.
//
// A Registry holds Handlers. Each handler declares the error types, sentinel
// values and message patterns it considers transient, plus a predicate that
// switches it on or off. Classification walks the whole cause chain of an
// error, so a permanent-looking wrapper around a transient cause is still
// retried.
package classify

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
)

// Handler declares which errors are retryable.
type Handler interface {
	// Name returns the unique name of the handler
	Name() string

	// ErrorTypes returns retryable error types. Interface types match every
	// error implementing them.
	ErrorTypes() []reflect.Type

	// Patterns returns regular expressions matched against error messages
	Patterns() []*regexp.Regexp

	// IsApplicable reports whether the handler takes part in classification
	IsApplicable() bool
}

// SentinelHandler is implemented by handlers that also match sentinel values
// by identity.
type SentinelHandler interface {
	Handler
	Sentinels() []error
}

// Matcher is implemented by handlers that need custom per-node logic on top
// of types, sentinels and patterns.
type Matcher interface {
	Match(err error) (bool, string)
}

// TypeOf returns the reflect.Type of E, which may be an interface type.
//
//	classify.TypeOf[*net.OpError]()
//	classify.TypeOf[interface{ Temporary() bool }]()
func TypeOf[E any]() reflect.Type {
	return reflect.TypeOf((*E)(nil)).Elem()
}

// BasicHandler is a Handler assembled from static lists.
type BasicHandler struct {
	name       string
	types      []reflect.Type
	sentinels  []error
	patterns   []*regexp.Regexp
	applicable func() bool
	matcher    func(error) (bool, string)
}

var (
	_ SentinelHandler = (*BasicHandler)(nil)
	_ Matcher         = (*BasicHandler)(nil)
)

// HandlerOption configures a BasicHandler
type HandlerOption func(*BasicHandler)

// WithTypes adds retryable error types
func WithTypes(types ...reflect.Type) HandlerOption {
	return func(h *BasicHandler) {
		h.types = append(h.types, types...)
	}
}

// WithSentinels adds retryable sentinel errors
func WithSentinels(errs ...error) HandlerOption {
	return func(h *BasicHandler) {
		for _, err := range errs {
			if err != nil {
				h.sentinels = append(h.sentinels, err)
			}
		}
	}
}

// WithPatterns adds compiled message patterns
func WithPatterns(patterns ...*regexp.Regexp) HandlerOption {
	return func(h *BasicHandler) {
		for _, p := range patterns {
			if p != nil {
				h.patterns = append(h.patterns, p)
			}
		}
	}
}

// WithApplicability sets the predicate deciding whether the handler is active
func WithApplicability(fn func() bool) HandlerOption {
	return func(h *BasicHandler) {
		h.applicable = fn
	}
}

// WithMatcher sets a custom per-node matcher
func WithMatcher(fn func(error) (bool, string)) HandlerOption {
	return func(h *BasicHandler) {
		h.matcher = fn
	}
}

// NewHandler creates a BasicHandler
func NewHandler(name string, opts ...HandlerOption) *BasicHandler {
	h := &BasicHandler{name: name}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewPatternHandler creates a handler from uncompiled patterns, as found in
// configuration files.
func NewPatternHandler(name string, patterns []string, opts ...HandlerOption) (*BasicHandler, error) {
	compiled, err := CompilePatterns(patterns)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", name, err)
	}
	return NewHandler(name, append([]HandlerOption{WithPatterns(compiled...)}, opts...)...), nil
}

// CompilePatterns compiles every pattern or reports the first invalid one
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Name implements Handler
func (h *BasicHandler) Name() string {
	return h.name
}

// ErrorTypes implements Handler
func (h *BasicHandler) ErrorTypes() []reflect.Type {
	return append([]reflect.Type(nil), h.types...)
}

// Sentinels implements SentinelHandler
func (h *BasicHandler) Sentinels() []error {
	return append([]error(nil), h.sentinels...)
}

// Patterns implements Handler
func (h *BasicHandler) Patterns() []*regexp.Regexp {
	return append([]*regexp.Regexp(nil), h.patterns...)
}

// IsApplicable implements Handler
func (h *BasicHandler) IsApplicable() bool {
	if h.applicable == nil {
		return true
	}
	return h.applicable()
}

// Match implements Matcher
func (h *BasicHandler) Match(err error) (bool, string) {
	if h.matcher == nil {
		return false, ""
	}
	return h.matcher(err)
}

// EnvApplicable returns a predicate that is true unless the environment
// variable key is set to a false boolean value ("0", "false", ...).
func EnvApplicable(key string) func() bool {
	return func() bool {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return true
		}
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return true
		}
		return enabled
	}
}
