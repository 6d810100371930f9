package classify

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/jzx17/goresilience/pkg/types"
)

// maxChainDepth bounds the cause-chain walk.
const maxChainDepth = 64

// Rules are extra criteria applied to a single classification.
type Rules struct {
	Types     []reflect.Type
	Sentinels []error
	Patterns  []*regexp.Regexp
}

// Empty reports whether r adds nothing.
func (r Rules) Empty() bool {
	return len(r.Types) == 0 && len(r.Sentinels) == 0 && len(r.Patterns) == 0
}

// Match describes where in the cause chain a rule matched.
type Match struct {
	// Handler is the handler that matched, or "call" for per-call rules
	Handler string
	// Node is the error in the chain that matched
	Node error
	// Depth is the position of Node in the chain, 0 being the outermost error
	Depth int
	// Reason describes the rule that matched
	Reason string
}

// Classification is the outcome of Classify.
type Classification struct {
	Retryable bool
	Match     *Match
}

// Registry is a registry for error handlers
type Registry struct {
	handlers map[string]Handler
	order    []string
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewDefaultRegistry creates a registry holding the built-in handlers
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	// built-in names are unique, registration cannot fail
	_ = RegisterBuiltins(r)
	return r
}

// Register registers a handler
func (r *Registry) Register(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("cannot register nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if name == "" {
		return fmt.Errorf("cannot register handler without a name")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler with name %s already exists", name)
	}

	r.handlers[name] = handler
	r.order = append(r.order, name)
	return nil
}

// Unregister removes a handler
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return fmt.Errorf("handler with name %s not found", name)
	}

	delete(r.handlers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get gets a handler by name
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[name]
	if !exists {
		return nil, fmt.Errorf("handler with name %s not found", name)
	}
	return handler, nil
}

// List lists handler names in registration order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// applicable snapshots the handlers that are currently enabled
func (r *Registry) applicable() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handler, 0, len(r.order))
	for _, name := range r.order {
		if h := r.handlers[name]; h.IsApplicable() {
			out = append(out, h)
		}
	}
	return out
}

// IsRetryable reports whether err is retryable under the registry's rules
func (r *Registry) IsRetryable(err error) bool {
	return r.Classify(err).Retryable
}

// Classify walks err's cause chain, outermost first, and reports the first
// node matching any applicable handler or any of the extra rules.
//
// Two kinds of node end the walk early: an explicit *types.RetryableError
// marker decides the outcome on its own, and context.Canceled is never
// retried.
func (r *Registry) Classify(err error, extra ...Rules) Classification {
	if err == nil {
		return Classification{}
	}

	handlers := r.applicable()

	var result Classification
	walk(err, 0, func(node error, depth int) bool {
		if m, ok := node.(*types.RetryableError); ok {
			result = Classification{
				Retryable: m.Retryable,
				Match:     &Match{Handler: "marker", Node: node, Depth: depth, Reason: "explicit retryability marker"},
			}
			return true
		}
		if node == context.Canceled {
			result = Classification{
				Match: &Match{Handler: "context", Node: node, Depth: depth, Reason: "context canceled"},
			}
			return true
		}

		for _, h := range handlers {
			if reason, ok := matchHandler(h, node); ok {
				result = Classification{
					Retryable: true,
					Match:     &Match{Handler: h.Name(), Node: node, Depth: depth, Reason: reason},
				}
				return true
			}
		}
		for _, rules := range extra {
			if reason, ok := matchRules(rules, node); ok {
				result = Classification{
					Retryable: true,
					Match:     &Match{Handler: "call", Node: node, Depth: depth, Reason: reason},
				}
				return true
			}
		}
		return false
	})

	return result
}

// walk visits err and its causes depth-first. visit returns true to stop.
func walk(err error, depth int, visit func(error, int) bool) bool {
	if err == nil || depth > maxChainDepth {
		return false
	}
	if visit(err, depth) {
		return true
	}

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, cause := range u.Unwrap() {
			if walk(cause, depth+1, visit) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), depth+1, visit)
	}
	return false
}

func matchHandler(h Handler, node error) (string, bool) {
	rules := Rules{Types: h.ErrorTypes(), Patterns: h.Patterns()}
	if sh, ok := h.(SentinelHandler); ok {
		rules.Sentinels = sh.Sentinels()
	}
	if reason, ok := matchRules(rules, node); ok {
		return reason, true
	}
	if m, ok := h.(Matcher); ok {
		if matched, reason := m.Match(node); matched {
			return reason, true
		}
	}
	return "", false
}

func matchRules(rules Rules, node error) (string, bool) {
	nodeType := reflect.TypeOf(node)
	for _, t := range rules.Types {
		if t == nil {
			continue
		}
		if t.Kind() == reflect.Interface {
			if nodeType.Implements(t) {
				return "implements " + t.String(), true
			}
			continue
		}
		if nodeType == t {
			return "type " + t.String(), true
		}
	}

	if nodeType.Comparable() {
		for _, s := range rules.Sentinels {
			if reflect.TypeOf(s) == nodeType && node == s {
				return "sentinel " + s.Error(), true
			}
		}
	}

	if len(rules.Patterns) > 0 {
		msg := node.Error()
		for _, p := range rules.Patterns {
			if p.MatchString(msg) {
				return "pattern " + p.String(), true
			}
		}
	}
	return "", false
}

// Global default registry
var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry, populated with the built-in
// handlers on first use.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewDefaultRegistry()
	})
	return defaultRegistry
}

// resetDefaultForTesting resets the global registry (for testing only)
func resetDefaultForTesting() {
	defaultRegistry = nil
	defaultRegistryOnce = sync.Once{}
}

// RegisterGlobal registers handler into the default registry
func RegisterGlobal(handler Handler) error {
	return Default().Register(handler)
}

// IsRetryable classifies err with the default registry
func IsRetryable(err error) bool {
	return Default().IsRetryable(err)
}
