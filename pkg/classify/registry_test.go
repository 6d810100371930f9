package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"regexp"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/goresilience/pkg/types"
)

// wrapperError wraps a cause without adding its message.
type wrapperError struct {
	msg   string
	cause error
}

func (e *wrapperError) Error() string { return e.msg }
func (e *wrapperError) Unwrap() error { return e.cause }

// quotaError is a custom error type used for type registration tests.
type quotaError struct{ remaining int }

func (e quotaError) Error() string { return fmt.Sprintf("quota left: %d", e.remaining) }

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(NewHandler("custom")))
	assert.Error(t, r.Register(NewHandler("custom")), "duplicate names are rejected")
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(NewHandler("")))

	h, err := r.Get("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", h.Name())

	require.NoError(t, r.Register(NewHandler("second")))
	assert.Equal(t, []string{"custom", "second"}, r.List())

	require.NoError(t, r.Unregister("custom"))
	assert.Equal(t, []string{"second"}, r.List())
	assert.Error(t, r.Unregister("custom"))

	_, err = r.Get("custom")
	assert.Error(t, err)
}

func TestRegistry_ListReturnsCopy(t *testing.T) {
	r := NewDefaultRegistry()
	names := r.List()
	names[0] = "mutated"
	assert.Equal(t, HandlerTimeout, r.List()[0])
}

func TestClassify_DirectMatches(t *testing.T) {
	r := NewDefaultRegistry()

	tests := []struct {
		name      string
		err       error
		retryable bool
		handler   string
	}{
		{"nil", nil, false, ""},
		{"deadline sentinel", context.DeadlineExceeded, true, HandlerTimeout},
		{"timeout message", errors.New("request timed out"), true, HandlerTimeout},
		{"connection refused errno", syscall.ECONNREFUSED, true, HandlerNetwork},
		{"op error type", &net.OpError{Op: "dial", Err: errors.New("x")}, true, HandlerNetwork},
		{"503 message", errors.New("upstream returned 503"), true, HandlerNetwork},
		{"deadlock message", errors.New("Deadlock found when trying to get lock"), true, HandlerDatabase},
		{"plain error", errors.New("validation failed"), false, ""},
		{"canceled", context.Canceled, false, "context"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.Classify(tt.err)
			assert.Equal(t, tt.retryable, c.Retryable)
			if tt.handler == "" {
				assert.Nil(t, c.Match)
				return
			}
			require.NotNil(t, c.Match)
			assert.Equal(t, tt.handler, c.Match.Handler)
		})
	}
}

func TestClassify_NestedCause(t *testing.T) {
	r := NewDefaultRegistry()

	cause := syscall.ECONNRESET
	err := &wrapperError{msg: "sync failed", cause: &wrapperError{msg: "fetch failed", cause: cause}}

	c := r.Classify(err)
	require.True(t, c.Retryable)
	require.NotNil(t, c.Match)
	assert.Equal(t, 2, c.Match.Depth)
	assert.Equal(t, error(cause), c.Match.Node)
	assert.Equal(t, HandlerNetwork, c.Match.Handler)
}

func TestClassify_JoinedErrors(t *testing.T) {
	r := NewDefaultRegistry()

	err := errors.Join(errors.New("bad input"), &wrapperError{msg: "write", cause: types.ErrTimeout})
	c := r.Classify(err)
	assert.True(t, c.Retryable)
	assert.Equal(t, HandlerTimeout, c.Match.Handler)
}

func TestClassify_Markers(t *testing.T) {
	r := NewDefaultRegistry()

	assert.True(t, r.IsRetryable(types.MarkRetryable(errors.New("validation failed"))))

	permanent := types.MarkPermanent(fmt.Errorf("wrapped: %w", syscall.ECONNREFUSED))
	assert.False(t, r.IsRetryable(permanent), "the marker is the outermost decision")
}

func TestClassify_CanceledStopsWalk(t *testing.T) {
	r := NewDefaultRegistry()
	// canceled wrapped inside a timeout-looking message: the message matches first
	assert.True(t, r.IsRetryable(fmt.Errorf("timed out: %w", context.Canceled)))
	// canceled as the outer node is never retried
	assert.False(t, r.IsRetryable(context.Canceled))
}

func TestClassify_CustomTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandler("quota", WithTypes(TypeOf[quotaError]()))))
	require.NoError(t, r.Register(NewHandler("temporary", WithTypes(TypeOf[interface{ Temporary() bool }]()))))

	assert.True(t, r.IsRetryable(fmt.Errorf("call: %w", quotaError{remaining: 0})))
	assert.True(t, r.IsRetryable(&net.DNSError{IsTemporary: true}))
	assert.False(t, r.IsRetryable(errors.New("other")))
}

func TestClassify_Applicability(t *testing.T) {
	enabled := false
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandler("toggle",
		WithPatterns(regexp.MustCompile("flaky")),
		WithApplicability(func() bool { return enabled }),
	)))

	assert.False(t, r.IsRetryable(errors.New("flaky backend")))
	enabled = true
	assert.True(t, r.IsRetryable(errors.New("flaky backend")))
}

func TestClassify_ExtraRulesApplyPerCall(t *testing.T) {
	r := NewDefaultRegistry()
	err := &wrapperError{msg: "job failed", cause: quotaError{remaining: 0}}

	assert.False(t, r.IsRetryable(err))

	c := r.Classify(err, Rules{Types: []reflect.Type{TypeOf[quotaError]()}})
	assert.True(t, c.Retryable)
	assert.Equal(t, "call", c.Match.Handler)
	assert.Equal(t, 1, c.Match.Depth)

	c = r.Classify(errors.New("shard rebalancing"), Rules{Patterns: []*regexp.Regexp{regexp.MustCompile("rebalanc")}})
	assert.True(t, c.Retryable)

	sentinel := errors.New("leader changed")
	c = r.Classify(fmt.Errorf("write: %w", sentinel), Rules{Sentinels: []error{sentinel}})
	assert.True(t, c.Retryable)

	// the registry itself is unchanged
	assert.False(t, r.IsRetryable(err))
}

type uncomparableError struct{ details []string }

func (e uncomparableError) Error() string { return "uncomparable" }

func TestClassify_UncomparableNodes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewHandler("s", WithSentinels(errors.New("x")))))
	assert.NotPanics(t, func() {
		r.IsRetryable(uncomparableError{details: []string{"a"}})
	})
}

func TestDefaultRegistry(t *testing.T) {
	resetDefaultForTesting()
	t.Cleanup(resetDefaultForTesting)

	assert.Equal(t, []string{HandlerTimeout, HandlerNetwork, HandlerDatabase}, Default().List())
	assert.Same(t, Default(), Default())

	require.NoError(t, RegisterGlobal(NewHandler("global", WithPatterns(regexp.MustCompile("^retry me$")))))
	assert.True(t, IsRetryable(errors.New("retry me")))
}
