package classify

import (
	"context"
	"io"
	"net"
	"os"
	"regexp"
	"syscall"

	"github.com/jzx17/goresilience/pkg/types"
)

// Built-in handler names
const (
	HandlerTimeout  = "timeout"
	HandlerNetwork  = "network"
	HandlerDatabase = "database"
)

// NewTimeoutHandler matches deadline and timeout errors.
func NewTimeoutHandler() *BasicHandler {
	return NewHandler(HandlerTimeout,
		WithSentinels(context.DeadlineExceeded, os.ErrDeadlineExceeded, types.ErrTimeout),
		WithPatterns(
			regexp.MustCompile(`(?i)\btimed? ?out\b`),
			regexp.MustCompile(`(?i)deadline exceeded`),
		),
		WithMatcher(func(err error) (bool, string) {
			if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
				return true, "Timeout() reported true"
			}
			return false, ""
		}),
	)
}

// NewNetworkHandler matches transport-level failures.
func NewNetworkHandler() *BasicHandler {
	return NewHandler(HandlerNetwork,
		WithTypes(TypeOf[*net.OpError](), TypeOf[*net.DNSError]()),
		WithSentinels(
			syscall.ECONNREFUSED,
			syscall.ECONNRESET,
			syscall.ECONNABORTED,
			syscall.EPIPE,
			io.ErrUnexpectedEOF,
		),
		WithPatterns(
			regexp.MustCompile(`(?i)connection (refused|reset|aborted|closed by peer)`),
			regexp.MustCompile(`(?i)broken pipe`),
			regexp.MustCompile(`(?i)no such host`),
			regexp.MustCompile(`(?i)network is unreachable`),
			regexp.MustCompile(`(?i)temporary failure in name resolution`),
			regexp.MustCompile(`(?i)too many requests`),
			regexp.MustCompile(`(?i)service unavailable`),
			regexp.MustCompile(`\b(429|502|503|504)\b`),
		),
	)
}

// NewDatabaseHandler matches transient database conditions.
func NewDatabaseHandler() *BasicHandler {
	return NewHandler(HandlerDatabase,
		WithPatterns(
			regexp.MustCompile(`(?i)deadlock`),
			regexp.MustCompile(`(?i)lock wait timeout`),
			regexp.MustCompile(`(?i)too many connections`),
			regexp.MustCompile(`(?i)server has gone away`),
			regexp.MustCompile(`(?i)lost connection`),
			regexp.MustCompile(`(?i)could not serialize access`),
			regexp.MustCompile(`SQLSTATE\[?(40001|40P01)`),
		),
	)
}

// RegisterBuiltins registers the built-in handlers into r.
func RegisterBuiltins(r *Registry) error {
	for _, h := range []Handler{NewTimeoutHandler(), NewNetworkHandler(), NewDatabaseHandler()} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
