// Package types defines core types shared by strategies, stores and the executor
package types

// CircuitState defines the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed lets attempts through and counts failures
	CircuitClosed CircuitState = iota
	// CircuitOpen denies retries until the reset timeout elapses
	CircuitOpen
	// CircuitHalfOpen permits a single trial attempt
	CircuitHalfOpen
)

// String returns the string representation of CircuitState
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ParseCircuitState converts a persisted state name back into a CircuitState.
// Unknown names map to CircuitClosed.
func ParseCircuitState(s string) CircuitState {
	switch s {
	case "open":
		return CircuitOpen
	case "half-open":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
