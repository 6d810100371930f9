package retry

import (
	"runtime/debug"
	"slices"

	"github.com/jzx17/goresilience/pkg/types"
)

// Result is the outcome of a run: a value or an error, plus the history of
// failed attempts. Transformations return new Results and never modify the
// receiver.
type Result[T any] struct {
	value       T
	err         error
	history     []AttemptRecord
	attempts    int
	operationID string
}

// Success creates a successful Result
func Success[T any](value T, history ...AttemptRecord) *Result[T] {
	return &Result[T]{value: value, history: slices.Clone(history), attempts: len(history) + 1}
}

// Failure creates a failed Result. A nil err is replaced by
// types.ErrNilOperation so that exactly one of value and error is set.
func Failure[T any](err error, history ...AttemptRecord) *Result[T] {
	if err == nil {
		err = types.ErrNilOperation
	}
	return &Result[T]{err: err, history: slices.Clone(history), attempts: len(history)}
}

// Value returns the value, or the zero value and the error
func (r *Result[T]) Value() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

// MustValue returns the value and panics on failure
func (r *Result[T]) MustValue() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}

// Err returns the error, nil on success
func (r *Result[T]) Err() error {
	return r.err
}

// Throw returns the final error, nil on success
func (r *Result[T]) Throw() error {
	return r.err
}

// ThrowFirst returns the error of the first failed attempt, which is usually
// the root cause. It falls back to the final error when no attempt failed.
func (r *Result[T]) ThrowFirst() error {
	if r.err == nil {
		return nil
	}
	if len(r.history) > 0 && r.history[0].Err != nil {
		return r.history[0].Err
	}
	return r.err
}

// Succeeded reports whether the result holds a value
func (r *Result[T]) Succeeded() bool {
	return r.err == nil
}

// Attempts returns how many times the operation was invoked
func (r *Result[T]) Attempts() int {
	return r.attempts
}

// OperationID returns the id of the run that produced the result
func (r *Result[T]) OperationID() string {
	return r.operationID
}

// ExceptionHistory returns a copy of the failed attempts, oldest first
func (r *Result[T]) ExceptionHistory() []AttemptRecord {
	return slices.Clone(r.history)
}

// Then applies f to the value of a successful result. A failed result is
// passed through. An error or panic from f fails the new result.
func (r *Result[T]) Then(f func(T) (T, error)) *Result[T] {
	return Map(r, f)
}

// Catch applies f to the error of a failed result, recovering it into a
// success unless f fails too. A successful result is passed through.
func (r *Result[T]) Catch(f func(error) (T, error)) *Result[T] {
	if r.err == nil {
		return r.clone()
	}
	out := r.clone()
	value, err := guard(func() (T, error) { return f(r.err) })
	if err != nil {
		out.err = err
		return out
	}
	out.value, out.err = value, nil
	return out
}

// Finally calls f exactly once whatever the state. An error or panic from f
// fails the new result, replacing any value or earlier error.
func (r *Result[T]) Finally(f func() error) *Result[T] {
	out := r.clone()
	_, err := guard(func() (struct{}, error) { return struct{}{}, f() })
	if err != nil {
		var zero T
		out.value, out.err = zero, err
	}
	return out
}

// Map applies f to the value of a successful result, changing its type. A
// failed result is passed through with its error and history.
func Map[T, U any](r *Result[T], f func(T) (U, error)) *Result[U] {
	out := &Result[U]{
		err:         r.err,
		history:     slices.Clone(r.history),
		attempts:    r.attempts,
		operationID: r.operationID,
	}
	if r.err != nil {
		return out
	}
	out.value, out.err = guard(func() (U, error) { return f(r.value) })
	if out.err != nil {
		var zero U
		out.value = zero
	}
	return out
}

func (r *Result[T]) clone() *Result[T] {
	out := *r
	out.history = slices.Clone(r.history)
	return &out
}

// guard runs fn, turning a panic into a *types.PanicError.
func guard[V any](fn func() (V, error)) (value V, err error) {
	defer func() {
		if p := recover(); p != nil {
			var zero V
			value, err = zero, newPanicError(p, debug.Stack())
		}
	}()
	return fn()
}
