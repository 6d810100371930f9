// Package testutils provides simplified testing utilities and helper functions
package testutils

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewObservedLogger returns a logger whose entries at or above level can be
// inspected by the test.
func NewObservedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

// Flaky returns an operation that fails with err for the first failures calls
// and then returns value. The returned counter reports how many times the
// operation ran.
func Flaky[T any](failures int, err error, value T) (func(ctx context.Context) (T, error), *atomic.Int32) {
	calls := &atomic.Int32{}
	op := func(ctx context.Context) (T, error) {
		n := calls.Add(1)
		if int(n) <= failures {
			var zero T
			return zero, err
		}
		return value, nil
	}
	return op, calls
}

// Failing returns an operation that always fails with err.
func Failing[T any](err error) (func(ctx context.Context) (T, error), *atomic.Int32) {
	calls := &atomic.Int32{}
	op := func(ctx context.Context) (T, error) {
		calls.Add(1)
		var zero T
		return zero, err
	}
	return op, calls
}
