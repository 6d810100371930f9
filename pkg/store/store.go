// Package store defines the key/value contract used to share circuit breaker
// and rate limiter state between executors, together with an in-process
// implementation backed by bigcache and a Redis implementation.
//
// Values are raw bytes. Counters are stored as base-10 ASCII integers so that
// Get, Put and Increment interoperate on the same key regardless of backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrIncrementUnsupported is returned by stores that cannot increment
// atomically. Callers fall back to a read-modify-write cycle.
var ErrIncrementUnsupported = errors.New("store: atomic increment not supported")

// Store is the external key/value service consumed by shared-state strategies.
type Store interface {
	// Get returns the value stored at key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value at key. A ttl of zero keeps the value until removed.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds one to the counter at key, creating it at 1
	// when absent, and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// Forget removes key. Removing a missing key is not an error.
	Forget(ctx context.Context, key string) error

	// Close releases the connection or cache behind the store.
	Close() error
}

// Increment adds one to the counter at key. When s reports
// ErrIncrementUnsupported the counter is read, incremented and written back.
// That fallback is not atomic: two concurrent writers may both observe the
// same value and one increment is lost.
//
// A positive ttl is attached when the counter is created. Atomic stores create
// counters without expiry, so the first increment rewrites the value with the
// ttl; an increment landing between the two calls is lost.
func Increment(ctx context.Context, s Store, key string, ttl time.Duration) (int64, error) {
	n, err := s.Increment(ctx, key)
	if err == nil {
		if n == 1 && ttl > 0 {
			if err := PutInt(ctx, s, key, n, ttl); err != nil {
				return 0, err
			}
		}
		return n, nil
	}
	if !errors.Is(err, ErrIncrementUnsupported) {
		return 0, err
	}

	current, _, err := GetInt(ctx, s, key)
	if err != nil {
		return 0, err
	}
	current++
	if err := PutInt(ctx, s, key, current, ttl); err != nil {
		return 0, err
	}
	return current, nil
}

// GetInt reads a counter. Missing keys read as zero.
func GetInt(ctx context.Context, s Store, key string) (int64, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("store: key %q does not hold an integer: %w", key, err)
	}
	return n, true, nil
}

// PutInt writes a counter.
func PutInt(ctx context.Context, s Store, key string, n int64, ttl time.Duration) error {
	return s.Put(ctx, key, []byte(strconv.FormatInt(n, 10)), ttl)
}
