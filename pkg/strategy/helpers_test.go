package strategy

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jzx17/goresilience/internal/testutils"
	"github.com/jzx17/goresilience/pkg/store"
)

var errTransient = errors.New("transient")

func newMemoryStore(t *testing.T, clock *testutils.ClockWrapper) *store.MemoryStore {
	t.Helper()
	s, err := store.NewMemoryStore(store.DefaultMemoryConfig(), store.WithMemoryClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// downStore fails every call.
type downStore struct{}

var errDown = errors.New("connection refused")

func (downStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errDown
}

func (downStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errDown
}

func (downStore) Increment(ctx context.Context, key string) (int64, error) {
	return 0, errDown
}

func (downStore) Forget(ctx context.Context, key string) error {
	return errDown
}

func (downStore) Close() error { return nil }

// spyStrategy records the calls it receives.
type spyStrategy struct {
	mu        sync.Mutex
	delay     time.Duration
	retry     bool
	calls     int
	successes []int
}

func newSpy(delay time.Duration) *spyStrategy {
	return &spyStrategy{delay: delay, retry: true}
}

func (s *spyStrategy) Delay(attempt int) time.Duration {
	return s.delay
}

func (s *spyStrategy) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.retry && attempt < maxAttempts
}

func (s *spyStrategy) OnSuccess(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, attempt)
}

func (s *spyStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
