package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/jzx17/goresilience/pkg/types"
)

// expiryHeaderSize is the length of the big-endian expiry prefix written in
// front of every entry. Zero means the entry never expires.
const expiryHeaderSize = 8

// MemoryConfig configures the bigcache-backed store.
type MemoryConfig struct {
	// LifeWindow bounds how long bigcache keeps any entry, regardless of ttl.
	LifeWindow time.Duration `yaml:"life_window"`
	// CleanWindow is the interval between bigcache eviction sweeps.
	CleanWindow time.Duration `yaml:"clean_window"`
	// Shards must be a power of two.
	Shards int `yaml:"shards"`
	// MaxEntrySize is the expected upper bound of a value in bytes.
	MaxEntrySize int `yaml:"max_entry_size"`
}

// DefaultMemoryConfig returns settings suited to a handful of breaker and
// limiter keys per process.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		LifeWindow:   24 * time.Hour,
		CleanWindow:  5 * time.Minute,
		Shards:       64,
		MaxEntrySize: 64,
	}
}

// MemoryStore is an in-process Store built on bigcache. Per-key ttls are
// encoded in each entry. Increment is atomic within the process.
type MemoryStore struct {
	cache  *bigcache.BigCache
	clock  types.Clock
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used to evaluate ttls.
func WithMemoryClock(clock types.Clock) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMemoryStore creates a bigcache-backed store.
func NewMemoryStore(cfg MemoryConfig, opts ...MemoryOption) (*MemoryStore, error) {
	defaults := DefaultMemoryConfig()
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = defaults.LifeWindow
	}
	if cfg.CleanWindow <= 0 {
		cfg.CleanWindow = defaults.CleanWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaults.Shards
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = defaults.MaxEntrySize
	}

	bcfg := bigcache.DefaultConfig(cfg.LifeWindow)
	bcfg.CleanWindow = cfg.CleanWindow
	bcfg.Shards = cfg.Shards
	bcfg.MaxEntrySize = cfg.MaxEntrySize + expiryHeaderSize
	bcfg.Verbose = false

	cache, err := bigcache.New(context.Background(), bcfg)
	if err != nil {
		return nil, fmt.Errorf("store: create memory cache: %w", err)
	}

	s := &MemoryStore{
		cache:  cache,
		clock:  types.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value, s.expiryFor(ttl))
}

// Increment implements Store. The counter keeps the expiry it already had.
func (s *MemoryStore) Increment(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}

	var (
		current int64
		expiry  int64
	)
	entry, err := s.cache.Get(key)
	switch {
	case errors.Is(err, bigcache.ErrEntryNotFound):
	case err != nil:
		return 0, err
	default:
		value, exp, live := s.decode(entry)
		if live {
			expiry = exp
			current, err = strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("store: key %q does not hold an integer: %w", key, err)
			}
		}
	}

	current++
	if err := s.putLocked(key, []byte(strconv.FormatInt(current, 10)), expiry); err != nil {
		return 0, err
	}
	return current, nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if err := s.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Close releases the cache.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.cache.Close()
}

var errClosed = errors.New("store: memory store closed")

func (s *MemoryStore) getLocked(key string) ([]byte, bool, error) {
	if s.closed {
		return nil, false, errClosed
	}

	entry, err := s.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, false, nil
		}
		s.logger.Warn("memory store read failed", zap.String("key", key), zap.Error(err))
		return nil, false, err
	}

	value, _, live := s.decode(entry)
	if !live {
		_ = s.cache.Delete(key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *MemoryStore) putLocked(key string, value []byte, expiry int64) error {
	if s.closed {
		return errClosed
	}
	entry := make([]byte, expiryHeaderSize+len(value))
	binary.BigEndian.PutUint64(entry, uint64(expiry))
	copy(entry[expiryHeaderSize:], value)
	return s.cache.Set(key, entry)
}

func (s *MemoryStore) expiryFor(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixNano()
}

// decode splits an entry into its value and expiry and reports whether it is
// still live. The returned value is a copy.
func (s *MemoryStore) decode(entry []byte) ([]byte, int64, bool) {
	if len(entry) < expiryHeaderSize {
		return nil, 0, false
	}
	expiry := int64(binary.BigEndian.Uint64(entry[:expiryHeaderSize]))
	if expiry != 0 && s.clock.Now().UnixNano() >= expiry {
		return nil, 0, false
	}
	value := make([]byte, len(entry)-expiryHeaderSize)
	copy(value, entry[expiryHeaderSize:])
	return value, expiry, true
}
