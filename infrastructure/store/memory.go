package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value      interface{}
	expiration time.Time // zero means no expiration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryConfig tunes the in-memory adapter.
type MemoryConfig struct {
	CleanupInterval time.Duration
}

// DefaultMemoryConfig returns sensible defaults
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		CleanupInterval: 10 * time.Minute,
	}
}

// MemoryStore is a mutex-guarded in-process backend with TTL support and a
// background cleanup ticker.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}

	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}

	go s.startCleanup(cfg.CleanupInterval)
	return s
}

func (s *MemoryStore) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiration = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Forever(ctx context.Context, key string, value interface{}) error {
	return s.Put(ctx, key, value, 0)
}

func (s *MemoryStore) Forget(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	return !entry.expired(time.Now()), nil
}

func (s *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *MemoryStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*memoryEntry)
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiration = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	var expiration time.Time
	if entry, ok := s.entries[key]; ok && !entry.expired(time.Now()) {
		current = asInt64(entry.value)
		expiration = entry.expiration
	}
	current += by
	s.entries[key] = &memoryEntry{value: current, expiration: expiration}
	return current, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	return s.Increment(ctx, key, -by)
}

func (s *MemoryStore) Driver() string {
	return "memory"
}

// Size returns the number of live entries, for diagnostics.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, entry := range s.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
