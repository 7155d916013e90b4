package kvstore

import (
	"bytes"
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a thread-safe in-memory Store. It is the last link of every
// fallback chain and the default for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source (primarily for testing)
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.nowFunc = now
	}
}

func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.nowFunc().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e, m.nowFunc()) {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	present := ok && !m.expired(e, m.nowFunc())
	switch {
	case old == nil && present:
		return ErrConflict
	case old != nil && (!present || !bytes.Equal(e.value, old)):
		return ErrConflict
	}
	m.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: m.expiry(ttl)}
	return nil
}

// Wipe removes every entry.
func (m *MemoryStore) Wipe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.nowFunc()
	n := 0
	for _, e := range m.entries {
		if !m.expired(e, now) {
			n++
		}
	}
	return n
}

// DeleteExpired removes entries whose ttl has elapsed.
func (m *MemoryStore) DeleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	for k, e := range m.entries {
		if m.expired(e, now) {
			delete(m.entries, k)
		}
	}
}

func (m *MemoryStore) Close() error {
	return nil
}
