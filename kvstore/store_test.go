package kvstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// harness pairs a store with a way to move its clock forward
type harness struct {
	store   Store
	advance func(time.Duration)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time            { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func memoryHarness(t *testing.T) harness {
	t.Helper()
	clock := newFakeClock()
	return harness{store: NewMemoryStore(WithMemoryClock(clock.Now)), advance: clock.Advance}
}

func sqliteHarness(t *testing.T) harness {
	t.Helper()
	s, err := OpenSQLStore(context.Background(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clock := newFakeClock()
	s.nowFunc = clock.Now
	return harness{store: s, advance: clock.Advance}
}

func redisHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return harness{store: NewRedisStoreFromClient(client, "test:"), advance: mr.FastForward}
}

type brokenStore struct{}

var errBroken = errors.New("backend unavailable")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errBroken }
func (brokenStore) Put(context.Context, string, []byte, time.Duration) error {
	return errBroken
}
func (brokenStore) Delete(context.Context, string) error { return errBroken }
func (brokenStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) error {
	return errBroken
}
func (brokenStore) Close() error { return nil }

func fallbackHarness(t *testing.T) harness {
	t.Helper()
	clock := newFakeClock()
	return harness{
		store:   NewFallbackStore(brokenStore{}, NewMemoryStore(WithMemoryClock(clock.Now))),
		advance: clock.Advance,
	}
}

func TestStoreConformance(t *testing.T) {
	harnesses := map[string]func(*testing.T) harness{
		"memory":   memoryHarness,
		"sqlite":   sqliteHarness,
		"redis":    redisHarness,
		"fallback": fallbackHarness,
	}

	for name, newHarness := range harnesses {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing key", func(t *testing.T) {
				h := newHarness(t)
				_, err := h.store.Get(ctx, "absent")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("put then get", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Put(ctx, "k", []byte("v1"), time.Minute))
				v, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("v1"), v)
			})

			t.Run("ttl expiry", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Put(ctx, "k", []byte("v1"), time.Minute))
				h.advance(2 * time.Minute)
				_, err := h.store.Get(ctx, "k")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("no ttl survives", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Put(ctx, "k", []byte("v1"), 0))
				h.advance(24 * time.Hour)
				_, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Put(ctx, "k", []byte("v1"), time.Minute))
				require.NoError(t, h.store.Delete(ctx, "k"))
				require.NoError(t, h.store.Delete(ctx, "k"))
				_, err := h.store.Get(ctx, "k")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("insert only when absent", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.CompareAndSwap(ctx, "k", nil, []byte("first"), time.Minute))
				err := h.store.CompareAndSwap(ctx, "k", nil, []byte("second"), time.Minute)
				require.ErrorIs(t, err, ErrConflict)
				v, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("first"), v)
			})

			t.Run("swap requires expected value", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Put(ctx, "k", []byte("v1"), time.Minute))

				err := h.store.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), time.Minute)
				require.ErrorIs(t, err, ErrConflict)

				require.NoError(t, h.store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), time.Minute))
				v, err := h.store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("v2"), v)

				err = h.store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v3"), time.Minute)
				require.ErrorIs(t, err, ErrConflict)
			})

			t.Run("swap on missing key conflicts", func(t *testing.T) {
				h := newHarness(t)
				err := h.store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), time.Minute)
				require.ErrorIs(t, err, ErrConflict)
			})

			t.Run("insert over expired key", func(t *testing.T) {
				h := newHarness(t)
				require.NoError(t, h.store.Put(ctx, "k", []byte("old"), time.Minute))
				h.advance(2 * time.Minute)
				require.NoError(t, h.store.CompareAndSwap(ctx, "k", nil, []byte("new"), time.Minute))
			})
		})
	}
}

func TestFallbackStore_MarksDegraded(t *testing.T) {
	f := NewFallbackStore(brokenStore{}, NewMemoryStore())
	require.False(t, f.Degraded())
	require.NoError(t, f.Put(context.Background(), "k", []byte("v"), time.Minute))
	require.True(t, f.Degraded())
}

func TestFallbackStore_AllFail(t *testing.T) {
	f := NewFallbackStore(brokenStore{})
	err := f.Put(context.Background(), "k", []byte("v"), time.Minute)
	require.ErrorIs(t, err, errBroken)
}

// flakyStore fails every call while down and otherwise serves from memory.
type flakyStore struct {
	*MemoryStore
	down atomic.Bool
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.down.Load() {
		return nil, errBroken
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.down.Load() {
		return errBroken
	}
	return s.MemoryStore.Put(ctx, key, value, ttl)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.down.Load() {
		return errBroken
	}
	return s.MemoryStore.Delete(ctx, key)
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	if s.down.Load() {
		return errBroken
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, old, value, ttl)
}

func TestFallbackStore_WritesSurvivePrimaryRecovery(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: NewMemoryStore()}
	f := NewFallbackStore(primary, NewMemoryStore())

	primary.down.Store(true)
	require.NoError(t, f.Put(ctx, "session", []byte("v1"), time.Minute))
	require.True(t, f.Degraded())
	primary.down.Store(false)

	v, err := f.Get(ctx, "session")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, f.CompareAndSwap(ctx, "session", []byte("v1"), []byte("v2"), time.Minute))
	v, err = f.Get(ctx, "session")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	require.ErrorIs(t, f.CompareAndSwap(ctx, "session", []byte("stale"), []byte("v3"), time.Minute), ErrConflict)

	require.NoError(t, f.Delete(ctx, "session"))
	_, err = f.Get(ctx, "session")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNamespaced(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	a := Namespaced(base, "a")
	b := Namespaced(base, "b")

	require.NoError(t, a.Put(ctx, "k", []byte("from-a"), 0))
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	v, err := base.Get(ctx, "a:k")
	require.NoError(t, err)
	require.Equal(t, []byte("from-a"), v)
}

func TestMemoryStore_WipeAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithMemoryClock(clock.Now))
	require.NoError(t, m.Put(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, m.Put(ctx, "long", []byte("y"), time.Hour))
	require.Equal(t, 2, m.Len())

	clock.Advance(time.Minute)
	m.DeleteExpired()
	require.Equal(t, 1, m.Len())

	require.NoError(t, m.Wipe(ctx))
	require.Equal(t, 0, m.Len())
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Options{Backend: "etcd"})
	require.Error(t, err)
}

func TestNew_SQLiteChainsFallback(t *testing.T) {
	s, err := New(context.Background(), Options{Backend: BackendSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*FallbackStore)
	require.True(t, ok)
}
