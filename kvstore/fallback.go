package kvstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var _ Store = (*FallbackStore)(nil)

var errNotHere = errors.New("key held by a later store")

// FallbackStore tries each store in order and moves to the next one when a
// store fails with anything other than ErrNotFound or ErrConflict. The chain
// normally ends with a MemoryStore so that callers never see a storage error.
type FallbackStore struct {
	stores   []Store
	degraded atomic.Bool
}

func NewFallbackStore(stores ...Store) *FallbackStore {
	return &FallbackStore{stores: stores}
}

// Degraded reports whether any operation had to fall through to a later store.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

func isDefinitive(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

func (f *FallbackStore) try(op, key string, fn func(Store) error) error {
	var err error
	for i, s := range f.stores {
		if err = fn(s); isDefinitive(err) {
			return err
		}
		f.degraded.Store(true)
		log.Warn().Err(err).Str("op", op).Str("key", key).Int("store", i).Msg("kvstore degraded, falling back")
	}
	return err
}

func (f *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.Degraded() {
		return f.getAny(ctx, key)
	}
	var out []byte
	err := f.try("get", key, func(s Store) error {
		v, err := s.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

// getAny reads through the whole chain. Once degraded, a write may have
// landed in a later store while an earlier one was down.
func (f *FallbackStore) getAny(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	notFound := false
	for i, s := range f.stores {
		v, err := s.Get(ctx, key)
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, ErrNotFound):
			notFound = true
		default:
			lastErr = err
			log.Warn().Err(err).Str("op", "get").Str("key", key).Int("store", i).Msg("kvstore degraded, falling back")
		}
	}
	if notFound || lastErr == nil {
		return nil, ErrNotFound
	}
	return nil, lastErr
}

func (f *FallbackStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.try("put", key, func(s Store) error { return s.Put(ctx, key, value, ttl) })
}

// Delete removes key from every store once degraded, so a stale copy in a
// later store cannot resurface.
func (f *FallbackStore) Delete(ctx context.Context, key string) error {
	if !f.Degraded() {
		return f.try("delete", key, func(s Store) error { return s.Delete(ctx, key) })
	}
	var lastErr error
	deleted := false
	for i, s := range f.stores {
		if err := s.Delete(ctx, key); isDefinitive(err) {
			deleted = true
		} else {
			lastErr = err
			log.Warn().Err(err).Str("op", "delete").Str("key", key).Int("store", i).Msg("kvstore degraded, falling back")
		}
	}
	if deleted {
		return nil
	}
	return lastErr
}

// CompareAndSwap, once degraded, treats a conflict from a store that does not
// hold the key as "look further down the chain".
func (f *FallbackStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	degraded := f.Degraded()
	err := f.try("cas", key, func(s Store) error {
		err := s.CompareAndSwap(ctx, key, old, value, ttl)
		if degraded && old != nil && errors.Is(err, ErrConflict) {
			if _, gerr := s.Get(ctx, key); errors.Is(gerr, ErrNotFound) {
				return errNotHere
			}
		}
		return err
	})
	if errors.Is(err, errNotHere) {
		return ErrConflict
	}
	return err
}

func (f *FallbackStore) Close() error {
	var errs []error
	for _, s := range f.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
