// Package kvstore provides the key/value abstraction with per-key time-to-live
// shared by the session store, the rate limiter and client-held state.
package kvstore

import (
	"context"
	"time"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict is returned by CompareAndSwap when the stored value differs from the expected one.
	ErrConflict = apperrors.ErrConflict
)

// Store is a key/value store with per-key expiry.
//
// A ttl <= 0 stores the value without expiry. CompareAndSwap writes value only
// if the current value equals old; a nil old means the key must be absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error
	Close() error
}

// Wiper is implemented by stores that can drop every key they hold.
type Wiper interface {
	Wipe(ctx context.Context) error
}
