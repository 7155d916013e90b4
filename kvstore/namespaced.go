package kvstore

import (
	"context"
	"time"
)

type namespaced struct {
	Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.Store.Get(ctx, n.prefix+key)
}

func (n *namespaced) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.Store.Put(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.Store.Delete(ctx, n.prefix+key)
}

func (n *namespaced) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	return n.Store.CompareAndSwap(ctx, n.prefix+key, old, value, ttl)
}

// Close is a no-op; the underlying store is owned by whoever created it.
func (n *namespaced) Close() error {
	return nil
}
