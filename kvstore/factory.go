package kvstore

import (
	"context"
	"fmt"
)

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options configures New.
type Options struct {
	Backend string
	DSN     string
	// Prefix namespaces redis keys; Database names the mongo database.
	Prefix   string
	Database string
}

// New builds the configured durable store and chains it in front of an
// in-memory fallback. The memory backend is returned on its own.
func New(ctx context.Context, opts Options) (Store, error) {
	var (
		primary Store
		err     error
	)
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		primary, err = NewRedisStore(ctx, opts.DSN, opts.Prefix)
	case BackendMongo:
		db := opts.Database
		if db == "" {
			db = "lucaverse_auth"
		}
		primary, err = NewMongoStore(ctx, opts.DSN, db)
	case BackendSQLite:
		primary, err = OpenSQLStore(ctx, DialectSQLite, opts.DSN)
	case BackendPostgres:
		primary, err = OpenSQLStore(ctx, DialectPostgres, opts.DSN)
	default:
		return nil, fmt.Errorf("[kvstore.New] unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("[kvstore.New] %s: %w", opts.Backend, err)
	}
	return NewFallbackStore(primary, NewMemoryStore()), nil
}

// Namespaced prefixes every key so that several components can share one store.
func Namespaced(s Store, namespace string) Store {
	return &namespaced{Store: s, prefix: namespace + ":"}
}
