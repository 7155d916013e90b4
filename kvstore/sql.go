package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLStore)(nil)

// Dialect selects the SQL flavour used by SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type sqlQueries struct {
	schema  string
	get     string
	put     string
	del     string
	insert  string
	replace string
	purge   string
}

func queriesFor(d Dialect) sqlQueries {
	if d == DialectPostgres {
		return sqlQueries{
			schema: `CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				expires_at BIGINT
			)`,
			get: `SELECT value, expires_at FROM kv_store WHERE key = $1`,
			put: `INSERT INTO kv_store (key, value, expires_at) VALUES ($1, $2, $3)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			del: `DELETE FROM kv_store WHERE key = $1`,
			insert: `INSERT INTO kv_store (key, value, expires_at) VALUES ($1, $2, $3)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
				WHERE kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= $4`,
			replace: `UPDATE kv_store SET value = $1, expires_at = $2
				WHERE key = $3 AND value = $4 AND (expires_at IS NULL OR expires_at > $5)`,
			purge: `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		}
	}
	return sqlQueries{
		schema: `CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER
		)`,
		get: `SELECT value, expires_at FROM kv_store WHERE key = ?`,
		put: `INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		del: `DELETE FROM kv_store WHERE key = ?`,
		insert: `INSERT INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
			WHERE kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= ?`,
		replace: `UPDATE kv_store SET value = ?, expires_at = ?
			WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		purge: `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?`,
	}
}

// SQLStore keeps values in a single kv_store table. Expiry is stored as unix
// milliseconds; NULL means no expiry.
type SQLStore struct {
	db      *sql.DB
	q       sqlQueries
	nowFunc func() time.Time
}

// OpenSQLStore opens a sqlite file (or ":memory:") or a postgres DSN.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var db *sql.DB
	switch dialect {
	case DialectSQLite:
		var err error
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// One connection keeps ":memory:" databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	case DialectPostgres:
		pgxConfig, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DSN: %w", err)
		}
		db = stdlib.OpenDB(*pgxConfig)
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	s, err := NewSQLStoreFromDB(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB creates the table if missing and wraps db.
func NewSQLStoreFromDB(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &SQLStore{db: db, q: queriesFor(dialect), nowFunc: time.Now}
	if _, err := db.ExecContext(ctx, s.q.schema); err != nil {
		return nil, fmt.Errorf("failed to ensure kv_store schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.nowFunc().Add(ttl).UnixMilli(), Valid: true}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q.get, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.nowFunc().UnixMilli() {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.q.put, key, value, s.expiry(ttl))
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.q.del, key)
	return err
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	now := s.nowFunc().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.ExecContext(ctx, s.q.insert, key, value, s.expiry(ttl), now)
	} else {
		res, err = s.db.ExecContext(ctx, s.q.replace, value, s.expiry(ttl), key, old, now)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteExpired purges rows whose expiry has passed.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.purge, s.nowFunc().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
