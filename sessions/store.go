package sessions

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/pkg/errors"
)

const keyPrefix = "session:"

// Store maps session ids to Records on top of a kvstore.Store.
type Store struct {
	kv kvstore.Store
}

func NewStore(kv kvstore.Store) (*Store, error) {
	if kv == nil {
		return nil, errors.New("[sessions.NewStore] kv store is required")
	}
	return &Store{kv: kv}, nil
}

func (s *Store) Put(ctx context.Context, record Record, ttl time.Duration) error {
	if record.ID == "" {
		return errors.New("[Store.Put] record id is required")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[Store.Put] encode")
	}
	return errors.Wrap(s.kv.Put(ctx, keyPrefix+record.ID, raw, ttl), "[Store.Put]")
}

func (s *Store) get(ctx context.Context, id string) (Record, []byte, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Record{}, nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return Record{}, nil, errors.Wrap(err, "[Store.Get]")
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, nil, errors.Wrap(err, "[Store.Get] decode")
	}
	return r, raw, nil
}

// Get returns ErrSessionNotFound for unknown or expired ids.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	r, _, err := s.get(ctx, id)
	return r, err
}

// Delete is idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	return errors.Wrap(s.kv.Delete(ctx, keyPrefix+id), "[Store.Delete]")
}

// Swap replaces the stored record only if its token still equals
// expectedToken. A concurrent writer that got there first makes Swap fail
// with ErrInvalidToken and leaves the stored record untouched.
func (s *Store) Swap(ctx context.Context, expectedToken string, record Record, ttl time.Duration) error {
	current, raw, err := s.get(ctx, record.ID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(current.Token), []byte(expectedToken)) != 1 {
		return apperrors.ErrInvalidToken
	}
	next, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[Store.Swap] encode")
	}
	err = s.kv.CompareAndSwap(ctx, keyPrefix+record.ID, raw, next, ttl)
	if errors.Is(err, kvstore.ErrConflict) {
		return apperrors.ErrInvalidToken
	}
	return errors.Wrap(err, "[Store.Swap]")
}
