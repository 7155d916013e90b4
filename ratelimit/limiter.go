package ratelimit

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix  = "ratelimit:"
	maxRetries = 8
)

// Config bounds the number of accepted attempts per client within a sliding window.
type Config struct {
	Limit  int
	Window time.Duration
}

func DefaultConfig() Config {
	return Config{Limit: 5, Window: 10 * time.Minute}
}

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// Limiter is a sliding-window limiter. Each client's window is a JSON list of
// unix-millisecond timestamps updated with compare-and-swap, so concurrent
// attempts for the same client never both consume the last slot.
type Limiter struct {
	store    kvstore.Store
	fallback kvstore.Store
	degraded atomic.Bool

	mu      sync.RWMutex
	cfg     Config
	nowTime func() time.Time
}

type Option func(*Limiter)

func WithConfig(cfg Config) Option {
	return func(l *Limiter) {
		l.cfg = cfg
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(l *Limiter) {
		l.nowTime = nowFunc
	}
}

func New(store kvstore.Store, options ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("[ratelimit.New] store is required")
	}
	l := &Limiter{
		store:   store,
		cfg:     DefaultConfig(),
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	l.fallback = kvstore.NewMemoryStore(kvstore.WithMemoryClock(l.nowTime))
	if l.cfg.Limit <= 0 || l.cfg.Window <= 0 {
		return nil, errors.New("[ratelimit.New] limit and window must be positive")
	}
	return l, nil
}

func (l *Limiter) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// SetConfig swaps the thresholds; existing windows are re-evaluated on the next attempt.
func (l *Limiter) SetConfig(cfg Config) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// Degraded reports whether the limiter has switched to its in-memory store.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func (l *Limiter) activeStore() kvstore.Store {
	if l.degraded.Load() {
		return l.fallback
	}
	return l.store
}

func (l *Limiter) degrade(err error) {
	if l.degraded.CompareAndSwap(false, true) {
		log.Warn().Err(err).Msg("rate limiter storage failed, using in-memory windows")
	}
}

// Attempt records an attempt for clientID when it fits in the window. A
// rejected attempt is not recorded, so a rejected client regains a slot as
// soon as its oldest attempt ages out.
func (l *Limiter) Attempt(ctx context.Context, clientID string) (Decision, error) {
	return l.evaluate(ctx, clientID, true)
}

// Check reports what Attempt would decide without recording anything.
func (l *Limiter) Check(ctx context.Context, clientID string) (Decision, error) {
	return l.evaluate(ctx, clientID, false)
}

// Reset forgets every attempt for clientID.
func (l *Limiter) Reset(ctx context.Context, clientID string) error {
	if err := l.activeStore().Delete(ctx, keyPrefix+clientID); err != nil {
		return errors.Wrap(err, "[Limiter.Reset]")
	}
	return nil
}

func (l *Limiter) evaluate(ctx context.Context, clientID string, record bool) (Decision, error) {
	cfg := l.Config()
	key := keyPrefix + clientID

	for i := 0; i < maxRetries; i++ {
		store := l.activeStore()
		now := l.nowTime()

		raw, err := store.Get(ctx, key)
		switch {
		case errors.Is(err, kvstore.ErrNotFound):
			raw = nil
		case err != nil:
			if store == l.fallback {
				return Decision{}, errors.Wrap(err, "[Limiter.Attempt] read window")
			}
			l.degrade(err)
			continue
		}

		stamps, err := decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("client", clientID).Msg("discarding unreadable rate limit window")
			stamps = nil
		}
		stamps = prune(stamps, now, cfg.Window)

		if len(stamps) >= cfg.Limit {
			return Decision{
				Allowed:           false,
				Remaining:         0,
				RetryAfterSeconds: retryAfter(stamps[0], now, cfg.Window),
			}, nil
		}
		if !record {
			return Decision{Allowed: true, Remaining: cfg.Limit - len(stamps)}, nil
		}

		stamps = append(stamps, now.UnixMilli())
		next, err := json.Marshal(stamps)
		if err != nil {
			return Decision{}, errors.Wrap(err, "[Limiter.Attempt] encode window")
		}

		err = store.CompareAndSwap(ctx, key, raw, next, cfg.Window)
		switch {
		case err == nil:
			return Decision{Allowed: true, Remaining: cfg.Limit - len(stamps)}, nil
		case errors.Is(err, kvstore.ErrConflict):
			continue
		case store == l.fallback:
			return Decision{}, errors.Wrap(err, "[Limiter.Attempt] write window")
		default:
			l.degrade(err)
		}
	}
	return Decision{}, errors.Wrap(apperrors.ErrConflict, "[Limiter.Attempt] too much contention")
}

func decode(raw []byte) ([]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var stamps []int64
	if err := json.Unmarshal(raw, &stamps); err != nil {
		return nil, err
	}
	return stamps, nil
}

// prune keeps the timestamps younger than window, oldest first.
func prune(stamps []int64, now time.Time, window time.Duration) []int64 {
	cutoff := now.Add(-window).UnixMilli()
	kept := make([]int64, 0, len(stamps))
	for _, ts := range stamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	slices.Sort(kept)
	return kept
}

func retryAfter(oldest int64, now time.Time, window time.Duration) int {
	wait := time.UnixMilli(oldest).Add(window).Sub(now)
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
