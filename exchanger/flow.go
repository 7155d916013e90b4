package exchanger

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/pkg/errors"
)

const (
	flowKeyPrefix = "flow:"
	consumedFlow  = "consumed"
)

// FlowState is kept between the redirect to the provider and the callback.
type FlowState struct {
	CodeVerifier string    `json:"codeVerifier"`
	Nonce        string    `json:"nonce"`
	ReturnURL    string    `json:"returnUrl"`
	Reauth       bool      `json:"reauth"`
	CreatedAt    time.Time `json:"createdAt"`
}

type flowStore struct {
	kv kvstore.Store
}

func (f flowStore) put(ctx context.Context, state string, fs FlowState, ttl time.Duration) error {
	raw, err := json.Marshal(fs)
	if err != nil {
		return errors.Wrap(err, "[flowStore.put] encode")
	}
	return errors.Wrap(f.kv.CompareAndSwap(ctx, flowKeyPrefix+state, nil, raw, ttl), "[flowStore.put]")
}

// consume returns the flow for state exactly once. A replayed or unknown
// state yields ErrInvalidState.
func (f flowStore) consume(ctx context.Context, state string) (FlowState, error) {
	if state == "" {
		return FlowState{}, apperrors.ErrInvalidState
	}
	key := flowKeyPrefix + state
	raw, err := f.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) || string(raw) == consumedFlow {
		return FlowState{}, apperrors.ErrInvalidState
	}
	if err != nil {
		return FlowState{}, errors.Wrap(err, "[flowStore.consume]")
	}
	// the tombstone outlives any callback retry for this state
	if err := f.kv.CompareAndSwap(ctx, key, raw, []byte(consumedFlow), time.Minute); err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return FlowState{}, apperrors.ErrInvalidState
		}
		return FlowState{}, errors.Wrap(err, "[flowStore.consume]")
	}
	var fs FlowState
	if err := json.Unmarshal(raw, &fs); err != nil {
		return FlowState{}, errors.Wrap(apperrors.ErrInvalidState, err.Error())
	}
	return fs, nil
}

// SafeReturnURL keeps only same-site relative paths. Browsers drop tab, CR
// and LF while parsing and treat a backslash as a slash, so those never pass.
func SafeReturnURL(raw string) string {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") ||
		strings.ContainsFunc(raw, unicode.IsControl) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return raw
}
