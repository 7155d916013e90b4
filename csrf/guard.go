package csrf

import (
	"context"
	crand "crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	tokenBytes = 32
	storageKey = "csrf_token"

	FieldToken     = "csrf_token"
	FieldOrigin    = "origin"
	FieldTimestamp = "timestamp"
	FieldRequestID = "request_id"

	HeaderToken       = "X-CSRF-Token"
	HeaderRequestID   = "X-Request-ID"
	HeaderRequestedBy = "X-Requested-With"
)

// Checks reports each part of a Validate call.
type Checks struct {
	Origin  bool
	Referer bool
	Token   bool
}

type Result struct {
	Valid   bool
	Checks  Checks
	Message string
}

// Protected is what Extract recovers from protected form data.
type Protected struct {
	Token     string
	Origin    string
	Timestamp time.Time
	RequestID string
}

// Guard is the client-side half of the double-submit pattern: it owns the
// browsing-session token and stamps outgoing requests with it.
type Guard struct {
	store          kvstore.Store
	policy         OriginPolicy
	allowedHeaders map[string]struct{}
	random         io.Reader
	nowTime        func() time.Time
}

type Option func(*Guard)

// WithRandom replaces the secure random source (primarily for testing)
func WithRandom(r io.Reader) Option {
	return func(g *Guard) {
		g.random = r
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(g *Guard) {
		g.nowTime = nowFunc
	}
}

// WithAllowedHeaders restricts ProtectHeaders to the CORS allowed-headers
// list, given as a comma separated string.
func WithAllowedHeaders(list string) Option {
	return func(g *Guard) {
		g.allowedHeaders = parseHeaderList(list)
	}
}

func parseHeaderList(list string) map[string]struct{} {
	headers := make(map[string]struct{})
	for _, h := range strings.Split(list, ",") {
		if h = strings.TrimSpace(h); h != "" {
			headers[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}
	return headers
}

func NewGuard(store kvstore.Store, policy OriginPolicy, options ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("[csrf.NewGuard] store is required")
	}
	g := &Guard{
		store:   store,
		policy:  policy,
		random:  crand.Reader,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// Token returns the browsing-session token, creating it on first use.
func (g *Guard) Token(ctx context.Context) (string, error) {
	raw, err := g.store.Get(ctx, storageKey)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		log.Warn().Err(err).Msg("csrf token storage unreadable, issuing a new token")
	}

	token := g.newToken()
	if err := g.store.CompareAndSwap(ctx, storageKey, nil, []byte(token), 0); err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			// another caller created it first
			if raw, err := g.store.Get(ctx, storageKey); err == nil {
				return string(raw), nil
			}
		}
		return "", errors.Wrap(err, "[Guard.Token] store token")
	}
	return token, nil
}

// Adopt stores a token issued by the server, replacing any local one.
func (g *Guard) Adopt(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("[Guard.Adopt] empty token")
	}
	return errors.Wrap(g.store.Put(ctx, storageKey, []byte(token), 0), "[Guard.Adopt]")
}

func (g *Guard) newToken() string {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(g.random, b); err != nil {
		log.Warn().Err(err).Msg("secure random source failed, csrf token uses degraded randomness")
		for i := range b {
			b[i] = byte(mrand.IntN(256))
		}
	}
	return hex.EncodeToString(b)
}

func (g *Guard) ValidateOrigin(origin, referer string) OriginResult {
	return g.policy.Validate(origin, referer)
}

// Validate checks origin, referer and that token matches the session token.
func (g *Guard) Validate(ctx context.Context, origin, referer, token string) Result {
	var res Result
	res.Checks.Origin, res.Checks.Referer, _ = g.policy.checks(origin, referer)

	expected, err := g.Token(ctx)
	res.Checks.Token = err == nil && token != "" &&
		subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1

	res.Valid = res.Checks.Origin && res.Checks.Referer && res.Checks.Token
	if !res.Valid {
		res.Message = apperrors.UserMessage(apperrors.ErrCSRFValidationFailed)
	}
	return res
}

// ProtectFormData returns a copy of data with the token, origin, timestamp
// and a request id added.
func (g *Guard) ProtectFormData(ctx context.Context, data url.Values) (url.Values, error) {
	token, err := g.Token(ctx)
	if err != nil {
		return nil, err
	}
	out := make(url.Values, len(data)+4)
	for k, v := range data {
		out[k] = append([]string(nil), v...)
	}
	out.Set(FieldToken, token)
	out.Set(FieldOrigin, originOf(g.policy.Self))
	out.Set(FieldTimestamp, strconv.FormatInt(g.nowTime().UnixMilli(), 10))
	out.Set(FieldRequestID, uuid.NewString())
	return out, nil
}

// ProtectHeaders adds the CSRF headers that the server's CORS policy allows.
// Headers outside that list would fail the preflight, so they are skipped.
func (g *Guard) ProtectHeaders(ctx context.Context, h http.Header) error {
	token, err := g.Token(ctx)
	if err != nil {
		return err
	}
	g.setAllowed(h, HeaderToken, token)
	g.setAllowed(h, HeaderRequestID, uuid.NewString())
	g.setAllowed(h, HeaderRequestedBy, "XMLHttpRequest")
	return nil
}

func (g *Guard) setAllowed(h http.Header, key, value string) {
	if g.allowedHeaders != nil {
		if _, ok := g.allowedHeaders[http.CanonicalHeaderKey(key)]; !ok {
			return
		}
	}
	h.Set(key, value)
}

// Extract reads the fields added by ProtectFormData.
func Extract(data url.Values) (Protected, error) {
	p := Protected{
		Token:     data.Get(FieldToken),
		Origin:    data.Get(FieldOrigin),
		RequestID: data.Get(FieldRequestID),
	}
	if p.Token == "" {
		return Protected{}, errors.Wrap(apperrors.ErrCSRFValidationFailed, "[csrf.Extract] missing token")
	}
	if ts := data.Get(FieldTimestamp); ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Protected{}, errors.Wrap(apperrors.ErrCSRFValidationFailed, "[csrf.Extract] bad timestamp")
		}
		p.Timestamp = time.UnixMilli(ms)
	}
	return p, nil
}
