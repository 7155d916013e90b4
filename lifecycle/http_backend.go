package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/csrf"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/sessions"
	"github.com/pkg/errors"
)

const (
	PathCSRF          = "/auth/csrf"
	PathVerify        = "/auth/verify"
	PathRefresh       = "/auth/refresh"
	PathExtend        = "/auth/extend"
	PathLogout        = "/auth/logout"
	PathSessionPolicy = "/auth/session-policy"

	defaultHTTPTimeout = 15 * time.Second
)

var _ Backend = (*HTTPBackend)(nil)

// VerifyResponse is the body of a successful verify call.
type VerifyResponse struct {
	Valid     bool          `json:"valid"`
	User      sessions.User `json:"user"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// ErrorResponse is the body of every failed auth endpoint call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPBackend talks to the auth endpoints with cookie credentials and stamps
// state-changing requests with the CSRF token.
type HTTPBackend struct {
	base   *url.URL
	client *http.Client
	guard  *csrf.Guard

	mu        sync.Mutex
	csrfReady bool
}

type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the client. It must carry a cookie jar.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		b.client = c
	}
}

func NewHTTPBackend(baseURL string, guard *csrf.Guard, options ...HTTPOption) (*HTTPBackend, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("[lifecycle.NewHTTPBackend] invalid base url %q", baseURL)
	}
	if guard == nil {
		return nil, errors.New("[lifecycle.NewHTTPBackend] csrf guard is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "[lifecycle.NewHTTPBackend] cookie jar")
	}
	b := &HTTPBackend{
		base:   base,
		client: &http.Client{Jar: jar, Timeout: defaultHTTPTimeout},
		guard:  guard,
	}
	for _, opt := range options {
		opt(b)
	}
	if b.client.Jar == nil {
		return nil, errors.New("[lifecycle.NewHTTPBackend] http client needs a cookie jar")
	}
	return b, nil
}

// Jar exposes the credential cookies.
func (b *HTTPBackend) Jar() http.CookieJar {
	return b.client.Jar
}

func (b *HTTPBackend) Verify(ctx context.Context) (Session, error) {
	var body VerifyResponse
	err := b.do(ctx, http.MethodGet, PathVerify, &body)
	if errors.Is(err, apperrors.ErrSessionExpired) || errors.Is(err, apperrors.ErrInvalidToken) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, err
	}
	return Session{Authenticated: body.Valid, User: body.User, ExpiresAt: body.ExpiresAt}, nil
}

func (b *HTTPBackend) Refresh(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, PathRefresh, nil)
}

func (b *HTTPBackend) Extend(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, PathExtend, nil)
}

func (b *HTTPBackend) Logout(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, PathLogout, nil)
}

// Policy fetches the server's lifecycle thresholds.
func (b *HTTPBackend) Policy(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	if err := b.do(ctx, http.MethodGet, PathSessionPolicy, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fetchCSRF obtains the server-issued token once per backend.
func (b *HTTPBackend) fetchCSRF(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.csrfReady {
		return nil
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := b.send(ctx, http.MethodGet, PathCSRF, &body); err != nil {
		return err
	}
	if err := b.guard.Adopt(ctx, body.Token); err != nil {
		return err
	}
	b.csrfReady = true
	return nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, out any) error {
	if method == http.MethodGet {
		return b.send(ctx, method, path, out)
	}
	for attempt := 0; ; attempt++ {
		if err := b.fetchCSRF(ctx); err != nil {
			return err
		}
		err := b.send(ctx, method, path, out)
		if attempt == 0 && errors.Is(err, apperrors.ErrCSRFValidationFailed) {
			// cookie rotated or expired; fetch a fresh token once
			b.mu.Lock()
			b.csrfReady = false
			b.mu.Unlock()
			continue
		}
		return err
	}
}

func (b *HTTPBackend) send(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.base.String()+path, nil)
	if err != nil {
		return errors.Wrapf(err, "[HTTPBackend] %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", b.base.Scheme+"://"+b.base.Host)
	if method != http.MethodGet {
		if err := b.guard.ProtectHeaders(ctx, req.Header); err != nil {
			return errors.Wrap(err, "[HTTPBackend] csrf headers")
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(apperrors.ErrNetworkError, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "[HTTPBackend] decode %s", path)
	}
	if resp.StatusCode >= 500 {
		return errors.Wrapf(apperrors.ErrNetworkError, "%s %s: status %d", method, path, resp.StatusCode)
	}

	var body ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" && resp.StatusCode == http.StatusUnauthorized {
		body.Error = apperrors.CodeInvalidToken
	}
	return errors.Wrapf(apperrors.FromCode(body.Error), "%s %s: status %d", method, path, resp.StatusCode)
}
