package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/abuse"
	"github.com/lucianoaf8/lucaverse-auth/csrf"
	"github.com/lucianoaf8/lucaverse-auth/exchanger"
	"github.com/lucianoaf8/lucaverse-auth/internal/config"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/lucianoaf8/lucaverse-auth/lifecycle"
	"github.com/lucianoaf8/lucaverse-auth/ratelimit"
	"github.com/lucianoaf8/lucaverse-auth/relay"
	"github.com/lucianoaf8/lucaverse-auth/server"
	"github.com/lucianoaf8/lucaverse-auth/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const goodCode = "good-code"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// provider is a minimal identity provider.
type provider struct {
	*httptest.Server
	mu    sync.Mutex
	email string
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{email: "luca@example.com"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("code") != goodCode && r.FormValue("grant_type") != "refresh_token" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "provider-access",
			"token_type":    "Bearer",
			"refresh_token": "provider-refresh",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"id":             "g-1",
			"email":          p.email,
			"verified_email": true,
			"name":           "Luca",
		})
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *provider) setEmail(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.email = email
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fixture struct {
	ts        *httptest.Server
	srv       *server.Server
	cfg       config.Config
	provider  *provider
	clock     *clock
	relayed   chan relay.Contact
	formGuard *abuse.Guard
}

type fixtureOption func(t *testing.T)

// withThrottle overrides the generous default request budget.
func withThrottle(perSecond, burst string) fixtureOption {
	return func(t *testing.T) {
		t.Setenv("THROTTLE_RPS", perSecond)
		t.Setenv("THROTTLE_BURST", burst)
	}
}

func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	t.Setenv("ENV", "TEST")
	t.Setenv("ALLOWED_ORIGINS", "https://lucaverse.com")
	t.Setenv("THROTTLE_RPS", "1000")
	t.Setenv("THROTTLE_BURST", "1000")
	for _, opt := range options {
		opt(t)
	}

	f := &fixture{
		provider: newProvider(t),
		clock:    &clock{now: time.Now()},
		relayed:  make(chan relay.Contact, 10),
		cfg:      config.New(),
	}

	// the callback URL needs the listener address before the server exists
	var handler atomic.Pointer[server.Server]
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Load().ServeHTTP(w, r)
	}))
	t.Cleanup(f.ts.Close)

	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c relay.Contact
		_ = json.NewDecoder(r.Body).Decode(&c)
		f.relayed <- c
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(endpoint.Close)

	kv := kvstore.NewMemoryStore()
	store, err := sessions.NewStore(kvstore.Namespaced(kv, "sessions"))
	require.NoError(t, err)
	signer, err := exchanger.NewTokenSigner([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	ex, err := exchanger.New(exchanger.Config{
		OAuth2: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:   f.provider.URL + "/authorize",
				TokenURL:  f.provider.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: f.ts.URL + server.RouteAuthCallback,
		},
		UserInfoURL: f.provider.URL + "/userinfo",
	}, exchanger.Deps{
		Sessions:  store,
		Flows:     kvstore.Namespaced(kv, "flows"),
		AllowList: exchanger.NewStaticAllowList([]string{"luca@example.com"}),
		Signer:    signer,
	})
	require.NoError(t, err)

	protector, err := csrf.NewProtector([]byte(strings.Repeat("c", 32)),
		csrf.OriginPolicy{Allowed: f.cfg.GetAllowedOrigins(), Self: f.ts.URL}, false)
	require.NoError(t, err)

	limits := kvstore.NewMemoryStore(kvstore.WithMemoryClock(f.clock.Now))
	limiter, err := ratelimit.New(limits, ratelimit.WithNowTime(f.clock.Now))
	require.NoError(t, err)
	f.formGuard, err = abuse.New(limiter, abuse.WithNowTime(f.clock.Now))
	require.NoError(t, err)
	rl, err := relay.New(endpoint.URL, relay.WithRetries(0, 0))
	require.NoError(t, err)

	f.srv, err = server.New(f.cfg, server.Deps{
		Exchanger: ex,
		Protector: protector,
		Forms:     f.formGuard,
		Limiter:   limiter,
		Relay:     rl,
	})
	require.NoError(t, err)
	handler.Store(f.srv)
	return f
}

// browser returns a client that keeps cookies and does not follow redirects.
func (f *fixture) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (f *fixture) get(t *testing.T, c *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := c.Get(f.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) post(t *testing.T, c *http.Client, path, contentType string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Origin", f.ts.URL)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// signIn runs the redirect round trip and returns the final location.
func (f *fixture) signIn(t *testing.T, c *http.Client, loginQuery string) string {
	t.Helper()
	resp := f.get(t, c, server.RouteAuthLogin+loginQuery)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	authURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "S256", authURL.Query().Get("code_challenge_method"))

	q := url.Values{"code": {goodCode}, "state": {authURL.Query().Get("state")}}
	resp = f.get(t, c, server.RouteAuthCallback+"?"+q.Encode())
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	return resp.Header.Get("Location")
}

// csrfHeader fetches the token for c and returns it as a request header.
func (f *fixture) csrfHeader(t *testing.T, c *http.Client) http.Header {
	t.Helper()
	resp := f.get(t, c, server.RouteAuthCSRF)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct{ Token string }
	decode(t, resp, &body)
	return http.Header{csrf.HeaderToken: {body.Token}}
}

func (f *fixture) sessionCookie(t *testing.T, c *http.Client, name string) string {
	t.Helper()
	u, err := url.Parse(f.ts.URL)
	require.NoError(t, err)
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func TestAuthFlow_EndToEnd(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	ctx := context.Background()

	require.Equal(t, "/contact", f.signIn(t, c, "?return_url=/contact"))
	firstToken := f.sessionCookie(t, c, exchanger.AuthTokenCookie)
	require.NotEmpty(t, firstToken)

	guard, err := csrf.NewGuard(kvstore.NewMemoryStore(), csrf.OriginPolicy{Self: f.ts.URL})
	require.NoError(t, err)
	backend, err := lifecycle.NewHTTPBackend(f.ts.URL, guard, lifecycle.WithHTTPClient(c))
	require.NoError(t, err)

	sess, err := backend.Verify(ctx)
	require.NoError(t, err)
	require.True(t, sess.Authenticated)
	require.Equal(t, "luca@example.com", sess.User.Email)

	require.NoError(t, backend.Refresh(ctx))
	require.NotEqual(t, firstToken, f.sessionCookie(t, c, exchanger.AuthTokenCookie))
	require.NoError(t, backend.Extend(ctx))

	policy, err := backend.Policy(ctx)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, policy.IdleTimeout)
	require.Equal(t, server.RouteAuthLogin, policy.LoginURL)

	m, err := lifecycle.New(backend, lifecycle.WithConfig(policy))
	require.NoError(t, err)
	t.Cleanup(m.Teardown)
	require.NoError(t, m.Start(ctx))
	require.Equal(t, lifecycle.Active, m.State())

	require.NoError(t, m.Logout(ctx))
	require.Empty(t, f.sessionCookie(t, c, exchanger.SessionIDCookie))

	sess, err = backend.Verify(ctx)
	require.NoError(t, err)
	require.False(t, sess.Authenticated)
}

func TestCallback_RefusesUnlistedEmail(t *testing.T) {
	f := newFixture(t)
	f.provider.setEmail("stranger@example.com")
	c := f.browser(t)

	require.Equal(t, "/?auth_error="+apperrors.CodeAuthDenied, f.signIn(t, c, ""))
	require.Empty(t, f.sessionCookie(t, c, exchanger.SessionIDCookie))
}

func TestCallback_ReplayedState(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)

	resp := f.get(t, c, server.RouteAuthLogin)
	authURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := url.Values{"code": {goodCode}, "state": {authURL.Query().Get("state")}}.Encode()

	require.Equal(t, http.StatusSeeOther, f.get(t, c, server.RouteAuthCallback+"?"+q).StatusCode)
	resp = f.get(t, c, server.RouteAuthCallback+"?"+q)
	require.Equal(t, "/?auth_error="+apperrors.CodeInvalidState, resp.Header.Get("Location"))
}

func TestCallback_ProviderError(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, f.browser(t), server.RouteAuthCallback+"?error=access_denied")
	require.Equal(t, "/?auth_error="+apperrors.CodeAuthDenied, resp.Header.Get("Location"))
}

func TestReauthLoginForcesPrompt(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)

	resp := f.get(t, c, server.RouteAuthLogin+"?reauth=true&return_url=/account")
	authURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "login", authURL.Query().Get("prompt"))

	q := url.Values{"code": {goodCode}, "state": {authURL.Query().Get("state")}}
	resp = f.get(t, c, server.RouteAuthCallback+"?"+q.Encode())
	require.Equal(t, "/account?reauth=complete", resp.Header.Get("Location"))
}

func TestCallback_UnsafeReturnURL(t *testing.T) {
	tests := map[string]struct {
		query string
		want  string
	}{
		"control character":    {query: "?return_url=" + url.QueryEscape("/\t/evil.example"), want: "/"},
		"backslash host":       {query: "?return_url=" + url.QueryEscape("/\\evil.example"), want: "/"},
		"bad escape on reauth": {query: "?reauth=true&return_url=" + url.QueryEscape("/%zz"), want: "/?reauth=complete"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			c := f.browser(t)
			require.Equal(t, tc.want, f.signIn(t, c, tc.query))
			require.NotEmpty(t, f.sessionCookie(t, c, exchanger.SessionIDCookie))
		})
	}
}

func TestVerify_WithoutCredentials(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, f.browser(t), server.RouteAuthVerify)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body lifecycle.ErrorResponse
	decode(t, resp, &body)
	require.Equal(t, apperrors.CodeInvalidToken, body.Error)
	require.Equal(t, apperrors.English.Text(apperrors.MsgReauthRequired), body.Message)
}

// logSink collects log lines written by handler goroutines.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func captureLogs(t *testing.T) *logSink {
	t.Helper()
	sink := &logSink{}
	prev := log.Logger
	log.Logger = zerolog.New(sink)
	t.Cleanup(func() { log.Logger = prev })
	return sink
}

func TestRejections_AreLoggedWithCode(t *testing.T) {
	logs := captureLogs(t)
	f := newFixture(t)

	resp := f.get(t, f.browser(t), server.RouteHealth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, logs.String(), "security_rejection")

	resp = f.get(t, f.browser(t), server.RouteAuthVerify)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, logs.String(), `"event":"security_rejection"`)
	require.Contains(t, logs.String(), `"code":"`+apperrors.CodeInvalidToken+`"`)
}

func TestRefresh_RequiresCSRF(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	f.signIn(t, c, "")

	resp := f.post(t, c, server.RouteAuthRefresh, "", nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body lifecycle.ErrorResponse
	decode(t, resp, &body)
	require.Equal(t, apperrors.CodeCSRF, body.Error)

	resp = f.post(t, c, server.RouteAuthRefresh, "", nil, f.csrfHeader(t, c))
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLegacyCredentialsMoveToCookies(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	f.signIn(t, c, "")
	q := url.Values{
		"session":    {f.sessionCookie(t, c, exchanger.SessionIDCookie)},
		"token":      {f.sessionCookie(t, c, exchanger.AuthTokenCookie)},
		"return_url": {"/dashboard"},
	}

	fresh := f.browser(t)
	resp := f.get(t, fresh, server.RouteAuthLegacy+"?"+q.Encode())
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))
	require.Equal(t, q.Get("session"), f.sessionCookie(t, fresh, exchanger.SessionIDCookie))

	q.Set("token", "forged")
	resp = f.get(t, f.browser(t), server.RouteAuthLegacy+"?"+q.Encode())
	require.Equal(t, "/?auth_error="+apperrors.CodeInvalidToken, resp.Header.Get("Location"))
}

func TestSessionPolicy_FollowsTuning(t *testing.T) {
	f := newFixture(t)
	tuned := config.DefaultTuning()
	tuned.Lifecycle.IdleTimeout = config.Dur(45 * time.Minute)
	tuned.RateLimit.Limit = 2

	setter, ok := f.cfg.(interface{ SetTuning(config.Tuning) })
	require.True(t, ok)
	setter.SetTuning(tuned)

	resp := f.get(t, f.browser(t), server.RouteAuthSessionPolicy)
	var policy lifecycle.Config
	decode(t, resp, &policy)
	require.Equal(t, 45*time.Minute, policy.IdleTimeout)
	require.Equal(t, 45*time.Minute, f.srv.Policy().IdleTimeout)
}

func TestBehaviorHeuristics_FollowTuning(t *testing.T) {
	f := newFixture(t)
	tuned := config.DefaultTuning()
	tuned.Behavior.MousePerPoint = 4
	tuned.Behavior.ScrollCap = 1
	tuned.Behavior.DiversityCap = 5
	tuned.Behavior.TimeBonusAfter = config.Dur(12 * time.Second)

	setter, ok := f.cfg.(interface{ SetTuning(config.Tuning) })
	require.True(t, ok)
	setter.SetTuning(tuned)

	got := f.formGuard.Config().Behavior
	require.Equal(t, 4, got.MousePerPoint)
	require.Equal(t, 1, got.ScrollCap)
	require.Equal(t, 5, got.DiversityCap)
	require.Equal(t, 12*time.Second, got.TimeBonusAfter)
	require.Equal(t, tuned.Behavior.KeyboardCap, got.KeyboardCap)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, f.ts.URL+server.RouteAuthRefresh, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := preflight("https://lucaverse.com")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://lucaverse.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), csrf.HeaderToken)

	resp = preflight("https://evil.example")
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, f.browser(t), server.RouteAuthCSRF)
	require.Equal(t, "SAMEORIGIN", resp.Header.Get("X-Frame-Options"))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestThrottle(t *testing.T) {
	f := newFixture(t, withThrottle("0.001", "2"))
	c := f.browser(t)

	require.Equal(t, http.StatusOK, f.get(t, c, server.RouteAuthCSRF).StatusCode)
	require.Equal(t, http.StatusOK, f.get(t, c, server.RouteAuthCSRF).StatusCode)
	resp := f.get(t, c, server.RouteAuthCSRF)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))

	require.Zero(t, f.srv.Sweep())
}

func TestRecoverMiddleware(t *testing.T) {
	f := newFixture(t)
	h := f.srv.RecoverMiddleware(func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), apperrors.CodeInternal)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, f.browser(t), server.RouteHealth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
