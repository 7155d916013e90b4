package exchanger

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/lucianoaf8/lucaverse-auth/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const idBytes = 32

// Config holds the provider client and the session lifetimes.
type Config struct {
	OAuth2      *oauth2.Config
	UserInfoURL string

	FlowTTL    time.Duration // authorization round-trip
	TokenTTL   time.Duration // bearer token lifetime
	RefreshTTL time.Duration // refresh ceiling from issuance

	SecureCookies bool
}

// Deps are the collaborators an Exchanger needs.
type Deps struct {
	Sessions  *sessions.Store
	Flows     kvstore.Store
	AllowList AllowList
	Signer    *TokenSigner
}

// BeginOptions tune a sign-in redirect.
type BeginOptions struct {
	ReturnURL string
	// Reauth forces the provider to prompt for credentials again.
	Reauth bool
}

// Result is a created or rotated session together with the cookies to set.
type Result struct {
	Record    sessions.Record
	Cookies   []*http.Cookie
	ReturnURL string
	Reauth    bool
}

type VerifyResult struct {
	Valid     bool
	User      sessions.User
	Token     string
	ExpiresAt time.Time
	Refreshed bool
}

// Exchanger runs the authorization-code flow and owns the session records.
type Exchanger struct {
	cfg        Config
	sessions   *sessions.Store
	flows      flowStore
	allowList  AllowList
	signer     *TokenSigner
	idVerifier *oidc.IDTokenVerifier
	httpClient *http.Client
	revalidate bool
	nowTime    func() time.Time
}

type Option func(*Exchanger)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(e *Exchanger) {
		e.nowTime = nowFunc
	}
}

// WithIDTokenVerifier enables ID token verification on callback.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) Option {
	return func(e *Exchanger) {
		e.idVerifier = v
	}
}

// WithHTTPClient sets the client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) {
		e.httpClient = c
	}
}

// WithProviderRevalidation makes every refresh redeem the provider refresh
// token, so that a grant revoked at the provider ends the session.
func WithProviderRevalidation(enabled bool) Option {
	return func(e *Exchanger) {
		e.revalidate = enabled
	}
}

func New(cfg Config, deps Deps, options ...Option) (*Exchanger, error) {
	if cfg.OAuth2 == nil {
		return nil, errors.New("[exchanger.New] oauth2 config is required")
	}
	if cfg.UserInfoURL == "" {
		return nil, errors.New("[exchanger.New] userinfo url is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("[exchanger.New] session store is required")
	}
	if deps.Flows == nil {
		return nil, errors.New("[exchanger.New] flow store is required")
	}
	if deps.AllowList == nil {
		return nil, errors.New("[exchanger.New] allow list is required")
	}
	if deps.Signer == nil {
		return nil, errors.New("[exchanger.New] token signer is required")
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = 15 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RefreshTTL <= cfg.TokenTTL {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	e := &Exchanger{
		cfg:       cfg,
		sessions:  deps.Sessions,
		flows:     flowStore{kv: deps.Flows},
		allowList: deps.AllowList,
		signer:    deps.Signer,
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

func (e *Exchanger) providerContext(ctx context.Context) context.Context {
	if e.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func randomID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BeginAuth stores a new flow and returns the provider authorization URL.
func (e *Exchanger) BeginAuth(ctx context.Context, opts BeginOptions) (string, error) {
	state, err := randomID()
	if err != nil {
		return "", errors.Wrap(err, "[Exchanger.BeginAuth] state")
	}
	nonce, err := randomID()
	if err != nil {
		return "", errors.Wrap(err, "[Exchanger.BeginAuth] nonce")
	}
	verifier := oauth2.GenerateVerifier()

	flow := FlowState{
		CodeVerifier: verifier,
		Nonce:        nonce,
		ReturnURL:    SafeReturnURL(opts.ReturnURL),
		Reauth:       opts.Reauth,
		CreatedAt:    e.nowTime(),
	}
	if err := e.flows.put(ctx, state, flow, e.cfg.FlowTTL); err != nil {
		return "", errors.Wrap(err, "[Exchanger.BeginAuth]")
	}

	params := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	}
	if opts.Reauth {
		params = append(params, oauth2.SetAuthURLParam("prompt", "login"))
	}
	return e.cfg.OAuth2.AuthCodeURL(state, params...), nil
}

// CompleteAuth redeems the authorization code and creates a session. Every
// identity failure is reported as ErrAuthDenied.
func (e *Exchanger) CompleteAuth(ctx context.Context, code, state string) (*Result, error) {
	flow, err := e.flows.consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.Wrap(apperrors.ErrProviderError, "[Exchanger.CompleteAuth] missing code")
	}

	pctx := e.providerContext(ctx)
	tok, err := e.cfg.OAuth2.Exchange(pctx, code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return nil, classify(err, "[Exchanger.CompleteAuth] exchange")
	}

	if e.idVerifier != nil {
		if err := e.verifyIDToken(pctx, tok, flow.Nonce); err != nil {
			return nil, err
		}
	}

	profile, err := e.fetchProfile(pctx, tok)
	if err != nil {
		return nil, err
	}
	if profile.Email == "" || !profile.verified() {
		log.Warn().Str("event", "auth_denied").Str("reason", "unverified email").Msg("sign-in refused")
		return nil, apperrors.ErrAuthDenied
	}

	perms, ok, err := e.allowList.Lookup(ctx, profile.Email)
	if err != nil {
		log.Err(err).Str("event", "auth_denied").Msg("allow list lookup failed")
		return nil, apperrors.ErrAuthDenied
	}
	if !ok {
		log.Warn().Str("event", "auth_denied").Str("reason", "not allow-listed").Msg("sign-in refused")
		return nil, apperrors.ErrAuthDenied
	}

	record, err := e.newRecord(sessions.User{
		ID:          profile.userID(),
		Email:       profile.Email,
		DisplayName: profile.Name,
		PictureURL:  profile.Picture,
		Permissions: perms,
	}, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.Put(ctx, record, record.RefreshExpiresAt.Sub(record.CreatedAt)); err != nil {
		return nil, errors.Wrap(err, "[Exchanger.CompleteAuth] persist session")
	}

	log.Info().Str("event", "session_created").Str("user", record.User.ID).Msg("signed in")
	return &Result{
		Record:    record,
		Cookies:   e.SessionCookies(record),
		ReturnURL: flow.ReturnURL,
		Reauth:    flow.Reauth,
	}, nil
}

func (e *Exchanger) verifyIDToken(ctx context.Context, tok *oauth2.Token, nonce string) error {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return errors.Wrap(apperrors.ErrProviderError, "[Exchanger.verifyIDToken] no id_token in response")
	}
	idToken, err := e.idVerifier.Verify(ctx, raw)
	if err != nil {
		log.Warn().Err(err).Str("event", "auth_denied").Msg("id token rejected")
		return apperrors.ErrAuthDenied
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		log.Warn().Str("event", "auth_denied").Str("reason", "nonce mismatch").Msg("id token rejected")
		return apperrors.ErrAuthDenied
	}
	return nil
}

func (e *Exchanger) newRecord(user sessions.User, refreshToken string) (sessions.Record, error) {
	id, err := randomID()
	if err != nil {
		return sessions.Record{}, errors.Wrap(err, "[Exchanger.newRecord] session id")
	}
	now := e.nowTime()
	record := sessions.Record{
		ID:               id,
		User:             user,
		RefreshToken:     refreshToken,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.cfg.TokenTTL),
		RefreshExpiresAt: now.Add(e.cfg.RefreshTTL),
	}
	if record.Token, err = e.signer.Issue(id, user.ID, now, record.ExpiresAt); err != nil {
		return sessions.Record{}, err
	}
	return record, nil
}

// authenticate checks the presented token's signature and that it is the
// current token of sessionID.
func (e *Exchanger) authenticate(ctx context.Context, sessionID, presented string) (sessions.Record, error) {
	if sessionID == "" || presented == "" {
		return sessions.Record{}, apperrors.ErrInvalidToken
	}
	if _, err := e.signer.Parse(presented, sessionID); err != nil {
		return sessions.Record{}, err
	}
	record, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, apperrors.ErrSessionNotFound) {
		return sessions.Record{}, apperrors.ErrSessionExpired
	}
	if err != nil {
		return sessions.Record{}, err
	}
	if subtle.ConstantTimeCompare([]byte(record.Token), []byte(presented)) != 1 {
		return sessions.Record{}, apperrors.ErrInvalidToken
	}
	return record, nil
}

// Refresh rotates the session token. The presented token must be the current
// one; a concurrent refresh that wins first makes this one fail with
// ErrInvalidToken.
func (e *Exchanger) Refresh(ctx context.Context, sessionID, presented string) (*Result, error) {
	record, err := e.authenticate(ctx, sessionID, presented)
	if err != nil {
		return nil, err
	}
	return e.rotate(ctx, record, presented)
}

// Extend is the server half of a user-requested session extension.
func (e *Exchanger) Extend(ctx context.Context, sessionID, presented string) (*Result, error) {
	res, err := e.Refresh(ctx, sessionID, presented)
	if err != nil {
		return nil, err
	}
	log.Info().Str("event", "session_extended").Str("user", res.Record.User.ID).Msg("session extended")
	return res, nil
}

func (e *Exchanger) rotate(ctx context.Context, record sessions.Record, presented string) (*Result, error) {
	now := e.nowTime()
	if !record.Refreshable(now) {
		if err := e.sessions.Delete(ctx, record.ID); err != nil {
			log.Err(err).Msg("delete expired session")
		}
		return nil, apperrors.ErrSessionExpired
	}

	if e.revalidate && record.RefreshToken != "" {
		refreshed, err := e.cfg.OAuth2.TokenSource(e.providerContext(ctx), &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				if err := e.sessions.Delete(ctx, record.ID); err != nil {
					log.Err(err).Msg("delete revoked session")
				}
				log.Warn().Str("event", "grant_revoked").Str("user", record.User.ID).Msg("provider refused refresh")
				return nil, apperrors.ErrSessionExpired
			}
			return nil, classify(err, "[Exchanger.Refresh] provider")
		}
		if refreshed.RefreshToken != "" {
			record.RefreshToken = refreshed.RefreshToken
		}
	}

	next := record
	next.ExpiresAt = now.Add(e.cfg.TokenTTL)
	token, err := e.signer.Issue(record.ID, record.User.ID, now, next.ExpiresAt)
	if err != nil {
		return nil, err
	}
	next.Token = token

	if err := e.sessions.Swap(ctx, presented, next, record.RefreshExpiresAt.Sub(now)); err != nil {
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			return nil, apperrors.ErrSessionExpired
		}
		return nil, err
	}
	return &Result{Record: next, Cookies: e.SessionCookies(next)}, nil
}

// Verify reports whether the token is the session's current one. An expired
// but still refreshable session is refreshed in place and the new token returned.
func (e *Exchanger) Verify(ctx context.Context, sessionID, presented string) (VerifyResult, error) {
	record, err := e.authenticate(ctx, sessionID, presented)
	if err != nil {
		return VerifyResult{}, err
	}

	now := e.nowTime()
	if !record.Expired(now) {
		return VerifyResult{Valid: true, User: record.User, Token: record.Token, ExpiresAt: record.ExpiresAt}, nil
	}
	if !record.Refreshable(now) || record.RefreshToken == "" {
		if err := e.sessions.Delete(ctx, record.ID); err != nil {
			log.Err(err).Msg("delete expired session")
		}
		return VerifyResult{}, apperrors.ErrSessionExpired
	}

	res, err := e.rotate(ctx, record, presented)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{
		Valid:     true,
		User:      res.Record.User,
		Token:     res.Record.Token,
		ExpiresAt: res.Record.ExpiresAt,
		Refreshed: true,
	}, nil
}

// AdoptLegacy accepts credentials that arrived as URL parameters, re-validates
// them and returns cookies so the caller can redirect to a clean URL.
func (e *Exchanger) AdoptLegacy(ctx context.Context, sessionID, presented string) (*Result, error) {
	v, err := e.Verify(ctx, sessionID, presented)
	if err != nil {
		return nil, err
	}
	record, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "[Exchanger.AdoptLegacy]")
	}
	if record.Token != v.Token {
		return nil, apperrors.ErrInvalidToken
	}
	return &Result{Record: record, Cookies: e.SessionCookies(record)}, nil
}

// Logout deletes the session. Unknown sessions are not an error.
func (e *Exchanger) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		return errors.Wrap(err, "[Exchanger.Logout]")
	}
	log.Info().Str("event", "session_ended").Msg("signed out")
	return nil
}
