package exchanger

import (
	"net/http"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/sessions"
)

const (
	AuthTokenCookie = "auth_token"
	SessionIDCookie = "session_id"
)

func (e *Exchanger) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   e.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}

// SessionCookies returns the auth_token and session_id cookies for record.
func (e *Exchanger) SessionCookies(record sessions.Record) []*http.Cookie {
	return []*http.Cookie{
		e.cookie(AuthTokenCookie, record.Token, e.cfg.TokenTTL),
		e.cookie(SessionIDCookie, record.ID, e.cfg.RefreshTTL),
	}
}

// ClearCookies expires both session cookies.
func (e *Exchanger) ClearCookies() []*http.Cookie {
	authToken := e.cookie(AuthTokenCookie, "", 0)
	authToken.MaxAge = -1
	sessionID := e.cookie(SessionIDCookie, "", 0)
	sessionID.MaxAge = -1
	return []*http.Cookie{authToken, sessionID}
}

// CredentialsFromRequest reads the session id and bearer token from cookies,
// falling back to an Authorization header for the token.
func CredentialsFromRequest(r *http.Request) (sessionID, token string) {
	if c, err := r.Cookie(SessionIDCookie); err == nil {
		sessionID = c.Value
	}
	if c, err := r.Cookie(AuthTokenCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		const prefix = "Bearer "
		if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
			token = h[len(prefix):]
		}
	}
	return sessionID, token
}
