package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/exchanger"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/lifecycle"
	"github.com/lucianoaf8/lucaverse-auth/sessions"
	"github.com/rs/zerolog/log"
)

type healthResponse struct {
	Status            string `json:"status"`
	RateLimitDegraded bool   `json:"rateLimitDegraded"`
}

type sessionResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

func setCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}

// failedSignIn sends the browser back to the site with a non-revealing code.
func failedSignIn(w http.ResponseWriter, r *http.Request, err error) {
	q := url.Values{"auth_error": {apperrors.Code(err)}}
	http.Redirect(w, r, "/?"+q.Encode(), http.StatusSeeOther)
}

// markReauthComplete tells the page that the forced sign-in finished.
func markReauthComplete(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	v := u.Query()
	v.Set("reauth", "complete")
	u.RawQuery = v.Encode()
	return u.String()
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", RateLimitDegraded: s.limiter.Degraded()})
	}
}

// LoginHandler redirects to the identity provider.
// Query: return_url (same-site path), reauth=true to force a credential prompt.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		authURL, err := s.auth.BeginAuth(r.Context(), exchanger.BeginOptions{
			ReturnURL: q.Get("return_url"),
			Reauth:    q.Get("reauth") == "true",
		})
		if err != nil {
			log.Err(err).Msg("begin auth")
			failedSignIn(w, r, apperrors.ErrProviderError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if providerErr := q.Get("error"); providerErr != "" {
			log.Warn().Str("event", "auth_denied").Str("reason", providerErr).Msg("provider returned an error")
			failedSignIn(w, r, apperrors.ErrAuthDenied)
			return
		}

		res, err := s.auth.CompleteAuth(r.Context(), q.Get("code"), q.Get("state"))
		if err != nil {
			log.Warn().Err(err).Str("event", "auth_failed").Str("client", s.clientIP(r)).Msg("sign-in failed")
			failedSignIn(w, r, err)
			return
		}

		setCookies(w, res.Cookies)
		target := exchanger.SafeReturnURL(res.ReturnURL)
		if res.Reauth {
			target = markReauthComplete(target)
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	}
}

// LegacyHandler accepts credentials passed as URL parameters by older
// clients, re-validates them and moves them into cookies.
func (s *Server) LegacyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res, err := s.auth.AdoptLegacy(r.Context(), q.Get("session"), q.Get("token"))
		if err != nil {
			log.Warn().Err(err).Str("event", "legacy_rejected").Str("client", s.clientIP(r)).Msg("legacy credentials rejected")
			failedSignIn(w, r, err)
			return
		}
		log.Info().Str("event", "legacy_adopted").Str("user", res.Record.User.ID).Msg("legacy credentials moved to cookies")
		setCookies(w, res.Cookies)
		http.Redirect(w, r, exchanger.SafeReturnURL(q.Get("return_url")), http.StatusSeeOther)
	}
}

func (s *Server) VerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, token := exchanger.CredentialsFromRequest(r)
		v, err := s.auth.Verify(r.Context(), sid, token)
		if err != nil {
			s.rejectSession(w, err)
			return
		}
		if v.Refreshed {
			setCookies(w, s.auth.SessionCookies(sessions.Record{ID: sid, Token: v.Token}))
		}
		writeJSON(w, http.StatusOK, lifecycle.VerifyResponse{Valid: true, User: v.User, ExpiresAt: v.ExpiresAt})
	}
}

func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, token := exchanger.CredentialsFromRequest(r)
		res, err := s.auth.Refresh(r.Context(), sid, token)
		if err != nil {
			s.rejectSession(w, err)
			return
		}
		setCookies(w, res.Cookies)
		writeJSON(w, http.StatusOK, sessionResponse{ExpiresAt: res.Record.ExpiresAt})
	}
}

func (s *Server) ExtendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, token := exchanger.CredentialsFromRequest(r)
		res, err := s.auth.Extend(r.Context(), sid, token)
		if err != nil {
			s.rejectSession(w, err)
			return
		}
		setCookies(w, res.Cookies)
		writeJSON(w, http.StatusOK, sessionResponse{ExpiresAt: res.Record.ExpiresAt})
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, _ := exchanger.CredentialsFromRequest(r)
		if err := s.auth.Logout(r.Context(), sid); err != nil {
			respondError(w, err)
			return
		}
		setCookies(w, s.auth.ClearCookies())
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) SessionPolicyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Policy())
	}
}

// rejectSession clears credentials the server no longer honours.
func (s *Server) rejectSession(w http.ResponseWriter, err error) {
	if status := statusFor(err); status == http.StatusUnauthorized {
		setCookies(w, s.auth.ClearCookies())
	}
	respondError(w, err)
}
