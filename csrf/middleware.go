package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	CookieName   = "csrf_token"
	cookieMaxAge = 24 * time.Hour
)

// Protector is the server-side half of the double-submit pattern. The cookie
// carries the token and its HMAC so that a token planted by a sibling
// subdomain is rejected.
type Protector struct {
	key    []byte
	policy OriginPolicy
	secure bool
}

// NewProtector builds a Protector. key must be at least 32 bytes.
func NewProtector(key []byte, policy OriginPolicy, secureCookies bool) (*Protector, error) {
	if len(key) < 32 {
		return nil, errors.New("[csrf.NewProtector] signing key must be at least 32 bytes")
	}
	return &Protector{key: key, policy: policy, secure: secureCookies}, nil
}

func (p *Protector) sign(token string) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (p *Protector) cookieValue(token string) string {
	return token + "." + p.sign(token)
}

// tokenFromCookie returns the token if the cookie signature is valid.
func (p *Protector) tokenFromCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	token, sig, ok := strings.Cut(c.Value, ".")
	if !ok || token == "" {
		return "", false
	}
	return token, hmac.Equal([]byte(sig), []byte(p.sign(token)))
}

// IssueCookie returns the request's current token, or sets a cookie carrying
// a new one. The token is readable by the caller; the cookie is not.
func (p *Protector) IssueCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	if token, ok := p.tokenFromCookie(r); ok {
		return token, nil
	}
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "[Protector.IssueCookie] random token")
	}
	token := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    p.cookieValue(token),
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// TokenHandler serves the token as JSON, issuing the cookie when needed.
func (p *Protector) TokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := p.IssueCookie(w, r)
	if err != nil {
		log.Err(err).Msg("issue csrf cookie")
		http.Error(w, apperrors.UserMessage(err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// Check validates origin, referer and the double-submitted token on r.
func (p *Protector) Check(r *http.Request) error {
	origin := r.Header.Get("Origin")
	referer := r.Header.Get("Referer")
	if res := p.policy.Validate(origin, referer); !res.Valid {
		return errors.Wrap(apperrors.ErrCSRFValidationFailed, res.Reason)
	}

	expected, ok := p.tokenFromCookie(r)
	if !ok {
		return errors.Wrap(apperrors.ErrCSRFValidationFailed, "missing or forged cookie")
	}
	presented := r.Header.Get(HeaderToken)
	if presented == "" {
		presented = r.PostFormValue(FieldToken)
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return errors.Wrap(apperrors.ErrCSRFValidationFailed, "token mismatch")
	}
	return nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Middleware rejects unsafe requests that fail Check with 403.
func (p *Protector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if err := p.Check(r); err != nil {
			log.Warn().
				Str("event", "csrf_rejected").
				Str("client", r.RemoteAddr).
				Str("path", r.URL.Path).
				Str("reason", err.Error()).
				Msg("csrf validation failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   apperrors.Code(err),
				"message": apperrors.UserMessage(err),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
