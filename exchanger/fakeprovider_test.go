package exchanger_test

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID = "client-id"
	goodCode     = "good-code"
	accessToken  = "provider-access-token"
)

// fakeProvider is an in-process identity provider with token and userinfo endpoints.
type fakeProvider struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	challenge string
	nonce     string
	profile   map[string]any
	failToken bool
	revoked   bool
	signKey   *rsa.PrivateKey
	refreshes int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		t: t,
		profile: map[string]any{
			"id":             "google-123",
			"email":          "luca@example.com",
			"verified_email": true,
			"name":           "Luca",
			"picture":        "https://example.com/luca.png",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.token)
	mux.HandleFunc("/userinfo", p.userinfo)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) expect(challenge, nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenge = challenge
	p.nonce = nonce
}

func (p *fakeProvider) setProfile(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile[key] = value
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if p.failToken || r.PostForm.Get("code") != goodCode {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != p.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
			return
		}
		resp := map[string]any{
			"access_token":  accessToken,
			"token_type":    "Bearer",
			"refresh_token": "provider-refresh-token",
			"expires_in":    3600,
		}
		if p.signKey != nil {
			resp["id_token"] = p.idToken(p.nonce)
		}
		writeJSON(w, http.StatusOK, resp)

	case "refresh_token":
		p.refreshes++
		if p.revoked {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *fakeProvider) userinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+accessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, p.profile)
}

func (p *fakeProvider) idToken(nonce string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.server.URL,
		"aud":   testClientID,
		"sub":   "google-123",
		"email": "luca@example.com",
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.signKey)
	if err != nil {
		p.t.Fatalf("sign id token: %v", err)
	}
	return signed
}
