package exchanger

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lucianoaf8/lucaverse-auth/internal/config"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/internal/utils"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Profile is the identity returned by the provider's userinfo endpoint.
type Profile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail *bool  `json:"verified_email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Subject       string `json:"sub"`
}

func (p Profile) userID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Subject
}

// verified treats a missing flag as verified; providers that report it are trusted.
func (p Profile) verified() bool {
	return utils.FirstSet(true, p.VerifiedEmail, p.EmailVerified)
}

// OAuth2ConfigFrom builds the provider client configuration.
func OAuth2ConfigFrom(c config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.GetProviderClientID(),
		ClientSecret: c.GetProviderClientSecret(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.GetProviderAuthURL(),
			TokenURL: c.GetProviderTokenURL(),
		},
		RedirectURL: c.GetRedirectURL(),
		Scopes:      c.GetProviderScopes(),
	}
}

// NewIDTokenVerifier discovers issuer and returns a verifier for clientID.
func NewIDTokenVerifier(ctx context.Context, issuer, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[NewIDTokenVerifier] discovery")
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// classify maps provider call failures onto the error taxonomy.
func classify(err error, op string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return errors.Wrapf(apperrors.ErrProviderError, "%s: %s", op, re.Error())
	}
	return errors.Wrapf(apperrors.ErrNetworkError, "%s: %s", op, err.Error())
}

func (e *Exchanger) fetchProfile(ctx context.Context, tok *oauth2.Token) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.UserInfoURL, nil)
	if err != nil {
		return Profile{}, errors.Wrap(err, "[Exchanger.fetchProfile]")
	}
	resp, err := e.cfg.OAuth2.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, classify(err, "userinfo")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, errors.Wrapf(apperrors.ErrProviderError, "userinfo status %d", resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, errors.Wrapf(apperrors.ErrProviderError, "userinfo decode: %s", err.Error())
	}
	return p, nil
}
