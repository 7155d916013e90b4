package config

import "time"

type OAuthConfig interface {
	GetProviderClientID() string
	GetProviderClientSecret() string
	GetProviderAuthURL() string
	GetProviderTokenURL() string
	GetProviderUserInfoURL() string
	GetProviderIssuer() string
	GetProviderScopes() []string
	GetRedirectURL() string
	GetAuthFlowTimeout() time.Duration
	GetSessionTokenExpiry() time.Duration
	GetRefreshExpiry() time.Duration
	GetAllowedEmails() []string
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetProviderClientID() string {
	return GetEnv("OAUTH_CLIENT_ID", "")
}

func (OAuth) GetProviderClientSecret() string {
	return GetEnv("OAUTH_CLIENT_SECRET", "")
}

func (OAuth) GetProviderAuthURL() string {
	return GetEnv("OAUTH_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth")
}

func (OAuth) GetProviderTokenURL() string {
	return GetEnv("OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token")
}

func (OAuth) GetProviderUserInfoURL() string {
	return GetEnv("OAUTH_USERINFO_URL", "https://www.googleapis.com/oauth2/v2/userinfo")
}

// GetProviderIssuer enables ID token verification when set (e.g., "https://accounts.google.com").
func (OAuth) GetProviderIssuer() string {
	return GetEnv("OAUTH_ISSUER", "")
}

func (OAuth) GetProviderScopes() []string {
	return GetListEnv("OAUTH_SCOPES", []string{"openid", "email", "profile"})
}

func (OAuth) GetRedirectURL() string {
	return GetEnv("OAUTH_REDIRECT_URL", EnvVars{}.GetBaseURL()+"/auth/callback")
}

func (OAuth) GetAuthFlowTimeout() time.Duration {
	return 15 * time.Minute
}

func (OAuth) GetSessionTokenExpiry() time.Duration {
	return 24 * time.Hour
}

func (OAuth) GetRefreshExpiry() time.Duration {
	return 7 * 24 * time.Hour // 7 days
}

func (OAuth) GetAllowedEmails() []string {
	return GetListEnv("ALLOWED_EMAILS", nil)
}
