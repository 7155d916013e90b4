package config

import "time"

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	IsDev() bool
	GetBaseURL() string
	GetStoreBackend() string
	GetStoreDSN() string
	GetSessionSecret() []byte
	GetTuningFile() string
	GetRelayURL() string
	GetRelayTimeout() time.Duration
	GetThrottle() (perSecond float64, burst int)
	GetTrustProxy() bool
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	*Security
}

func New() Config {
	return mainConfig{Security: NewSecurity()}
}
