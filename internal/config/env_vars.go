package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	portEnvVar          = "PORT"
	appNameVar          = "APP_NAME"
	baseURLVar          = "BASE_URL"
	storeBackendVar     = "STORE_BACKEND"
	storeDSNVar         = "STORE_DSN"
	sessionSecretVar    = "SESSION_SECRET"
	tuningFileVar       = "TUNING_FILE"
	relayURLVar         = "RELAY_URL"
	relayTimeoutVar     = "RELAY_TIMEOUT"
	throttleRateVar     = "THROTTLE_RPS"
	throttleBurstVar    = "THROTTLE_BURST"
	trustProxyVar       = "TRUST_PROXY"
	defaultRelayTimeout = 15 * time.Second
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetPort() string {
	port := GetEnv(portEnvVar, "8080")
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Lucaverse Auth")
}

// GetEnv defaults to PROD; development mode relaxes cookie and origin checks
// and must be asked for explicitly.
func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "PROD"
	}
	return strings.ToUpper(env)
}

func (e EnvVars) IsDev() bool {
	return e.GetEnv() == "DEV"
}

// GetBaseURL returns the public URL of this service (e.g., "https://auth.lucaverse.com").
// Used for the OAuth redirect URI and same-origin checks.
func (EnvVars) GetBaseURL() string {
	return strings.TrimRight(GetEnv(baseURLVar, "http://localhost:8080"), "/")
}

// GetStoreBackend selects the kvstore implementation: memory, redis, mongo, sqlite or postgres.
func (EnvVars) GetStoreBackend() string {
	return strings.ToLower(GetEnv(storeBackendVar, "memory"))
}

func (EnvVars) GetStoreDSN() string {
	return GetEnv(storeDSNVar, "")
}

// GetSessionSecret returns the master secret used to derive signing keys.
// An empty value yields nil and the caller generates an ephemeral secret.
func (EnvVars) GetSessionSecret() []byte {
	secret := GetEnv(sessionSecretVar, "")
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

func (EnvVars) GetTuningFile() string {
	return GetEnv(tuningFileVar, "")
}

func (EnvVars) GetRelayURL() string {
	return GetEnv(relayURLVar, "")
}

func (EnvVars) GetRelayTimeout() time.Duration {
	return GetDurationEnv(relayTimeoutVar, defaultRelayTimeout)
}

// GetThrottle returns the per-IP request rate and burst for the API routes.
func (EnvVars) GetThrottle() (float64, int) {
	perSecond, err := strconv.ParseFloat(GetEnv(throttleRateVar, "10"), 64)
	if err != nil || perSecond <= 0 {
		perSecond = 10
	}
	burst, err := strconv.Atoi(GetEnv(throttleBurstVar, "20"))
	if err != nil || burst <= 0 {
		burst = 20
	}
	return perSecond, burst
}

// GetTrustProxy reports whether X-Forwarded-For and X-Real-IP identify the client.
func (EnvVars) GetTrustProxy() bool {
	v, _ := strconv.ParseBool(GetEnv(trustProxyVar, "false"))
	return v
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetDurationEnv(envVar string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

// GetListEnv splits a comma separated variable, dropping blanks.
func GetListEnv(envVar string, defaultValue []string) []string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
