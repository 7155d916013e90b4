package csrf

import (
	"net"
	"net/url"
	"strings"

	"github.com/lucianoaf8/lucaverse-auth/internal/config"
)

// OriginResult is the outcome of an Origin/Referer check.
type OriginResult struct {
	Valid  bool
	Reason string
}

// OriginPolicy decides which request origins may perform state changes.
type OriginPolicy struct {
	Allowed config.AllowedOrigins
	// Self is this service's own origin, always accepted.
	Self string
	// Dev accepts loopback origins on any port.
	Dev bool
}

// originOf reduces a URL to scheme://host[:port].
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func isLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (p OriginPolicy) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if origin == originOf(p.Self) || p.Allowed.IsAllowedOrigin(origin) {
		return true
	}
	return p.Dev && isLoopback(origin)
}

// checks evaluates origin and referer separately. The referer stands in for
// a missing origin; when both are present the referer must be same-origin or
// allowed.
func (p OriginPolicy) checks(origin, referer string) (originOK, refererOK bool, reason string) {
	origin = strings.TrimRight(origin, "/")
	refOrigin := ""
	if referer != "" {
		if refOrigin = originOf(referer); refOrigin == "" {
			return origin != "" && p.allowed(origin), false, "malformed referer"
		}
	}

	refererOK = refOrigin == "" || refOrigin == origin || p.allowed(refOrigin)
	switch {
	case origin != "":
		originOK = p.allowed(origin)
	case refOrigin != "":
		originOK = refererOK
	}

	switch {
	case origin == "" && refOrigin == "":
		reason = "missing origin and referer"
	case !originOK && origin != "":
		reason = "origin not allowed"
	case !refererOK:
		reason = "referer not allowed"
	}
	return originOK, refererOK, reason
}

// Validate checks the Origin header and, when present, the Referer. An
// allowed origin with no referer passes; with no origin the referer must be
// allowed on its own.
func (p OriginPolicy) Validate(origin, referer string) OriginResult {
	originOK, refererOK, reason := p.checks(origin, referer)
	if originOK && refererOK {
		return OriginResult{Valid: true}
	}
	return OriginResult{Reason: reason}
}
