package config

import (
	"sort"
	"strings"
)

type Cors struct{}

var _ CorsConfig = Cors{}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func NewAllowedOrigins(origins ...string) AllowedOrigins {
	a := make(AllowedOrigins, len(origins))
	for _, o := range origins {
		a[strings.TrimRight(o, "/")] = nullValue{}
	}
	return a
}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	sort.Strings(origins)
	return strings.Join(origins, ", ")
}

var defaultAllowedOrigins = []string{
	"https://lucaverse.com",
	"https://www.lucaverse.com",
}

func (Cors) GetAllowedOrigins() AllowedOrigins {
	return NewAllowedOrigins(GetListEnv("ALLOWED_ORIGINS", defaultAllowedOrigins)...)
}

func (Cors) GetAllowedMethods() string {
	return "GET, POST, OPTIONS"
}

// GetAllowedHeaders lists the request headers the browser may send cross-origin
// without the preflight being rejected.
func (Cors) GetAllowedHeaders() string {
	return "Content-Type, X-CSRF-Token, X-Requested-With, X-Request-ID"
}
