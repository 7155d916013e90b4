package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdle = 10 * time.Minute

// throttle is a token bucket per client address.
type throttle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
	nowTime  func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newThrottle(perSecond float64, burst int) *throttle {
	return &throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*visitor),
		nowTime:  time.Now,
	}
}

func (t *throttle) allow(client string) bool {
	t.mu.Lock()
	now := t.nowTime()
	v, ok := t.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[client] = v
	}
	v.lastSeen = now
	t.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// sweep forgets clients not seen for idle.
func (t *throttle) sweep(idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.nowTime().Add(-idle)
	removed := 0
	for client, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, client)
			removed++
		}
	}
	return removed
}

// clientIP identifies the caller. Forwarding headers are only honoured
// behind a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.config.GetTrustProxy() {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
