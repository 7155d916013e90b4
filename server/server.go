package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/lucianoaf8/lucaverse-auth/abuse"
	"github.com/lucianoaf8/lucaverse-auth/behavior"
	"github.com/lucianoaf8/lucaverse-auth/csrf"
	"github.com/lucianoaf8/lucaverse-auth/exchanger"
	"github.com/lucianoaf8/lucaverse-auth/internal/config"
	"github.com/lucianoaf8/lucaverse-auth/lifecycle"
	"github.com/lucianoaf8/lucaverse-auth/ratelimit"
	"github.com/lucianoaf8/lucaverse-auth/relay"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Exchanger *exchanger.Exchanger
	Protector *csrf.Protector
	Forms     *abuse.Guard
	Limiter   *ratelimit.Limiter
	// Relay is optional; without it the contact endpoint reports unavailable.
	Relay *relay.Relay
}

type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	mux      *http.ServeMux
	routes   []string
	config   config.Config
	auth     *exchanger.Exchanger
	csrf     *csrf.Protector
	forms    *abuse.Guard
	limiter  *ratelimit.Limiter
	relay    *relay.Relay
	throttle *throttle

	policyMu sync.RWMutex
	policy   lifecycle.Config
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	switch {
	case deps.Exchanger == nil:
		return nil, errors.New("[server.New] exchanger is required")
	case deps.Protector == nil:
		return nil, errors.New("[server.New] csrf protector is required")
	case deps.Forms == nil:
		return nil, errors.New("[server.New] form guard is required")
	case deps.Limiter == nil:
		return nil, errors.New("[server.New] rate limiter is required")
	}

	perSecond, burst := cfg.GetThrottle()
	s := &Server{
		env:      cfg.GetEnv(),
		mux:      http.NewServeMux(),
		config:   cfg,
		auth:     deps.Exchanger,
		csrf:     deps.Protector,
		forms:    deps.Forms,
		limiter:  deps.Limiter,
		relay:    deps.Relay,
		throttle: newThrottle(perSecond, burst),
	}

	s.ApplyTuning(cfg.GetTuning())
	cfg.OnTuningChange(s.ApplyTuning)

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// ApplyTuning pushes operator thresholds into the running services.
func (s *Server) ApplyTuning(t config.Tuning) {
	s.limiter.SetConfig(ratelimit.Config{Limit: t.RateLimit.Limit, Window: t.RateLimit.Window.Duration})

	abuseCfg := s.forms.Config()
	abuseCfg.MinFormTime = t.Abuse.MinFormTime.Duration
	abuseCfg.MaxFormTime = t.Abuse.MaxFormTime.Duration
	abuseCfg.Behavior = behaviorConfig(abuseCfg.Behavior, t.Behavior)
	s.forms.SetConfig(abuseCfg)

	s.policyMu.Lock()
	s.policy = lifecycle.Config{
		IdleTimeout:         t.Lifecycle.IdleTimeout.Duration,
		WarningTime:         t.Lifecycle.WarningTime.Duration,
		AbsoluteTimeout:     t.Lifecycle.AbsoluteTimeout.Duration,
		RefreshInterval:     t.Lifecycle.RefreshInterval.Duration,
		MaxExtensions:       t.Lifecycle.MaxExtensions,
		ReauthRequiredAfter: t.Lifecycle.ReauthRequiredAfter.Duration,
		ReauthRedirectDelay: t.Lifecycle.ReauthRedirectDelay.Duration,
		LoginURL:            RouteAuthLogin,
	}
	s.policyMu.Unlock()

	log.Info().
		Int("rate_limit", t.RateLimit.Limit).
		Dur("rate_window", t.RateLimit.Window.Duration).
		Int("min_score", t.Behavior.MinScore).
		Msg("security tuning applied")
}

func behaviorConfig(base behavior.Config, t config.BehaviorTuning) behavior.Config {
	base.MinScore = t.MinScore
	base.MinInteractions = t.MinInteractions
	base.SampleWindow = t.SampleWindow.Duration
	base.MousePerPoint = t.MousePerPoint
	base.KeyboardPerPoint = t.KeyboardPerPoint
	base.FocusPerPoint = t.FocusPerPoint
	base.ScrollPerPoint = t.ScrollPerPoint
	base.MouseCap = t.MouseCap
	base.KeyboardCap = t.KeyboardCap
	base.FocusCap = t.FocusCap
	base.ScrollCap = t.ScrollCap
	base.DiversityCap = t.DiversityCap
	base.TimeCap = t.TimeCap
	base.TimeBonusAfter = t.TimeBonusAfter.Duration
	return base
}

// Policy returns the lifecycle thresholds published to clients.
func (s *Server) Policy() lifecycle.Config {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// Sweep drops idle throttle entries.
func (s *Server) Sweep() int {
	return s.throttle.sweep(throttleIdle)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Debug().Msgf("[%-19s] %s", displayMethod, path)
}
