package abuse

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucianoaf8/lucaverse-auth/behavior"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/ratelimit"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Reason string

const (
	HoneypotTriggered  Reason = "HoneypotTriggered"
	TooFast            Reason = "TooFast"
	TooSlow            Reason = "TooSlow"
	RateLimited        Reason = "RateLimited"
	SuspiciousBehavior Reason = "SuspiciousBehavior"
)

type Config struct {
	MinFormTime    time.Duration
	MaxFormTime    time.Duration
	HoneypotFields []HoneypotField
	Behavior       behavior.Config
}

func DefaultConfig() Config {
	return Config{
		MinFormTime:    3 * time.Second,
		MaxFormTime:    30 * time.Minute,
		HoneypotFields: DefaultHoneypotFields(),
		Behavior:       behavior.DefaultConfig(),
	}
}

// Form is a rendered form instance tracked between issuance and submission.
type Form struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"-"`
	RenderedAt time.Time       `json:"renderedAt"`
	Honeypots  []HoneypotField `json:"honeypots"`
	analyzer   *behavior.Analyzer
}

func (f *Form) Analyzer() *behavior.Analyzer {
	return f.analyzer
}

type Check struct {
	Passed bool   `json:"passed"`
	Reason Reason `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Checks struct {
	Honeypot  Check `json:"honeypot"`
	Timing    Check `json:"timing"`
	RateLimit Check `json:"rateLimit"`
	Behavior  Check `json:"behavior"`
}

type Result struct {
	Passed            bool   `json:"passed"`
	Checks            Checks `json:"checks"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Score             int    `json:"score"`
}

func (r Result) Reasons() []Reason {
	var reasons []Reason
	for _, c := range []Check{r.Checks.Honeypot, r.Checks.Timing, r.Checks.RateLimit, r.Checks.Behavior} {
		if !c.Passed {
			reasons = append(reasons, c.Reason)
		}
	}
	return reasons
}

// Err maps a failed result onto the error taxonomy. Honeypot and behavior
// failures take precedence over the benign reasons.
func (r Result) Err() error {
	switch {
	case r.Passed:
		return nil
	case !r.Checks.Honeypot.Passed, !r.Checks.Behavior.Passed:
		return apperrors.ErrSuspiciousSubmission
	case !r.Checks.RateLimit.Passed:
		return &apperrors.RateLimitError{RetryAfterSeconds: r.RetryAfterSeconds}
	case r.Checks.Timing.Reason == TooFast:
		return apperrors.ErrSubmissionTooFast
	case r.Checks.Timing.Reason == TooSlow:
		return apperrors.ErrSubmissionTooSlow
	}
	return apperrors.ErrSuspiciousSubmission
}

// Guard combines honeypot, timing, rate limit and behavior checks into one
// verdict and keeps the registry of issued forms.
type Guard struct {
	limiter *ratelimit.Limiter
	nowTime func() time.Time

	mu    sync.RWMutex
	cfg   Config
	forms map[string]*Form
}

type Option func(*Guard)

func WithConfig(cfg Config) Option {
	return func(g *Guard) {
		g.cfg = cfg
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(g *Guard) {
		g.nowTime = nowFunc
	}
}

func New(limiter *ratelimit.Limiter, options ...Option) (*Guard, error) {
	if limiter == nil {
		return nil, errors.New("[abuse.New] rate limiter is required")
	}
	g := &Guard{
		limiter: limiter,
		nowTime: time.Now,
		cfg:     DefaultConfig(),
		forms:   make(map[string]*Form),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

func (g *Guard) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// SetConfig replaces the thresholds. Forms already issued keep their honeypot
// fields but are scored with the new behavior thresholds.
func (g *Guard) SetConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	for _, f := range g.forms {
		f.analyzer.SetConfig(cfg.Behavior)
	}
}

func (g *Guard) NewForm(clientID string) *Form {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowTime()
	f := &Form{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		RenderedAt: now,
		Honeypots:  append([]HoneypotField(nil), g.cfg.HoneypotFields...),
		analyzer:   behavior.NewAnalyzer(g.cfg.Behavior, now),
	}
	g.forms[f.ID] = f
	return f
}

func (g *Guard) Form(formID string) (*Form, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.forms[formID]
	if !ok {
		return nil, apperrors.ErrFormNotFound
	}
	return f, nil
}

// RecordSignals feeds interaction telemetry to the form's analyzer.
func (g *Guard) RecordSignals(formID string, events []behavior.Event) error {
	f, err := g.Form(formID)
	if err != nil {
		return err
	}
	f.analyzer.RecordAll(events)
	return nil
}

// Forget drops a form from the registry.
func (g *Guard) Forget(formID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.forms, formID)
}

// DeleteExpired drops forms that can no longer pass the timing check.
func (g *Guard) DeleteExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.nowTime().Add(-2 * g.cfg.MaxFormTime)
	removed := 0
	for id, f := range g.forms {
		if f.RenderedAt.Before(cutoff) {
			delete(g.forms, id)
			removed++
		}
	}
	return removed
}

// ValidateSubmission runs every check independently. It never fails on an
// unavailable sub-check.
func (g *Guard) ValidateSubmission(ctx context.Context, form *Form, data url.Values) Result {
	cfg := g.Config()
	now := g.nowTime()

	var res Result
	res.Checks.Honeypot = checkHoneypot(form.Honeypots, data)
	res.Checks.Timing = checkTiming(now.Sub(form.RenderedAt), cfg)
	res.Checks.RateLimit, res.RetryAfterSeconds = g.checkRateLimit(ctx, form.ClientID)

	verdict := form.analyzer.Evaluate(now)
	res.Score = verdict.Score
	res.Checks.Behavior = Check{Passed: verdict.Passed}
	if !verdict.Passed {
		res.Checks.Behavior.Reason = SuspiciousBehavior
		res.Checks.Behavior.Detail = fmt.Sprintf("score %d, %d interactions", verdict.Score, verdict.Interactions)
	}

	res.Passed = res.Checks.Honeypot.Passed && res.Checks.Timing.Passed &&
		res.Checks.RateLimit.Passed && res.Checks.Behavior.Passed

	if !res.Passed {
		reasons := make([]string, 0, 4)
		for _, r := range res.Reasons() {
			reasons = append(reasons, string(r))
		}
		log.Warn().
			Str("event", "submission_rejected").
			Str("client", form.ClientID).
			Str("form", form.ID).
			Strs("reasons", reasons).
			Int("score", res.Score).
			Msg("submission failed abuse checks")
	}
	return res
}

// Submit looks the form up, validates data and retires the form when the
// submission passes.
func (g *Guard) Submit(ctx context.Context, formID string, data url.Values) (Result, error) {
	f, err := g.Form(formID)
	if err != nil {
		return Result{}, err
	}
	res := g.ValidateSubmission(ctx, f, data)
	if res.Passed {
		g.Forget(formID)
	}
	return res, nil
}

func checkHoneypot(fields []HoneypotField, data url.Values) Check {
	if hit := triggeredHoneypots(fields, data); len(hit) > 0 {
		return Check{Reason: HoneypotTriggered, Detail: fmt.Sprintf("%d decoy fields filled", len(hit))}
	}
	return Check{Passed: true}
}

func checkTiming(elapsed time.Duration, cfg Config) Check {
	switch {
	case elapsed < cfg.MinFormTime:
		return Check{Reason: TooFast, Detail: elapsed.Round(time.Millisecond).String()}
	case elapsed > cfg.MaxFormTime:
		return Check{Reason: TooSlow, Detail: elapsed.Round(time.Second).String()}
	}
	return Check{Passed: true}
}

func (g *Guard) checkRateLimit(ctx context.Context, clientID string) (Check, int) {
	d, err := g.limiter.Attempt(ctx, clientID)
	if err != nil {
		log.Err(err).Str("client", clientID).Msg("rate limit check unavailable, allowing attempt")
		return Check{Passed: true}, 0
	}
	if !d.Allowed {
		return Check{Reason: RateLimited, Detail: fmt.Sprintf("retry after %ds", d.RetryAfterSeconds)}, d.RetryAfterSeconds
	}
	return Check{Passed: true}, 0
}
