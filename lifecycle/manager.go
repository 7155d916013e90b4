package lifecycle

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/kvstore"
	"github.com/lucianoaf8/lucaverse-auth/scheduler"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	timerWarning  = "idle-warning"
	timerTimeout  = "idle-timeout"
	timerAbsolute = "absolute"
	timerRefresh  = "refresh"
	timerRedirect = "reauth-redirect"

	stateKey = "session_state"
)

// Manager drives the client side of a session: idle and absolute timeouts,
// periodic refresh, user extensions and forced re-authentication.
//
// Every transition re-checks the current state, so late timer callbacks are
// no-ops. The generation counter is bumped on logout and expiry, which makes
// any network call still in flight drop its result.
type Manager struct {
	backend  Backend
	sched    scheduler.Scheduler
	storage  kvstore.Store
	async    func(func())
	navigate func(string)

	mu        sync.Mutex
	cfg       Config
	bg        context.Context
	snap      Snapshot
	gen       uint64
	listeners map[int]func(Notice)
	nextID    int
	pending   []Notice
	deferred  []func()
}

type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func WithScheduler(s scheduler.Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// WithStorage sets the client storage that is wiped on teardown.
func WithStorage(s kvstore.Store) Option {
	return func(m *Manager) {
		m.storage = s
	}
}

// WithAsync sets how background network calls are started.
func WithAsync(run func(func())) Option {
	return func(m *Manager) {
		m.async = run
	}
}

// WithNavigator sets the callback that performs the re-authentication redirect.
func WithNavigator(fn func(url string)) Option {
	return func(m *Manager) {
		m.navigate = fn
	}
}

func New(backend Backend, options ...Option) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("[lifecycle.New] backend is required")
	}
	m := &Manager{
		backend:   backend,
		sched:     scheduler.New(),
		storage:   kvstore.NewMemoryStore(),
		async:     func(fn func()) { go fn() },
		navigate:  func(url string) { log.Info().Str("url", url).Msg("re-authentication redirect") },
		cfg:       DefaultConfig(),
		bg:        context.Background(),
		snap:      Snapshot{State: Uninitialized, Visible: true},
		listeners: make(map[int]func(Notice)),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.cfg.WarningTime >= m.cfg.IdleTimeout {
		return nil, errors.New("[lifecycle.New] warning time must be shorter than idle timeout")
	}
	return m, nil
}

// unlock releases the lock, then delivers queued notices and runs deferred work.
func (m *Manager) unlock() {
	pending := m.pending
	deferred := m.deferred
	m.pending, m.deferred = nil, nil
	listeners := make([]func(Notice), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	for _, n := range pending {
		for _, fn := range listeners {
			fn(n)
		}
	}
	for _, fn := range deferred {
		fn()
	}
}

func (m *Manager) emit(t NoticeType, key apperrors.MessageKey, minutes int) {
	n := Notice{Type: t, At: m.sched.Now(), MinutesLeft: minutes}
	if minutes > 0 {
		n.Message = apperrors.English.Text(key, minutes)
	} else {
		n.Message = apperrors.English.Text(key)
	}
	m.pending = append(m.pending, n)
}

// OnNotice registers a render callback and returns a function that removes it.
func (m *Manager) OnNotice(fn func(Notice)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Manager) State() State {
	return m.Snapshot().State
}

// SetConfig applies new thresholds to the running session.
func (m *Manager) SetConfig(cfg Config) {
	if cfg.WarningTime >= cfg.IdleTimeout {
		return
	}
	m.mu.Lock()
	defer m.unlock()
	m.cfg = cfg
	if m.snap.State.live() && m.snap.Visible {
		m.scheduleIdle()
		m.scheduleAbsolute()
	}
}

// Start verifies the session with the backend and begins monitoring. An
// unauthenticated user leaves the manager Uninitialized with no timers.
func (m *Manager) Start(ctx context.Context) error {
	sess, err := m.backend.Verify(ctx)
	if err != nil {
		return errors.Wrap(err, "[Manager.Start] verify")
	}
	if !sess.Authenticated {
		return nil
	}

	m.mu.Lock()
	defer m.unlock()

	now := m.sched.Now()
	m.bg = context.WithoutCancel(ctx)
	m.gen++
	m.snap = Snapshot{
		State:          Active,
		LastActivityAt: now,
		SessionStartAt: now,
		LastReauthAt:   now,
		Visible:        true,
	}
	if restored, ok := m.restore(); ok {
		m.snap.SessionStartAt = restored.SessionStartAt
		m.snap.LastActivityAt = restored.LastActivityAt
		m.snap.ExtensionCount = restored.ExtensionCount
		m.snap.LastReauthAt = restored.LastReauthAt
	}

	if !now.Before(m.snap.SessionStartAt.Add(m.cfg.AbsoluteTimeout)) {
		m.expire("absolute")
		return nil
	}
	m.scheduleIdle()
	m.scheduleAbsolute()
	m.scheduleRefresh(m.gen)
	m.persist()
	return nil
}

// restore reads a snapshot left by an earlier page of the same session.
func (m *Manager) restore() (Snapshot, bool) {
	raw, err := m.storage.Get(m.bg, stateKey)
	if err != nil {
		return Snapshot{}, false
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil || !s.State.live() || s.SessionStartAt.IsZero() {
		return Snapshot{}, false
	}
	return s, true
}

func (m *Manager) persist() {
	raw, err := json.Marshal(m.snap)
	if err != nil {
		return
	}
	if err := m.storage.Put(m.bg, stateKey, raw, 0); err != nil {
		log.Warn().Err(err).Msg("persist session state")
	}
}

func (m *Manager) wipe() {
	var err error
	if w, ok := m.storage.(kvstore.Wiper); ok {
		err = w.Wipe(m.bg)
	} else {
		err = m.storage.Delete(m.bg, stateKey)
	}
	if err != nil {
		log.Warn().Err(err).Msg("wipe client session storage")
	}
}

func (m *Manager) scheduleIdle() {
	gen := m.gen
	now := m.sched.Now()
	base := m.snap.LastActivityAt
	m.sched.Schedule(timerWarning, base.Add(m.cfg.IdleTimeout-m.cfg.WarningTime).Sub(now), func() { m.onWarning(gen) })
	m.sched.Schedule(timerTimeout, base.Add(m.cfg.IdleTimeout).Sub(now), func() { m.onTimeout(gen) })
}

func (m *Manager) cancelIdle() {
	m.sched.Cancel(timerWarning)
	m.sched.Cancel(timerTimeout)
}

func (m *Manager) scheduleAbsolute() {
	gen := m.gen
	d := m.snap.SessionStartAt.Add(m.cfg.AbsoluteTimeout).Sub(m.sched.Now())
	m.sched.Schedule(timerAbsolute, d, func() { m.onAbsolute(gen) })
}

func (m *Manager) scheduleRefresh(gen uint64) {
	m.sched.Schedule(timerRefresh, m.cfg.RefreshInterval, func() { m.onRefresh(gen) })
}

// touch records activity and restarts the idle cycle.
func (m *Manager) touch() {
	m.snap.LastActivityAt = m.sched.Now()
	m.snap.State = Active
	m.snap.WarningShown = false
	m.scheduleIdle()
	m.persist()
}

// RecordActivity resets the idle clock. It is ignored while hidden or when no
// session is being monitored.
func (m *Manager) RecordActivity(kind ActivityKind) {
	m.mu.Lock()
	defer m.unlock()
	if !m.snap.State.live() || !m.snap.Visible {
		return
	}
	m.touch()
}

func (m *Manager) onWarning(gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || !m.snap.State.live() || m.snap.WarningShown || !m.snap.Visible {
		return
	}
	m.snap.State = Warning
	m.snap.WarningShown = true
	m.persist()
	m.emit(NoticeWarning, apperrors.MsgSessionWarning, int(math.Ceil(m.cfg.WarningTime.Minutes())))
}

func (m *Manager) onTimeout(gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || !m.snap.State.live() || !m.snap.Visible {
		return
	}
	m.expire("idle")
}

func (m *Manager) onAbsolute(gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.snap.State == Uninitialized || m.snap.State == Expired {
		return
	}
	m.expire("absolute")
}

// expire ends the session locally, tells the server in the background and
// wipes client storage.
func (m *Manager) expire(reason string) {
	m.gen++
	m.sched.CancelAll()
	m.snap.State = Expired
	m.wipe()
	m.emit(NoticeTimeout, apperrors.MsgSessionTimedOut, 0)
	log.Info().Str("event", "session_timeout").Str("reason", reason).Msg("session expired")

	ctx := m.bg
	m.deferred = append(m.deferred, func() {
		m.async(func() {
			if err := m.backend.Logout(ctx); err != nil {
				log.Warn().Err(err).Msg("server logout after timeout")
			}
		})
	})
}

func (m *Manager) onRefresh(gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.snap.State == Uninitialized || m.snap.State == Expired {
		return
	}
	m.scheduleRefresh(gen)

	ctx := m.bg
	m.deferred = append(m.deferred, func() {
		m.async(func() {
			m.finishRefresh(gen, m.backend.Refresh(ctx))
		})
	})
}

func (m *Manager) finishRefresh(gen uint64, err error) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || err == nil {
		return
	}
	if errors.Is(err, apperrors.ErrInvalidToken) || errors.Is(err, apperrors.ErrSessionExpired) {
		log.Warn().Err(err).Str("event", "refresh_rejected").Msg("session no longer valid")
		m.endSession()
		return
	}
	// transport failures keep the session until the server says otherwise
	log.Warn().Err(err).Msg("session refresh failed, keeping session")
}

// endSession is a logout initiated by the client after the server rejected the session.
func (m *Manager) endSession() {
	m.gen++
	m.sched.CancelAll()
	m.snap.State = Uninitialized
	m.wipe()
	m.emit(NoticeLoggedOut, apperrors.MsgSessionExpired, 0)
}

// ExtendSession asks the server to extend the session. It returns
// ErrReauthRequired and starts re-authentication once the extension budget is
// spent or the last sign-in is too old.
func (m *Manager) ExtendSession(ctx context.Context) error {
	m.mu.Lock()
	switch m.snap.State {
	case Uninitialized, Expired:
		m.unlock()
		return apperrors.ErrSessionExpired
	case RequiresReauth:
		m.unlock()
		return apperrors.ErrReauthRequired
	}
	now := m.sched.Now()
	if now.Sub(m.snap.LastReauthAt) > m.cfg.ReauthRequiredAfter || m.snap.ExtensionCount >= m.cfg.MaxExtensions {
		m.requireReauth()
		m.unlock()
		return apperrors.ErrReauthRequired
	}
	gen := m.gen
	m.unlock()

	err := m.backend.Extend(ctx)

	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen {
		return apperrors.ErrSessionExpired
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidToken) || errors.Is(err, apperrors.ErrSessionExpired) {
			m.endSession()
		}
		return errors.Wrap(err, "[Manager.ExtendSession]")
	}

	m.snap.ExtensionCount++
	m.touch()
	m.snap.State = Extended
	m.persist()
	m.emit(NoticeExtended, apperrors.MsgSessionExtended, 0)
	return nil
}

// RequireReauthentication moves to RequiresReauth and redirects to the login
// entry point after the configured delay.
func (m *Manager) RequireReauthentication() {
	m.mu.Lock()
	defer m.unlock()
	if m.snap.State == Uninitialized || m.snap.State == RequiresReauth {
		return
	}
	m.requireReauth()
}

func (m *Manager) requireReauth() {
	m.snap.State = RequiresReauth
	m.cancelIdle()
	m.sched.Cancel(timerRefresh)
	m.persist()
	m.emit(NoticeReauth, apperrors.MsgSessionReauthStart, 0)

	gen := m.gen
	m.sched.Schedule(timerRedirect, m.cfg.ReauthRedirectDelay, func() { m.redirect(gen) })
}

func (m *Manager) redirect(gen uint64) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.snap.State != RequiresReauth {
		return
	}
	target := m.cfg.LoginURL + "?reauth=true"
	m.deferred = append(m.deferred, func() { m.navigate(target) })
}

// CompleteReauthentication returns to Active after a fresh sign-in, which
// resets the extension budget and starts a new absolute window.
func (m *Manager) CompleteReauthentication() error {
	m.mu.Lock()
	defer m.unlock()
	if m.snap.State != RequiresReauth {
		return errors.Wrap(apperrors.ErrInvalidState, "[Manager.CompleteReauthentication] not awaiting re-authentication")
	}
	m.gen++
	m.sched.CancelAll()

	now := m.sched.Now()
	m.snap.LastReauthAt = now
	m.snap.SessionStartAt = now
	m.snap.ExtensionCount = 0
	m.touch()
	m.scheduleAbsolute()
	m.scheduleRefresh(m.gen)
	return nil
}

// SetVisible pauses idle monitoring while the page is hidden. Becoming
// visible again counts as activity unless the absolute cap has passed.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.unlock()
	if m.snap.Visible == visible {
		return
	}
	m.snap.Visible = visible
	if !m.snap.State.live() {
		return
	}
	if !visible {
		m.cancelIdle()
		m.persist()
		return
	}
	if !m.sched.Now().Before(m.snap.SessionStartAt.Add(m.cfg.AbsoluteTimeout)) {
		m.expire("absolute")
		return
	}
	m.touch()
}

// Logout ends the session on both sides. It wins over any refresh in flight.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	m.sched.CancelAll()
	m.snap.State = Uninitialized
	m.wipe()
	m.emit(NoticeLoggedOut, apperrors.MsgSignedOut, 0)
	m.unlock()

	if err := m.backend.Logout(ctx); err != nil {
		return errors.Wrap(err, "[Manager.Logout]")
	}
	return nil
}

// Teardown stops all timers, drops listeners and wipes client storage
// without contacting the server.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.unlock()
	m.gen++
	m.sched.CancelAll()
	m.listeners = make(map[int]func(Notice))
	m.pending = nil
	m.snap.State = Uninitialized
	m.wipe()
}

// ExtensionsLeft reports how many extensions remain before re-authentication.
func (m *Manager) ExtensionsLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(m.cfg.MaxExtensions-m.snap.ExtensionCount, 0)
}

// IdleDeadline is when the current idle cycle times out.
func (m *Manager) IdleDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.LastActivityAt.Add(m.cfg.IdleTimeout)
}
