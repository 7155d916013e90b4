package lifecycle

import (
	"context"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/sessions"
)

type State string

const (
	Uninitialized  State = "uninitialized"
	Active         State = "active"
	Warning        State = "warning"
	Expired        State = "expired"
	Extended       State = "extended"
	RequiresReauth State = "requires_reauth"
)

// live reports whether the session is being monitored for idleness.
func (s State) live() bool {
	return s == Active || s == Warning || s == Extended
}

type ActivityKind string

const (
	Pointer ActivityKind = "pointer"
	Key     ActivityKind = "key"
	Scroll  ActivityKind = "scroll"
	Touch   ActivityKind = "touch"
	Focus   ActivityKind = "focus"
)

type NoticeType string

const (
	NoticeWarning   NoticeType = "warning"
	NoticeTimeout   NoticeType = "timeout"
	NoticeReauth    NoticeType = "reauth"
	NoticeExtended  NoticeType = "extended"
	NoticeLoggedOut NoticeType = "logged_out"
)

// Notice is delivered to render callbacks.
type Notice struct {
	Type        NoticeType
	Message     string
	MinutesLeft int
	At          time.Time
}

// Session is what the backend reports about the current sign-in.
type Session struct {
	Authenticated bool
	User          sessions.User
	ExpiresAt     time.Time
}

// Backend is the server the manager talks to.
type Backend interface {
	Verify(ctx context.Context) (Session, error)
	Refresh(ctx context.Context) error
	Extend(ctx context.Context) error
	Logout(ctx context.Context) error
}

type Config struct {
	IdleTimeout         time.Duration `json:"idleTimeout"`
	WarningTime         time.Duration `json:"warningTime"`
	AbsoluteTimeout     time.Duration `json:"absoluteTimeout"`
	RefreshInterval     time.Duration `json:"refreshInterval"`
	MaxExtensions       int           `json:"maxExtensions"`
	ReauthRequiredAfter time.Duration `json:"reauthRequiredAfter"`
	ReauthRedirectDelay time.Duration `json:"reauthRedirectDelay"`
	LoginURL            string        `json:"loginUrl"`
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:         30 * time.Minute,
		WarningTime:         5 * time.Minute,
		AbsoluteTimeout:     8 * time.Hour,
		RefreshInterval:     15 * time.Minute,
		MaxExtensions:       3,
		ReauthRequiredAfter: 4 * time.Hour,
		ReauthRedirectDelay: 2 * time.Second,
		LoginURL:            "/auth/login",
	}
}

// Snapshot is the client-held session state.
type Snapshot struct {
	State          State     `json:"state"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	SessionStartAt time.Time `json:"sessionStartAt"`
	WarningShown   bool      `json:"warningShown"`
	ExtensionCount int       `json:"extensionCount"`
	LastReauthAt   time.Time `json:"lastReauthAt"`
	Visible        bool      `json:"visible"`
}
