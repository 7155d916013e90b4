package errors

import (
	"errors"
	"fmt"
)

// MessageKey identifies a localizable user-facing message.
type MessageKey string

const (
	MsgGeneric            MessageKey = "error.generic"
	MsgAuthDenied         MessageKey = "error.auth_denied"
	MsgAuthUnavailable    MessageKey = "error.auth_unavailable"
	MsgSessionExpired     MessageKey = "error.session_expired"
	MsgReauthRequired     MessageKey = "error.reauth_required"
	MsgSecurityCheck      MessageKey = "error.security_check"
	MsgTooFast            MessageKey = "error.too_fast"
	MsgTooSlow            MessageKey = "error.too_slow"
	MsgRateLimited        MessageKey = "error.rate_limited"
	MsgSubmissionFailed   MessageKey = "error.submission_failed"
	MsgSessionWarning     MessageKey = "session.warning"
	MsgSessionTimedOut    MessageKey = "session.timed_out"
	MsgSessionReauthStart MessageKey = "session.reauth_redirect"
	MsgSessionExtended    MessageKey = "session.extended"
	MsgSignedOut          MessageKey = "session.signed_out"
)

// Catalog maps message keys to display text for one locale.
type Catalog map[MessageKey]string

// English is the default catalog.
var English = Catalog{
	MsgGeneric:            "Something went wrong. Please try again.",
	MsgAuthDenied:         "Sign-in was not permitted for this account.",
	MsgAuthUnavailable:    "Sign-in is temporarily unavailable. Please try again shortly.",
	MsgSessionExpired:     "Your session has expired. Please sign in again.",
	MsgReauthRequired:     "Please sign in again to continue.",
	MsgSecurityCheck:      "Your request could not be verified. Please reload the page and try again.",
	MsgTooFast:            "That was quick! Please take a moment to review the form before sending.",
	MsgTooSlow:            "This form has expired. Please reload the page and try again.",
	MsgRateLimited:        "Too many submissions. Please try again in %d seconds.",
	MsgSubmissionFailed:   "Your message could not be sent. Please try again later.",
	MsgSessionWarning:     "Your session will expire in %d minutes due to inactivity.",
	MsgSessionTimedOut:    "You have been signed out due to inactivity.",
	MsgSessionReauthStart: "Redirecting you to sign in again.",
	MsgSessionExtended:    "Your session has been extended.",
	MsgSignedOut:          "You have been signed out.",
}

// Text renders key with args, falling back to English and then to the generic message.
func (c Catalog) Text(key MessageKey, args ...any) string {
	tmpl, ok := c[key]
	if !ok {
		if tmpl, ok = English[key]; !ok {
			tmpl = English[MsgGeneric]
		}
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

// MessageKeyFor maps an error onto the key shown to the user. Security-relevant
// failures all collapse onto non-revealing keys.
func MessageKeyFor(err error) MessageKey {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthDenied):
		return MsgAuthDenied
	case errors.Is(err, ErrProviderError), errors.Is(err, ErrNetworkError):
		return MsgAuthUnavailable
	case errors.Is(err, ErrSessionExpired):
		return MsgSessionExpired
	case errors.Is(err, ErrReauthRequired), errors.Is(err, ErrInvalidToken):
		return MsgReauthRequired
	case errors.Is(err, ErrRateLimited):
		return MsgRateLimited
	case errors.Is(err, ErrSubmissionTooFast):
		return MsgTooFast
	case errors.Is(err, ErrSubmissionTooSlow):
		return MsgTooSlow
	case errors.Is(err, ErrCSRFValidationFailed), errors.Is(err, ErrSuspiciousSubmission), errors.Is(err, ErrInvalidState):
		return MsgSecurityCheck
	case errors.Is(err, ErrSubmissionRejected), errors.Is(err, ErrSubmissionUnavailable):
		return MsgSubmissionFailed
	}
	return MsgGeneric
}

// UserMessage renders the English message for err.
func UserMessage(err error) string {
	key := MessageKeyFor(err)
	if key == MsgRateLimited {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			return English.Text(key, rl.RetryAfterSeconds)
		}
		return English.Text(key, 60)
	}
	return English.Text(key)
}
