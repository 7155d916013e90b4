package errors

import "errors"

// Machine-readable codes carried in JSON error bodies.
const (
	CodeAuthDenied     = "auth_denied"
	CodeUnavailable    = "unavailable"
	CodeInvalidState   = "invalid_state"
	CodeSessionExpired = "session_expired"
	CodeInvalidToken   = "invalid_token"
	CodeReauthRequired = "reauth_required"
	CodeRateLimited    = "rate_limited"
	CodeCSRF           = "csrf_failed"
	CodeSuspicious     = "security_check"
	CodeTooFast        = "too_fast"
	CodeTooSlow        = "too_slow"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeAuthDenied, ErrAuthDenied},
	{CodeInvalidState, ErrInvalidState},
	{CodeSessionExpired, ErrSessionExpired},
	{CodeSessionExpired, ErrSessionNotFound},
	{CodeInvalidToken, ErrInvalidToken},
	{CodeReauthRequired, ErrReauthRequired},
	{CodeRateLimited, ErrRateLimited},
	{CodeCSRF, ErrCSRFValidationFailed},
	// the benign timing failures wrap ErrSuspiciousSubmission
	{CodeTooFast, ErrSubmissionTooFast},
	{CodeTooSlow, ErrSubmissionTooSlow},
	{CodeSuspicious, ErrSuspiciousSubmission},
	{CodeNotFound, ErrFormNotFound},
	{CodeUnavailable, ErrNetworkError},
}

// Code returns the wire code for err.
func Code(err error) string {
	if errors.Is(err, ErrProviderError) || errors.Is(err, ErrSubmissionUnavailable) || errors.Is(err, ErrSubmissionRejected) {
		return CodeUnavailable
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode maps a wire code back to its sentinel error.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return ErrInternal
}
