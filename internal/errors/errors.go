package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the authentication and request-integrity pipeline
var (
	// Authentication errors
	ErrAuthDenied    = errors.New("access denied")
	ErrProviderError = errors.New("identity provider error")
	ErrNetworkError  = errors.New("network error")
	ErrInvalidState  = errors.New("invalid oauth state")

	// Session errors
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidToken    = errors.New("invalid token")
	ErrReauthRequired  = errors.New("re-authentication required")
	ErrSessionNotFound = errors.New("session not found")

	// Request integrity errors
	ErrRateLimited           = errors.New("rate limited")
	ErrCSRFValidationFailed  = errors.New("csrf validation failed")
	ErrSuspiciousSubmission  = errors.New("suspicious submission")
	ErrFormNotFound          = errors.New("form not found")
	ErrSubmissionRejected    = errors.New("submission rejected by endpoint")
	ErrSubmissionUnavailable = errors.New("submission endpoint unavailable")

	// Benign submission failures that get actionable messages
	ErrSubmissionTooFast = fmt.Errorf("%w: submitted too quickly", ErrSuspiciousSubmission)
	ErrSubmissionTooSlow = fmt.Errorf("%w: form expired", ErrSuspiciousSubmission)

	// Storage errors
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflicting write")

	// General errors
	ErrInternal = errors.New("internal error")
)

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// RateLimitError carries the retry hint for a rejected submission.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsRetryable reports whether the UI may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkError) || errors.Is(err, ErrProviderError) || errors.Is(err, ErrSubmissionUnavailable)
}

// IsSecurityRelevant reports whether err must be surfaced with a generic message.
func IsSecurityRelevant(err error) bool {
	return errors.Is(err, ErrAuthDenied) ||
		errors.Is(err, ErrCSRFValidationFailed) ||
		errors.Is(err, ErrSuspiciousSubmission) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInvalidState)
}
