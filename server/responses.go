package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/lifecycle"
	"github.com/rs/zerolog/log"
)

// apiError is the JSON body of a failed API call.
type apiError struct {
	lifecycle.ErrorResponse
	RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
	Fields            []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("encode response")
	}
}

func errorBody(err error) apiError {
	body := apiError{ErrorResponse: lifecycle.ErrorResponse{
		Error:   apperrors.Code(err),
		Message: apperrors.UserMessage(err),
	}}
	var rl *apperrors.RateLimitError
	if apperrors.As(err, &rl) {
		body.RetryAfterSeconds = rl.RetryAfterSeconds
	}
	return body
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody(err)
	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	writeJSON(w, status, body)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrSessionExpired),
		apperrors.Is(err, apperrors.ErrInvalidToken),
		apperrors.Is(err, apperrors.ErrReauthRequired),
		apperrors.Is(err, apperrors.ErrSessionNotFound):
		return http.StatusUnauthorized
	case apperrors.Is(err, apperrors.ErrAuthDenied),
		apperrors.Is(err, apperrors.ErrCSRFValidationFailed):
		return http.StatusForbidden
	case apperrors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case apperrors.Is(err, apperrors.ErrSubmissionTooFast),
		apperrors.Is(err, apperrors.ErrSubmissionTooSlow):
		return http.StatusUnprocessableEntity
	case apperrors.Is(err, apperrors.ErrSuspiciousSubmission):
		return http.StatusForbidden
	case apperrors.Is(err, apperrors.ErrFormNotFound):
		return http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrInvalidState):
		return http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrSubmissionRejected):
		return http.StatusBadGateway
	case apperrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		log.Err(err).Msg("request failed")
	case apperrors.IsSecurityRelevant(err):
		log.Info().Err(err).Str("event", "security_rejection").Str("code", apperrors.Code(err)).Msg("request rejected")
	}
	writeError(w, status, err)
}
