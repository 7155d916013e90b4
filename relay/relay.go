package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 15 * time.Second
	defaultRetries = 2
	defaultBackoff = 500 * time.Millisecond
)

// Relay forwards validated contact payloads to the submission endpoint.
//
// A call that times out is not retried: the endpoint may have accepted it.
// Connection failures and 5xx responses are retried with linear backoff.
type Relay struct {
	endpoint string
	client   *http.Client
	validate *validator.Validate
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
}

type Option func(*Relay)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) {
		r.client = c
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.timeout = d
	}
}

// WithRetries sets how many times a transient failure is retried and the
// base backoff between attempts.
func WithRetries(n int, backoff time.Duration) Option {
	return func(r *Relay) {
		r.retries = n
		r.backoff = backoff
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func New(endpoint string, options ...Option) (*Relay, error) {
	if endpoint == "" {
		return nil, errors.New("[relay.New] endpoint is required")
	}
	r := &Relay{
		endpoint: endpoint,
		client:   &http.Client{},
		validate: validator.New(),
		timeout:  DefaultTimeout,
		retries:  defaultRetries,
		backoff:  defaultBackoff,
		sleep:    sleepCtx,
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Validate checks c against the payload rules.
func (r *Relay) Validate(c Contact) error {
	if err := r.validate.Struct(c); err != nil {
		return validationError(err)
	}
	return nil
}

// Send validates and forwards c.
func (r *Relay) Send(ctx context.Context, c Contact) error {
	if err := r.Validate(c); err != nil {
		return err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "[Relay.Send] encode")
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, time.Duration(attempt)*r.backoff); err != nil {
				return errors.Wrap(apperrors.ErrSubmissionUnavailable, err.Error())
			}
		}
		retry, err := r.attempt(ctx, body, c.RequestID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("submission relay attempt failed")
	}
	return lastErr
}

// attempt performs one bounded POST and reports whether a failure may be retried.
func (r *Relay) attempt(ctx context.Context, body []byte, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "[Relay.attempt] request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if requestID != "" {
		req.Header.Set("Idempotency-Key", requestID)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			log.Warn().Str("event", "relay_timeout").Msg("submission endpoint timed out")
			return false, errors.Wrap(apperrors.ErrSubmissionUnavailable, "timed out")
		}
		return true, errors.Wrap(apperrors.ErrSubmissionUnavailable, err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, errors.Wrapf(apperrors.ErrSubmissionUnavailable, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, errors.Wrapf(apperrors.ErrSubmissionUnavailable, "status %d", resp.StatusCode)
	default:
		return false, errors.Wrapf(apperrors.ErrSubmissionRejected, "status %d", resp.StatusCode)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
