// Package transport provides an http.RoundTripper that honors the Retry-After header of rate limited responses.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxWait    = 2 * time.Minute
	defaultMaxRetries = 5
)

// RateLimitedTransport retries requests that were rejected with 429 Too Many Requests or 503 Service Unavailable,
// waiting as long as the server asks in its Retry-After header. Responses without a usable Retry-After, or asking for a
// wait longer than the maximum, are returned to the caller as they are
type RateLimitedTransport struct {
	base       http.RoundTripper
	maxWait    time.Duration
	maxRetries int
	logger     *zap.Logger
	wait       func(ctx context.Context, d time.Duration) error
}

type Option func(*RateLimitedTransport)

// WithLogger sets the logger used to report waits
func WithLogger(logger *zap.Logger) Option {
	return func(t *RateLimitedTransport) {
		t.logger = logger
	}
}

// WithMaxWait caps the time spent waiting before a single retry
func WithMaxWait(d time.Duration) Option {
	return func(t *RateLimitedTransport) {
		t.maxWait = d
	}
}

// WithMaxRetries caps the number of retries of a single request
func WithMaxRetries(n int) Option {
	return func(t *RateLimitedTransport) {
		t.maxRetries = n
	}
}

func WithRateLimiting(base http.RoundTripper, opts ...Option) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &RateLimitedTransport{
		base:       base,
		maxWait:    defaultMaxWait,
		maxRetries: defaultMaxRetries,
		logger:     zap.NewNop(),
		wait:       sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Preserve the original request body for retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		err = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
	}

	for retry := 0; ; retry++ {
		// Restore the request body for each attempt
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}

		if !isRetryableStatus(resp.StatusCode) || retry >= t.maxRetries {
			return resp, nil
		}
		waitDuration := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if waitDuration <= 0 || waitDuration > t.maxWait {
			return resp, nil
		}

		// Close the response body to free resources
		err = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close response body: %w", err)
		}

		t.logger.Warn("Rate limited, waiting",
			zap.String("host", req.URL.Host),
			zap.Int("status", resp.StatusCode),
			zap.Duration("wait", waitDuration),
			zap.Int("retry", retry+1))
		if err := t.wait(req.Context(), waitDuration); err != nil {
			return nil, err
		}
	}
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// parseRetryAfter interprets a Retry-After header given as seconds or as an HTTP date. It returns zero when the header
// is missing or malformed
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := http.ParseTime(value); err == nil {
		return retryTime.Sub(now)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
