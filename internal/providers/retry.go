package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RetryConfig bounds transport-level retries of a single provider call.
type RetryConfig struct {
	MaxRetries int // extra attempts after the first; 0 = none
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig performs no retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 0, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// RetryDo calls fn until it succeeds, fails with a non-retryable error,
// exhausts cfg.MaxRetries, or ctx ends. Only *HTTPError values with a
// retryable status are retried; a server Retry-After overrides the backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.Retryable() || attempt >= cfg.MaxRetries {
			return result, err
		}

		wait := delay
		if httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		wait = min(wait, maxDelay)
		slog.Debug("provider.retry", "status", httpErr.Status, "attempt", attempt+1, "wait", wait)

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, maxDelay)
	}
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
