package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

// RetryMode selects what happens when a job fails.
type RetryMode string

const (
	// RetryDrop runs the job once; a failure leaves the message unanswered
	// until the user re-mentions the assistant.
	RetryDrop RetryMode = "drop"
	// RetryBackoff re-runs a failed job with exponential backoff while the
	// claim is still held.
	RetryBackoff RetryMode = "retry"
)

const maxRetryDelay = 30 * time.Second

// RetryPolicy makes the failed-generation behavior an explicit setting.
type RetryPolicy struct {
	Mode        RetryMode
	MaxAttempts int           // total attempts in retry mode (default 3)
	Backoff     time.Duration // first delay in retry mode (default 1s)
}

// ParseRetryMode maps a config string to a mode. Empty means drop.
func ParseRetryMode(s string) (RetryMode, error) {
	switch RetryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RetryDrop:
		return RetryDrop, nil
	case RetryBackoff:
		return RetryBackoff, nil
	default:
		return "", fmt.Errorf("unknown retry mode %q (want drop or retry)", s)
	}
}

func (p RetryPolicy) attempts() int {
	if p.Mode != RetryBackoff {
		return 1
	}
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// delay returns the wait before attempt n+1, n starting at 1.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// retryable reports whether a job error may be retried. Dedup outcomes,
// missing messages and cancellation are final.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAlreadyAnswered),
		errors.Is(err, ErrAlreadyInProgress),
		errors.Is(err, ErrAlreadyHandled),
		errors.Is(err, ErrNotEligible),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrDuplicateReply),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Do runs fn under the policy. It stops early when ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (*store.Message, error)) (*store.Message, error) {
	attempts := p.attempts()
	var (
		reply *store.Message
		err   error
	)
	for n := 1; n <= attempts; n++ {
		reply, err = fn(ctx)
		if !retryable(err) || n == attempts {
			return reply, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (after attempt %d: %v)", ctx.Err(), n, err)
		case <-time.After(p.delay(n)):
		}
	}
	return reply, err
}
