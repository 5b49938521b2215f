package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

func TestParseRetryMode(t *testing.T) {
	m, err := ParseRetryMode("")
	require.NoError(t, err)
	assert.Equal(t, RetryDrop, m)

	m, err = ParseRetryMode(" Retry ")
	require.NoError(t, err)
	assert.Equal(t, RetryBackoff, m)

	_, err = ParseRetryMode("forever")
	assert.Error(t, err)
}

func TestRetryPolicyDropRunsOnce(t *testing.T) {
	calls := 0
	_, err := RetryPolicy{}.Do(context.Background(), func(context.Context) (*store.Message, error) {
		calls++
		return nil, errors.New("provider down")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesTransient(t *testing.T) {
	p := RetryPolicy{Mode: RetryBackoff, MaxAttempts: 3, Backoff: time.Millisecond}
	calls := 0
	reply, err := p.Do(context.Background(), func(context.Context) (*store.Message, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("provider down")
		}
		return &store.Message{ID: "r"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r", reply.ID)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyFinalErrors(t *testing.T) {
	p := RetryPolicy{Mode: RetryBackoff, MaxAttempts: 5, Backoff: time.Millisecond}
	for _, final := range []error{
		ErrAlreadyAnswered,
		fmt.Errorf("load trigger: %w", store.ErrNotFound),
		fmt.Errorf("provider: %w", context.Canceled),
	} {
		calls := 0
		_, err := p.Do(context.Background(), func(context.Context) (*store.Message, error) {
			calls++
			return nil, final
		})
		assert.ErrorIs(t, err, final)
		assert.Equal(t, 1, calls, "%v", final)
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	p := RetryPolicy{Mode: RetryBackoff, MaxAttempts: 5, Backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := p.Do(ctx, func(context.Context) (*store.Message, error) {
		calls++
		cancel()
		return nil, errors.New("store down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := RetryPolicy{Mode: RetryBackoff, Backoff: time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, maxRetryDelay, p.delay(10))
}
