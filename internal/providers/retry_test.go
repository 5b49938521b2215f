package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDo(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", nil, 1, false},
		{"retry 503 then ok", []error{&HTTPError{Status: 503}}, 2, false},
		{"429 exhausts retries", []error{&HTTPError{Status: 429}, &HTTPError{Status: 429}, &HTTPError{Status: 429}}, 3, true},
		{"400 not retried", []error{&HTTPError{Status: 400}}, 1, true},
		{"plain error not retried", []error{errors.New("dial tcp: refused")}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			v, err := RetryDo(context.Background(), cfg, func() (string, error) {
				calls++
				if calls <= len(tt.errs) {
					return "", tt.errs[calls-1]
				}
				return "ok", nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "ok", v)
			}
		})
	}
}

func TestRetryDoDefaultNoRetry(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, &HTTPError{Status: http.StatusServiceUnavailable}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour}
	_, err := RetryDo(ctx, cfg, func() (int, error) {
		cancel()
		return 0, &HTTPError{Status: 500}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 50*time.Second)
}

func TestCitationString(t *testing.T) {
	assert.Equal(t, "[Go](https://go.dev)", Citation{URL: "https://go.dev", Title: "Go"}.String())
	assert.Equal(t, "https://go.dev", Citation{URL: "https://go.dev", Title: "  "}.String())
}
