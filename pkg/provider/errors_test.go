package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "rate limited",
			err:       &RateLimitedError{Provider: "anthropic", RetryAfter: 5 * time.Second},
			retryable: true,
		},
		{
			name:      "network error",
			err:       &NetworkError{Provider: "openai", Err: errors.New("connection reset")},
			retryable: true,
		},
		{
			name:      "timeout",
			err:       &TimeoutError{Provider: "anthropic", Err: errors.New("deadline exceeded")},
			retryable: true,
		},
		{
			name:      "server error",
			err:       &APIError{Provider: "anthropic", Status: 500, Body: "overloaded"},
			retryable: true,
		},
		{
			name:      "bad gateway",
			err:       &APIError{Provider: "openai", Status: 502, Body: ""},
			retryable: true,
		},
		{
			name:      "not found",
			err:       &APIError{Provider: "openai", Status: 404, Body: "no such model"},
			retryable: false,
		},
		{
			name:      "auth failure",
			err:       &AuthError{Provider: "anthropic", Message: "invalid api key"},
			retryable: false,
		},
		{
			name:      "validation failure",
			err:       &ValidationError{Provider: "openai", Message: "model is required"},
			retryable: false,
		},
		{
			name:      "wrapped rate limit",
			err:       fmt.Errorf("call failed: %w", &RateLimitedError{Provider: "openai"}),
			retryable: true,
		},
		{
			name:      "wrapped auth failure",
			err:       fmt.Errorf("call failed: %w", &AuthError{Provider: "openai"}),
			retryable: false,
		},
		{
			name:      "plain error",
			err:       errors.New("something else"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Run("unauthorized becomes auth error", func(t *testing.T) {
		err := classifyStatus("anthropic", http.StatusUnauthorized, "invalid x-api-key", nil)

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "anthropic", authErr.Provider)
		assert.Contains(t, authErr.Error(), "authentication failed")
	})

	t.Run("forbidden becomes auth error", func(t *testing.T) {
		err := classifyStatus("openai", http.StatusForbidden, "", nil)

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("too many requests carries retry hint", func(t *testing.T) {
		header := http.Header{}
		header.Set("Retry-After", "30")

		err := classifyStatus("anthropic", http.StatusTooManyRequests, "rate limited", header)

		var rateLimited *RateLimitedError
		require.ErrorAs(t, err, &rateLimited)
		assert.Equal(t, 30*time.Second, rateLimited.RetryAfter)
		assert.True(t, IsRetryable(err))
	})

	t.Run("bad request becomes validation error", func(t *testing.T) {
		err := classifyStatus("openai", http.StatusBadRequest, "max_tokens too large", nil)

		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Error(), "max_tokens too large")
		assert.False(t, IsRetryable(err))
	})

	t.Run("server error keeps status and body", func(t *testing.T) {
		err := classifyStatus("anthropic", 529, `{"type":"overloaded_error"}`, nil)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 529, apiErr.Status)
		assert.Contains(t, apiErr.Body, "overloaded_error")
		assert.True(t, IsRetryable(err))
	})

	t.Run("long body is truncated", func(t *testing.T) {
		body := strings.Repeat("x", maxErrorBody*2)

		err := classifyStatus("openai", http.StatusInternalServerError, body, nil)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Len(t, apiErr.Body, maxErrorBody+3)
		assert.True(t, strings.HasSuffix(apiErr.Body, "..."))
	})
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "integer seconds", value: "5", want: 5 * time.Second},
		{name: "fractional seconds", value: "0.5", want: 500 * time.Millisecond},
		{name: "missing", value: "", want: 0},
		{name: "garbage", value: "soon", want: 0},
		{name: "negative", value: "-3", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.value != "" {
				header.Set("Retry-After", tt.value)
			}
			assert.Equal(t, tt.want, parseRetryAfter(header))
		})
	}

	t.Run("nil header", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), parseRetryAfter(nil))
	})
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		"anthropic: rate limited, retry after 10s",
		(&RateLimitedError{Provider: "anthropic", RetryAfter: 10 * time.Second}).Error())
	assert.Equal(t,
		"openai: rate limited",
		(&RateLimitedError{Provider: "openai"}).Error())
	assert.Equal(t,
		"openai: api error: status 503: busy",
		(&APIError{Provider: "openai", Status: 503, Body: "busy"}).Error())
}

func TestNetworkErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &NetworkError{Provider: "anthropic", Err: cause}

	assert.ErrorIs(t, err, cause)
}
