package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownProvider is returned by New for provider names outside the
// supported set.
var ErrUnknownProvider = errors.New("unknown provider")

// maxErrorBody bounds how much response body a typed error carries so
// errors stay loggable.
const maxErrorBody = 2048

// AuthError reports rejected credentials. Never retryable.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

// RateLimitedError reports request throttling. RetryAfter is zero when
// the provider gave no hint.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// APIError is an HTTP failure that is neither an auth, throttle, nor
// validation problem. Status 5xx counts as transient.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error: status %d: %s", e.Provider, e.Status, e.Body)
}

// NetworkError wraps transport-level failures before an HTTP status
// exists. Always retryable.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError reports a request the provider, or this package,
// rejected as malformed. Never retryable.
type ValidationError struct {
	Provider string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.Provider, e.Message)
}

// TimeoutError reports a deadline hit while waiting on the provider.
type TimeoutError struct {
	Provider string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out: %v", e.Provider, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error is transient: rate limits,
// timeouts, network failures, and 5xx API errors. Auth and validation
// failures are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return true
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return true
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Status >= 500
	}
	return false
}

// classifyStatus maps an HTTP failure to the typed taxonomy. Both SDK
// adapters funnel their wire errors through here.
func classifyStatus(providerName string, status int, body string, header http.Header) error {
	body = truncateBody(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Provider: providerName, Message: body}
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{Provider: providerName, RetryAfter: parseRetryAfter(header)}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &ValidationError{Provider: providerName, Message: body}
	default:
		return &APIError{Provider: providerName, Status: status, Body: body}
	}
}

// parseRetryAfter reads a Retry-After header given in seconds. Malformed
// or absent values read as zero.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func truncateBody(body string) string {
	if len(body) <= maxErrorBody {
		return body
	}
	return body[:maxErrorBody] + "..."
}
