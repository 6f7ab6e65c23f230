// Package clients implements the outbound call layer: an LLM client with
// provider adapters and middleware, a JSON HTTP client, and the audit
// wrapper that records every call in the landscape.
package clients

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vsavkov/elspeth/internal/pool"
)

// Error is the unified error surface returned by adapters and clients.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

// ConfigurationError aborts before any call is attempted; never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

// TemplateError is a pre-call rendering failure. Non-retryable by policy:
// re-rendering the same template with the same row cannot succeed.
type TemplateError struct {
	Template string
	Message  string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %s", e.Template, e.Message)
}
func (e *TemplateError) Provider() string           { return "" }
func (e *TemplateError) StatusCode() int            { return 0 }
func (e *TemplateError) Retryable() bool            { return false }
func (e *TemplateError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type ContentFilterError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type NetworkError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus classifies an HTTP failure. 429 and 503 become
// *pool.CapacityError so the pooled executor can throttle; everything else
// maps onto the typed hierarchy with its retryability.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		if strings.Contains(strings.ToLower(message), "content filter") ||
			strings.Contains(strings.ToLower(message), "safety") {
			return &ContentFilterError{base}
		}
		return &InvalidRequestError{base}
	case 401:
		base.retryable = false
		return &AuthenticationError{base}
	case 403:
		base.retryable = false
		return &AccessDeniedError{base}
	case 404:
		base.retryable = false
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429, 503:
		return &pool.CapacityError{Status: statusCode, Message: message, RetryAfter: retryAfter}
	case 500, 502, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		// Unknown statuses default to retryable.
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewNetworkError wraps a transport-level failure (dial, reset, timeout).
// Always retryable.
func NewNetworkError(provider string, err error) error {
	return &NetworkError{httpErrorBase{
		provider:  strings.TrimSpace(provider),
		message:   err.Error(),
		retryable: true,
	}}
}

// IsRetryable reports whether the retry manager should re-attempt after
// err: capacity pushback, the typed retryable errors, and anything else
// exposing Retryable() true.
func IsRetryable(err error) bool {
	if pool.IsCapacity(err) {
		return true
	}
	var te *TemplateError
	if errors.As(err, &te) {
		return false
	}
	var typed Error
	if errors.As(err, &typed) {
		return typed.Retryable()
	}
	return false
}

// ParseRetryAfter parses a Retry-After header: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
