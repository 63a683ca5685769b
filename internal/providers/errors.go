package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrorKind classifies provider failures for routing decisions.
type ErrorKind string

const (
	KindUnavailable       ErrorKind = "unavailable"
	KindTimeout           ErrorKind = "timeout"
	KindRateLimited       ErrorKind = "rate_limited"
	KindAuth              ErrorKind = "auth"
	KindInvalidResponse   ErrorKind = "invalid_response"
	KindFilteredByBackend ErrorKind = "filtered_by_backend"
	KindCancelled         ErrorKind = "cancelled"
	KindUnknown           ErrorKind = "unknown"
)

// Error wraps a provider failure with its routing classification and whether
// a retry on the same provider is safe.
type Error struct {
	Provider   string
	Kind       ErrorKind
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether the failure is alert-worthy (auth or protocol
// breakage) rather than transient.
func (e *Error) Permanent() bool {
	return e.Kind == KindAuth || e.Kind == KindInvalidResponse
}

// StatusError captures an HTTP status code from a provider response body.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses a Retry-After header value in seconds.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
}

// ClassifyError maps a raw transport error to a classified *Error for the
// named provider.
func ClassifyError(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	out := &Error{Provider: provider, Kind: KindUnknown, Err: err}

	if errors.Is(err, context.DeadlineExceeded) {
		out.Kind = KindTimeout
		out.Retryable = true
		return out
	}
	if errors.Is(err, context.Canceled) {
		out.Kind = KindCancelled
		return out
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			out.Kind = KindAuth
		case se.StatusCode == 429:
			out.Kind = KindRateLimited
			out.Retryable = true
			out.RetryAfter = se.RetryAfter
		case se.StatusCode >= 500:
			out.Kind = KindUnavailable
			out.Retryable = true
		default:
			out.Kind = KindInvalidResponse
		}
		return out
	}

	// Connection-level failures (refused, DNS, reset) land here.
	out.Kind = KindUnavailable
	out.Retryable = true
	return out
}
