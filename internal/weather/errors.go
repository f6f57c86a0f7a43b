package weather

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is the composite outcome after every provider has been
// exhausted. Callers may still emit their event without weather.
var ErrUnavailable = errors.New("weather unavailable from all providers")

// ErrorKind classifies a provider failure for the failover policy.
type ErrorKind string

// Provider error kinds.
const (
	KindUnauthorized  ErrorKind = "unauthorized"
	KindRateLimited   ErrorKind = "rate_limited"
	KindTimeout       ErrorKind = "timeout"
	KindBadResponse   ErrorKind = "bad_response"
	KindOutOfCoverage ErrorKind = "out_of_coverage"
	KindTransient     ErrorKind = "transient"
	KindPermanent     ErrorKind = "permanent"
)

// ProviderError is the error type adapters raise. RetryAfter is set only for
// rate-limit responses that carried a Retry-After hint.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	RetryAfter *time.Duration
	Err        error
}

// NewProviderError wraps err with a provider id and kind.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// NewRateLimitedError builds a rate-limit error carrying an optional
// Retry-After duration (nil when the provider gave none).
func NewRateLimitedError(provider string, retryAfter *time.Duration, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError unwraps err into a *ProviderError if it carries one.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyStatus maps a non-2xx HTTP status to a provider error kind:
// 401/403 unauthorized, 429 rate limited, other 4xx permanent, 5xx transient.
func ClassifyStatus(provider string, status int, retryAfter *time.Duration) *ProviderError {
	switch {
	case status == 401 || status == 403:
		return NewProviderError(provider, KindUnauthorized, fmt.Errorf("status %d", status))
	case status == 429:
		return NewRateLimitedError(provider, retryAfter, fmt.Errorf("status %d", status))
	case status >= 500:
		return NewProviderError(provider, KindTransient, fmt.Errorf("status %d", status))
	default:
		return NewProviderError(provider, KindPermanent, fmt.Errorf("status %d", status))
	}
}

// ClassifyTransport maps a transport-level failure to a provider error kind:
// context deadline or cancellation become timeouts, everything else transient.
func ClassifyTransport(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProviderError(provider, KindTimeout, err)
	}
	return NewProviderError(provider, KindTransient, err)
}
