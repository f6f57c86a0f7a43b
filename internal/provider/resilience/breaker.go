// Package resilience provides the resilient HTTP client shared by the weather
// and tee-sheet adapters: per-call timeouts, bounded retries, circuit
// breaking, and Retry-After extraction.
package resilience

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig holds configuration for a provider's circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker for logging.
	Name string

	// MaxRequests is the number of probe requests allowed half-open.
	// Default: 1
	MaxRequests uint32

	// Timeout is the open period before switching to half-open.
	// Default: 60 seconds
	Timeout time.Duration

	// ReadyToTrip decides when to open. If nil, the breaker opens at a 50%
	// failure rate once at least 5 requests have been observed.
	ReadyToTrip func(counts gobreaker.Counts) bool

	// OnStateChange is called on breaker state transitions.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns the default breaker settings for a provider.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
	}
}

// NewBreaker creates a circuit breaker from the config.
func NewBreaker[T any](cfg BreakerConfig) *gobreaker.CircuitBreaker[T] {
	readyToTrip := cfg.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= 0.5
		}
	}

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:          cfg.Name,
		MaxRequests:   cfg.MaxRequests,
		Timeout:       cfg.Timeout,
		ReadyToTrip:   readyToTrip,
		OnStateChange: cfg.OnStateChange,
	})
}
