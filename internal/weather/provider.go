package weather

import (
	"context"
	"fmt"
	"time"

	"github.com/teesync/teesync/pkg/geo"
)

// Limiter is the slice of the rate limiter the adapters use: a blocking
// acquire before every outbound request, and Retry-After feedback.
type Limiter interface {
	Acquire(ctx context.Context, provider string) error
	ObserveRetryAfter(provider string, d time.Duration)
}

// Provider is the interface every weather adapter implements.
type Provider interface {
	// Manifest returns the adapter's static description.
	Manifest() Manifest

	// Fetch retrieves a normalized forecast for a location and time range.
	// Failures are reported as *ProviderError.
	Fetch(ctx context.Context, loc geo.Location, tr TimeRange) (*Forecast, error)
}

// Registry holds the registered providers in priority order. It is populated
// at startup and read-only afterwards.
type Registry struct {
	order     []string
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registration order is selection priority order.
func (r *Registry) Register(p Provider) {
	id := p.Manifest().ProviderID
	if _, exists := r.providers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.providers[id] = p
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs returns the provider ids in priority order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
