package crm

import (
	"context"
	"fmt"
	"time"
)

// Adapter is the interface each tee-sheet backend implements.
type Adapter interface {
	// Backend returns the backend name clubs reference in config.
	Backend() string

	// FetchReservations returns the membership's bookings starting at or
	// after the given instant, normalized to the canonical model.
	FetchReservations(ctx context.Context, m Membership, from time.Time) ([]Reservation, error)
}

// Registry maps backend names to adapters. Populated at startup, read-only
// afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its backend name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Backend()] = a
}

// ForClub returns the adapter for a club's backend.
func (r *Registry) ForClub(club Club) (Adapter, error) {
	a, ok := r.adapters[club.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q for club %s", ErrUnknownBackend, club.Backend, club.ID)
	}
	return a, nil
}

// Backends returns the registered backend names.
func (r *Registry) Backends() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
