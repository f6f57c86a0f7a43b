package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Health is a snapshot of one upstream provider's state: its breaker plus the
// last observed success and failure.
type Health struct {
	Name          string
	CircuitState  gobreaker.State
	Counts        gobreaker.Counts
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// Healthy reports whether the provider's circuit is closed.
func (h *Health) Healthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// Registry tracks the resilient clients of all upstream providers, weather
// and tee-sheet alike, for the ops surface.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*trackedClient
}

type trackedClient struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*trackedClient)}
}

// Register adds a provider client to the registry.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = &trackedClient{client: client}
}

// RecordSuccess records a successful upstream call.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		now := time.Now()
		c.lastSuccessAt = &now
	}
}

// RecordFailure records a failed upstream call.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		now := time.Now()
		c.lastFailureAt = &now
		if err != nil {
			c.lastError = err.Error()
		}
	}
}

// AllHealth returns the health of every registered provider.
func (r *Registry) AllHealth() []*Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Health, 0, len(r.clients))
	for name, c := range r.clients {
		out = append(out, &Health{
			Name:          name,
			CircuitState:  c.client.BreakerState(),
			Counts:        c.client.BreakerCounts(),
			LastSuccessAt: c.lastSuccessAt,
			LastFailureAt: c.lastFailureAt,
			LastError:     c.lastError,
		})
	}
	return out
}
