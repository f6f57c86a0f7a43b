package weather

import (
	"fmt"

	"github.com/teesync/teesync/pkg/geo"
)

// Selection is the provider choice for a location: a primary and, when a
// second provider also covers the location, a fallback.
type Selection struct {
	Primary  string
	Fallback string
}

// HasFallback reports whether a fallback provider was selected.
func (s Selection) HasFallback() bool {
	return s.Fallback != ""
}

// Selector picks providers for a location by testing coverage against the
// registered manifests in priority order. It is deterministic and stateless:
// the first covering provider is primary, the next covering one is fallback.
type Selector struct {
	registry *Registry
}

// NewSelector creates a selector over the given registry.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Select returns the provider selection for a location. It fails only when no
// registered provider covers the location at all.
func (s *Selector) Select(loc geo.Location) (Selection, error) {
	var sel Selection
	for _, id := range s.registry.IDs() {
		p, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		if !p.Manifest().Covers(loc) {
			continue
		}
		if sel.Primary == "" {
			sel.Primary = id
			continue
		}
		sel.Fallback = id
		break
	}
	if sel.Primary == "" {
		return Selection{}, fmt.Errorf("%w: no provider covers (%.4f, %.4f)",
			ErrUnknownProvider, loc.Lat, loc.Lon)
	}
	return sel, nil
}
