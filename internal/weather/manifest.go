package weather

import (
	"time"

	"github.com/teesync/teesync/pkg/geo"
)

// WindowPolicy caps a provider at N calls per window.
type WindowPolicy struct {
	N      int
	Window time.Duration
}

// RatePolicy is the outbound rate discipline a provider demands. Exactly one
// of MinInterval or PerWindow is set.
type RatePolicy struct {
	MinInterval time.Duration
	PerWindow   *WindowPolicy
}

// BlockStep maps a forecast horizon upper bound (hours ahead) to the block
// size the provider serves inside that horizon. Steps are ordered ascending;
// the last step's MaxHoursAhead of 0 means "and beyond".
type BlockStep struct {
	MaxHoursAhead int
	Block         BlockSize
}

// TTLStep maps a forecast horizon upper bound to a cache TTL.
type TTLStep struct {
	MaxHoursAhead int
	TTL           time.Duration
}

// Manifest is the static description of a weather provider adapter: its
// coverage, cadence, block-size and TTL policies, auth requirements, rate
// policy, and thunder-probability inference table. Adding a provider to the
// system is declarative: register an adapter whose manifest describes it.
type Manifest struct {
	ProviderID     string
	Coverage       []geo.BoundingBox
	UpdateCadence  time.Duration
	RequiresAPIKey bool
	Rate           RatePolicy
	Blocks         []BlockStep
	TTLs           []TTLStep

	// ThunderProb maps canonical condition codes to an inferred thunder
	// probability for providers that do not report one explicitly.
	ThunderProb map[Code]float64

	// AlignExpiryToHour aligns computed expiries to the next top-of-hour
	// minus ExpirySlack, for providers that publish on the hour.
	AlignExpiryToHour bool
	ExpirySlack       time.Duration
}

// Covers reports whether the provider's coverage contains the location.
func (m Manifest) Covers(loc geo.Location) bool {
	for _, box := range m.Coverage {
		if box.Contains(loc) {
			return true
		}
	}
	return false
}

// BlockSizeFor returns the block size for a forecast h hours ahead.
func (m Manifest) BlockSizeFor(hoursAhead int) BlockSize {
	for _, step := range m.Blocks {
		if step.MaxHoursAhead == 0 || hoursAhead <= step.MaxHoursAhead {
			return step.Block
		}
	}
	if len(m.Blocks) > 0 {
		return m.Blocks[len(m.Blocks)-1].Block
	}
	return Block1h
}

// CacheTTLFor returns the cache TTL for a forecast h hours ahead.
func (m Manifest) CacheTTLFor(hoursAhead int) time.Duration {
	for _, step := range m.TTLs {
		if step.MaxHoursAhead == 0 || hoursAhead <= step.MaxHoursAhead {
			return step.TTL
		}
	}
	if len(m.TTLs) > 0 {
		return m.TTLs[len(m.TTLs)-1].TTL
	}
	return m.UpdateCadence
}

// ExpiryFor computes the expiry instant for a forecast fetched at fetchedAt
// with horizon hoursAhead, honoring top-of-hour alignment when configured.
func (m Manifest) ExpiryFor(fetchedAt time.Time, hoursAhead int) time.Time {
	fetchedAt = fetchedAt.UTC()
	if m.AlignExpiryToHour {
		next := fetchedAt.Truncate(time.Hour).Add(time.Hour)
		expiry := next.Add(-m.ExpirySlack)
		if expiry.After(fetchedAt) {
			return expiry
		}
		return next.Add(time.Hour).Add(-m.ExpirySlack)
	}
	return fetchedAt.Add(m.CacheTTLFor(hoursAhead))
}

// ThunderProbFor returns the inferred thunder probability for a condition
// code, or nil when the manifest has no entry for it.
func (m Manifest) ThunderProbFor(code Code) *float64 {
	if m.ThunderProb == nil {
		return nil
	}
	if p, ok := m.ThunderProb[code]; ok {
		return &p
	}
	return nil
}
