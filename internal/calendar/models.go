// Package calendar turns decorated reservations into calendar events:
// ordering, conflict detection against other commitments, and the event
// model the ICS emitter renders.
package calendar

import (
	"fmt"
	"time"

	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/pkg/geo"
)

// Priority orders conflict advisories: higher-priority events list their
// conflicts first.
type Priority int

// Event priorities.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 150
)

// ExternalEvent is a commitment from outside the tee sheets. It appears in
// the emitted calendar alongside reservations and takes part in conflict
// detection.
type ExternalEvent struct {
	UID      string
	Title    string
	StartUTC time.Time
	EndUTC   time.Time
	Priority Priority

	// Category labels the commitment kind ("work", "family", ...).
	Category string

	// LocalTZ is the IANA zone for wall-clock display (optional).
	LocalTZ string

	// Location enables weather decoration for outdoor commitments (optional).
	Location *geo.Location

	// Forecast and WeatherNote are attached by the collector before the
	// pipeline runs, same as for reservations.
	Forecast    *weather.Forecast
	WeatherNote string
}

// Conflict is an advisory note that an event collides with, or leaves too
// little travel margin before, another commitment. Conflicts never suppress
// an event.
type Conflict struct {
	// WithUID identifies the other event.
	WithUID string

	// WithTitle names the other event for the calendar description.
	WithTitle string

	// Overlap is true for a time overlap; false means the gap between the
	// two is shorter than the travel buffer.
	Overlap bool

	// Gap is the distance between the two events when they do not overlap.
	Gap time.Duration
}

// Describe renders the conflict as a calendar-description line.
func (c Conflict) Describe() string {
	if c.Overlap {
		return fmt.Sprintf("Overlaps with: %s", c.WithTitle)
	}
	return fmt.Sprintf("Only %s before/after: %s", formatGap(c.Gap), c.WithTitle)
}

func formatGap(d time.Duration) string {
	m := int(d.Minutes())
	return fmt.Sprintf("%d min", m)
}

// Event is one calendar entry ready for emission.
type Event struct {
	// UID is stable across runs for the same booking.
	UID string

	Title    string
	Location string
	StartUTC time.Time
	EndUTC   time.Time
	Priority Priority
	Status   crm.Status

	// Category is set for events sourced outside the tee sheets.
	Category string

	// LocalTZ is the IANA zone for wall-clock display (optional).
	LocalTZ string

	// Players in flight order, booking player first.
	Players []crm.Player

	// Forecast samples covering the event window, when available.
	Forecast    *weather.Forecast
	WeatherNote string

	// Conflicts are advisory, ordered by the other event's priority.
	Conflicts []Conflict
}

// Busy returns the event's time span for conflict detection.
func (e Event) Busy() (time.Time, time.Time) {
	return e.StartUTC, e.EndUTC
}
