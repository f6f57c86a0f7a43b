package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/crm"
)

// defaultTravelBuffer is the minimum gap between two commitments before a
// conflict advisory is raised.
const defaultTravelBuffer = 60 * time.Minute

// PipelineConfig holds configuration for the event pipeline.
type PipelineConfig struct {
	Logger zerolog.Logger

	// TravelBuffer overrides the 60 minute conflict gap (optional).
	TravelBuffer time.Duration
}

// Pipeline builds calendar events from decorated reservations.
type Pipeline struct {
	logger zerolog.Logger
	buffer time.Duration
}

// NewPipeline creates an event pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	buffer := cfg.TravelBuffer
	if buffer == 0 {
		buffer = defaultTravelBuffer
	}
	return &Pipeline{logger: cfg.Logger, buffer: buffer}
}

// Build merges reservations and external commitments into one ordered event
// stream and annotates conflicts across the whole of it. Cancelled
// reservations are dropped; everything else is emitted, conflicting or not.
func (p *Pipeline) Build(reservations []crm.DecoratedReservation, external []ExternalEvent) []Event {
	events := make([]Event, 0, len(reservations)+len(external))
	for _, r := range reservations {
		if r.Status == crm.StatusCancelled {
			continue
		}
		events = append(events, p.toEvent(r))
	}
	for _, x := range external {
		events = append(events, p.externalToEvent(x))
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartUTC.Equal(events[j].StartUTC) {
			return events[i].StartUTC.Before(events[j].StartUTC)
		}
		return events[i].UID < events[j].UID
	})

	p.annotateConflicts(events)
	return events
}

func (p *Pipeline) toEvent(r crm.DecoratedReservation) Event {
	priority := PriorityNormal
	if r.Status == crm.StatusPending {
		priority = PriorityLow
	}
	return Event{
		UID:         EventUID(r.ClubID, r.ID),
		Title:       eventTitle(r),
		Location:    r.CourseName,
		StartUTC:    r.StartUTC,
		EndUTC:      r.EndUTC,
		LocalTZ:     r.LocalTZ,
		Priority:    priority,
		Status:      r.Status,
		Players:     r.Players,
		Forecast:    r.Forecast,
		WeatherNote: r.WeatherNote,
	}
}

// externalToEvent keeps the caller's UID as-is; these events are not club
// bookings, so the club-scoped UID scheme does not apply.
func (p *Pipeline) externalToEvent(x ExternalEvent) Event {
	return Event{
		UID:         x.UID,
		Title:       x.Title,
		StartUTC:    x.StartUTC,
		EndUTC:      x.EndUTC,
		LocalTZ:     x.LocalTZ,
		Priority:    x.Priority,
		Status:      crm.StatusConfirmed,
		Category:    x.Category,
		Forecast:    x.Forecast,
		WeatherNote: x.WeatherNote,
	}
}

// annotateConflicts compares every event against its neighbors. Events are
// already sorted, so only the tail within one buffer needs checking.
func (p *Pipeline) annotateConflicts(events []Event) {
	for i := range events {
		for j := i + 1; j < len(events); j++ {
			if events[j].StartUTC.Sub(events[i].EndUTC) >= p.buffer {
				break
			}
			conflict, ok := p.check(events[i].StartUTC, events[i].EndUTC, events[j].StartUTC, events[j].EndUTC)
			if !ok {
				continue
			}
			a := conflict
			a.WithUID, a.WithTitle = events[j].UID, events[j].Title
			events[i].Conflicts = append(events[i].Conflicts, a)

			b := conflict
			b.WithUID, b.WithTitle = events[i].UID, events[i].Title
			events[j].Conflicts = append(events[j].Conflicts, b)
		}

		p.sortConflicts(events, i)
		if len(events[i].Conflicts) > 0 {
			p.logger.Debug().
				Str("uid", events[i].UID).
				Int("conflicts", len(events[i].Conflicts)).
				Msg("event has conflict advisories")
		}
	}
}

// check classifies the relation of two spans: overlap, near miss within the
// travel buffer, or clear.
func (p *Pipeline) check(aStart, aEnd, bStart, bEnd time.Time) (Conflict, bool) {
	if aStart.Before(bEnd) && bStart.Before(aEnd) {
		return Conflict{Overlap: true}, true
	}
	var gap time.Duration
	if aEnd.Before(bStart) || aEnd.Equal(bStart) {
		gap = bStart.Sub(aEnd)
	} else {
		gap = aStart.Sub(bEnd)
	}
	if gap < p.buffer {
		return Conflict{Gap: gap}, true
	}
	return Conflict{}, false
}

// sortConflicts orders an event's advisories by the other party's priority,
// highest first, then by UID for determinism.
func (p *Pipeline) sortConflicts(events []Event, i int) {
	priorityOf := func(uid string) Priority {
		for _, e := range events {
			if e.UID == uid {
				return e.Priority
			}
		}
		return PriorityLow
	}
	sort.SliceStable(events[i].Conflicts, func(a, b int) bool {
		pa, pb := priorityOf(events[i].Conflicts[a].WithUID), priorityOf(events[i].Conflicts[b].WithUID)
		if pa != pb {
			return pa > pb
		}
		return events[i].Conflicts[a].WithUID < events[i].Conflicts[b].WithUID
	})
}

// EventUID builds the stable event identifier for a booking.
func EventUID(clubID, reservationID string) string {
	return fmt.Sprintf("%s-%s@teesync", clubID, reservationID)
}

func eventTitle(r crm.DecoratedReservation) string {
	title := "Golf: " + r.CourseName
	if names := coPlayerNames(r); names != "" {
		title += " with " + names
	}
	return title
}

// coPlayerNames lists everyone but the booking player, who is first.
func coPlayerNames(r crm.DecoratedReservation) string {
	if len(r.Players) < 2 {
		return ""
	}
	names := make([]string, 0, len(r.Players)-1)
	for _, p := range r.Players[1:] {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}
