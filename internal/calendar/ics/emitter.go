// Package ics renders calendar events as an iCalendar feed. The emitter is
// deliberately thin: UTC timestamps only, folded lines, escaped text, one
// display alarm per event.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/teesync/teesync/internal/calendar"
	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/weather"
)

const (
	prodID = "-//teesync//calendar//EN"

	// defaultAlarmLead is the display-alarm offset before the tee time.
	defaultAlarmLead = 60 * time.Minute

	// RFC 5545 requires folding content lines longer than 75 octets.
	foldWidth = 75

	crlf = "\r\n"
)

// EmitterConfig holds configuration for the emitter.
type EmitterConfig struct {
	// CalendarName labels the feed in calendar clients (optional).
	CalendarName string

	// AlarmLead is the reminder offset before each event (optional,
	// default 60 minutes; negative disables alarms).
	AlarmLead time.Duration

	// Now overrides the DTSTAMP clock, for tests.
	Now func() time.Time
}

// Emitter renders events as an iCalendar document.
type Emitter struct {
	calendarName string
	alarmLead    time.Duration
	now          func() time.Time
}

// NewEmitter creates an emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	alarmLead := cfg.AlarmLead
	if alarmLead == 0 {
		alarmLead = defaultAlarmLead
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Emitter{calendarName: cfg.CalendarName, alarmLead: alarmLead, now: now}
}

// Emit writes the events as one VCALENDAR document.
func (e *Emitter) Emit(w io.Writer, events []calendar.Event) error {
	return e.EmitFeed(w, events, nil)
}

// EmitFeed writes the events with feed-level notes, such as per-club fetch
// failures, carried in the calendar description.
func (e *Emitter) EmitFeed(w io.Writer, events []calendar.Event, notes []string) error {
	b := &strings.Builder{}
	writeLine(b, "BEGIN:VCALENDAR")
	writeLine(b, "VERSION:2.0")
	writeLine(b, "PRODID:"+prodID)
	writeLine(b, "CALSCALE:GREGORIAN")
	writeLine(b, "METHOD:PUBLISH")
	if e.calendarName != "" {
		writeLine(b, "X-WR-CALNAME:"+escape(e.calendarName))
	}
	if len(notes) > 0 {
		writeLine(b, "X-WR-CALDESC:"+escape(strings.Join(notes, "\n")))
	}

	stamp := e.now().UTC()
	for _, event := range events {
		e.writeEvent(b, event, stamp)
	}

	writeLine(b, "END:VCALENDAR")
	_, err := io.WriteString(w, b.String())
	return err
}

func (e *Emitter) writeEvent(b *strings.Builder, event calendar.Event, stamp time.Time) {
	writeLine(b, "BEGIN:VEVENT")
	writeLine(b, "UID:"+event.UID)
	writeLine(b, "DTSTAMP:"+formatUTC(stamp))
	writeLine(b, "DTSTART:"+formatUTC(event.StartUTC))
	writeLine(b, "DTEND:"+formatUTC(event.EndUTC))
	writeLine(b, "SUMMARY:"+escape(event.Title))
	if event.Location != "" {
		writeLine(b, "LOCATION:"+escape(event.Location))
	}
	writeLine(b, "STATUS:"+icsStatus(event.Status))
	if desc := description(event); desc != "" {
		writeLine(b, "DESCRIPTION:"+escape(desc))
	}

	if e.alarmLead > 0 {
		writeLine(b, "BEGIN:VALARM")
		writeLine(b, "ACTION:DISPLAY")
		writeLine(b, "DESCRIPTION:"+escape(event.Title))
		writeLine(b, fmt.Sprintf("TRIGGER:-PT%dM", int(e.alarmLead.Minutes())))
		writeLine(b, "END:VALARM")
	}
	writeLine(b, "END:VEVENT")
}

// description assembles the event body: flight, forecast, notes, advisories.
func description(event calendar.Event) string {
	var lines []string

	if event.Category != "" {
		lines = append(lines, "Category: "+event.Category)
	}
	if local := localTimeLine(event); local != "" {
		lines = append(lines, local)
	}

	if len(event.Players) > 0 {
		lines = append(lines, "Flight:")
		for _, p := range event.Players {
			lines = append(lines, "  "+playerLine(p))
		}
	}

	if event.Forecast != nil && len(event.Forecast.Samples) > 0 {
		lines = append(lines, "Forecast:")
		for _, s := range event.Forecast.Samples {
			lines = append(lines, "  "+sampleLine(s))
		}
	}
	if event.WeatherNote != "" {
		lines = append(lines, event.WeatherNote)
	}

	for _, c := range event.Conflicts {
		lines = append(lines, "Note: "+c.Describe())
	}

	return strings.Join(lines, "\n")
}

// localTimeLine renders the start in the event's own zone, so readers whose
// calendar client displays UTC still see the tee-sheet wall clock.
func localTimeLine(event calendar.Event) string {
	if event.LocalTZ == "" || event.LocalTZ == "UTC" {
		return ""
	}
	zone, err := time.LoadLocation(event.LocalTZ)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Local time: %s (%s)", event.StartUTC.In(zone).Format("15:04"), event.LocalTZ)
}

func playerLine(p crm.Player) string {
	line := p.Name
	if p.ClubAbbr != nil {
		line += " (" + *p.ClubAbbr + ")"
	}
	if p.Handicap != nil {
		line += fmt.Sprintf(" hcp %.1f", *p.Handicap)
	}
	return line
}

func sampleLine(s weather.Sample) string {
	line := fmt.Sprintf("%s  %s, %.0f°C, wind %.0f m/s",
		s.TimeUTC.Format("15:04"), conditionText(s.Code), s.TempC, s.WindSpeedMPS)
	if s.PrecipMMPerH > 0 {
		line += fmt.Sprintf(", %.1f mm/h", s.PrecipMMPerH)
	}
	if s.PrecipProbPct != nil && *s.PrecipProbPct > 0 {
		line += fmt.Sprintf(" (%.0f%%)", *s.PrecipProbPct)
	}
	if s.ThunderProbPct != nil && s.Code.HasThunder() {
		line += fmt.Sprintf(", thunder %.0f%%", *s.ThunderProbPct)
	}
	return line
}

func conditionText(code weather.Code) string {
	text := strings.ReplaceAll(string(code), "_", " ")
	text = strings.TrimSuffix(text, " day")
	text = strings.TrimSuffix(text, " night")
	return text
}

func icsStatus(s crm.Status) string {
	switch s {
	case crm.StatusCancelled:
		return "CANCELLED"
	case crm.StatusPending:
		return "TENTATIVE"
	default:
		return "CONFIRMED"
	}
}

func formatUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// escape applies RFC 5545 text escaping.
func escape(s string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\;",
		",", "\\,",
		"\r\n", "\\n",
		"\n", "\\n",
	)
	return r.Replace(s)
}

// writeLine folds a content line at 75 octets and terminates it with CRLF.
func writeLine(b *strings.Builder, line string) {
	for len(line) > foldWidth {
		cut := foldWidth
		// Never split a UTF-8 sequence.
		for cut > 1 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		b.WriteString(line[:cut])
		b.WriteString(crlf)
		line = " " + line[cut:]
	}
	b.WriteString(line)
	b.WriteString(crlf)
}
