package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teesync/teesync/internal/calendar"
	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/forecast"
	"github.com/teesync/teesync/pkg/geo"
)

type stubCollector struct {
	mu       sync.Mutex
	calls    int
	from     time.Time
	result   []crm.DecoratedReservation
	failures []crm.MembershipFailure
	block    time.Duration
}

func (c *stubCollector) Collect(ctx context.Context, memberships []crm.Membership, from time.Time) ([]crm.DecoratedReservation, []crm.MembershipFailure) {
	c.mu.Lock()
	c.calls++
	c.from = from
	block := c.block
	c.mu.Unlock()
	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
		}
	}
	return c.result, c.failures
}

func (c *stubCollector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubBuilder struct{}

func (stubBuilder) Build(reservations []crm.DecoratedReservation, external []calendar.ExternalEvent) []calendar.Event {
	events := make([]calendar.Event, 0, len(reservations))
	for _, r := range reservations {
		events = append(events, calendar.Event{
			UID:      calendar.EventUID(r.ClubID, r.ID),
			Title:    "Golf: " + r.CourseName,
			StartUTC: r.StartUTC,
			EndUTC:   r.EndUTC,
			Status:   r.Status,
		})
	}
	return events
}

type stubWeather struct {
	mu    sync.Mutex
	calls int
	stale bool
	err   error
}

func (s *stubWeather) Get(ctx context.Context, loc geo.Location, window weather.TimeRange) (forecast.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return forecast.Result{}, s.err
	}
	f := &weather.Forecast{
		Location:   loc,
		ProviderID: "nordic",
		Samples: []weather.Sample{{
			TimeUTC:      window.StartUTC,
			BlockSize:    weather.Block1h,
			TempC:        13,
			WindSpeedMPS: 4,
			Code:         weather.CodeCloudy,
		}},
	}
	return forecast.Result{Forecast: f, ProviderID: "nordic", ServedStale: s.stale}, nil
}

type stubEmitter struct {
	err error
}

func (e *stubEmitter) EmitFeed(w io.Writer, events []calendar.Event, notes []string) error {
	if e.err != nil {
		return e.err
	}
	for _, ev := range events {
		if _, err := io.WriteString(w, ev.UID+"\n"); err != nil {
			return err
		}
	}
	for _, n := range notes {
		if _, err := io.WriteString(w, "note: "+n+"\n"); err != nil {
			return err
		}
	}
	return nil
}

var runnerNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func reservation(id string) crm.DecoratedReservation {
	return crm.DecoratedReservation{Reservation: crm.Reservation{
		ID:         id,
		ClubID:     "club-7",
		CourseName: "Main Course",
		StartUTC:   runnerNow.Add(24 * time.Hour),
		EndUTC:     runnerNow.Add(28 * time.Hour),
		Status:     crm.StatusConfirmed,
	}}
}

func newRunner(t *testing.T, collector *stubCollector, emitter Emitter, outputPath string) *Runner {
	t.Helper()
	return NewRunner(RunnerConfig{
		Tasks: []UserTask{{
			UserID:     "user-1",
			OutputPath: outputPath,
		}},
		Collector: collector,
		Builder:   stubBuilder{},
		Emitter:   emitter,
		Logger:    zerolog.Nop(),
		Interval:  time.Hour,
		Now:       func() time.Time { return runnerNow },
	})
}

func TestRunOnceWritesCalendar(t *testing.T) {
	out := filepath.Join(t.TempDir(), "alice.ics")
	collector := &stubCollector{result: []crm.DecoratedReservation{reservation("b-1")}}

	runner := newRunner(t, collector, &stubEmitter{}, out)
	runner.RunOnce(context.Background())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "club-7-b-1@teesync")
	assert.Equal(t, 1, collector.callCount())

	// Collection starts at the beginning of the current day.
	assert.Equal(t, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), collector.from)
}

func TestRunOnceIncludesFailureNotes(t *testing.T) {
	out := filepath.Join(t.TempDir(), "alice.ics")
	collector := &stubCollector{
		failures: []crm.MembershipFailure{{ClubID: "club-9", ClubName: "Broken GC", Err: errors.New("status 503")}},
	}

	runner := newRunner(t, collector, &stubEmitter{}, out)
	runner.RunOnce(context.Background())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "note: Could not fetch reservations from Broken GC.")
}

func TestRunOnceEmitFailureKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "alice.ics")
	require.NoError(t, os.WriteFile(out, []byte("previous feed"), 0o644))

	collector := &stubCollector{result: []crm.DecoratedReservation{reservation("b-1")}}
	runner := newRunner(t, collector, &stubEmitter{err: errors.New("render failed")}, out)
	runner.RunOnce(context.Background())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous feed", string(data))

	// No temp litter either.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunUserTimeoutDiscardsPartialOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "alice.ics")
	collector := &stubCollector{
		result: []crm.DecoratedReservation{reservation("b-1")},
		block:  200 * time.Millisecond,
	}

	runner := NewRunner(RunnerConfig{
		Tasks:      []UserTask{{UserID: "user-1", OutputPath: out}},
		Collector:  collector,
		Builder:    stubBuilder{},
		Emitter:    &stubEmitter{},
		Logger:     zerolog.Nop(),
		Interval:   time.Hour,
		RunTimeout: 20 * time.Millisecond,
		Now:        func() time.Time { return runnerNow },
	})
	runner.RunOnce(context.Background())

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

type recordingBuilder struct {
	mu       sync.Mutex
	external []calendar.ExternalEvent
}

func (b *recordingBuilder) Build(reservations []crm.DecoratedReservation, external []calendar.ExternalEvent) []calendar.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.external = external
	return nil
}

func externalEvent(uid string, loc *geo.Location) calendar.ExternalEvent {
	return calendar.ExternalEvent{
		UID:      uid,
		Title:    "Club picnic",
		StartUTC: runnerNow.Add(24 * time.Hour),
		EndUTC:   runnerNow.Add(26 * time.Hour),
		Location: loc,
	}
}

func TestRunOnceDecoratesLocatedExternalEvents(t *testing.T) {
	out := filepath.Join(t.TempDir(), "alice.ics")
	loc, err := geo.NewLocation(59.91, 10.75)
	require.NoError(t, err)

	builder := &recordingBuilder{}
	svc := &stubWeather{stale: true}
	runner := NewRunner(RunnerConfig{
		Tasks: []UserTask{{
			UserID:     "user-1",
			External:   []calendar.ExternalEvent{externalEvent("picnic-1", &loc), externalEvent("call-1", nil)},
			OutputPath: out,
		}},
		Collector: &stubCollector{},
		Builder:   builder,
		Emitter:   &stubEmitter{},
		Weather:   svc,
		Logger:    zerolog.Nop(),
		Interval:  time.Hour,
		Now:       func() time.Time { return runnerNow },
	})
	runner.RunOnce(context.Background())

	require.Len(t, builder.external, 2)
	located := builder.external[0]
	require.NotNil(t, located.Forecast)
	assert.Equal(t, "nordic", located.Forecast.ProviderID)
	assert.Equal(t, "Forecast may be outdated.", located.WeatherNote)

	// No location means no lookup and no decoration.
	assert.Nil(t, builder.external[1].Forecast)
	assert.Equal(t, 1, svc.calls)
}

func TestRunOnceExternalWeatherFailureDegradesToNote(t *testing.T) {
	out := filepath.Join(t.TempDir(), "alice.ics")
	loc, err := geo.NewLocation(59.91, 10.75)
	require.NoError(t, err)

	builder := &recordingBuilder{}
	runner := NewRunner(RunnerConfig{
		Tasks: []UserTask{{
			UserID:     "user-1",
			External:   []calendar.ExternalEvent{externalEvent("picnic-1", &loc)},
			OutputPath: out,
		}},
		Collector: &stubCollector{},
		Builder:   builder,
		Emitter:   &stubEmitter{},
		Weather:   &stubWeather{err: errors.New("status 503")},
		Logger:    zerolog.Nop(),
		Interval:  time.Hour,
		Now:       func() time.Time { return runnerNow },
	})
	runner.RunOnce(context.Background())

	require.Len(t, builder.external, 1)
	assert.Nil(t, builder.external[0].Forecast)
	assert.Equal(t, "Weather forecast unavailable.", builder.external[0].WeatherNote)
}

func TestStartStopsOnCancel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "alice.ics")
	collector := &stubCollector{}
	runner := newRunner(t, collector, &stubEmitter{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	// The immediate run happens before the first tick.
	require.Eventually(t, func() bool { return collector.callCount() >= 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
