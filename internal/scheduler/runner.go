// Package scheduler drives the periodic sync: on every tick it runs the
// fetch-decorate-emit pipeline for each configured user under a wall-clock
// budget. A run that times out or fails leaves the previous calendar file
// untouched.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/calendar"
	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/forecast"
	"github.com/teesync/teesync/pkg/geo"
)

// defaultRunTimeout bounds one user's pipeline run.
const defaultRunTimeout = 10 * time.Minute

// UserTask is one user's standing sync job.
type UserTask struct {
	UserID      string
	Memberships []crm.Membership
	External    []calendar.ExternalEvent

	// OutputPath is the calendar file destination.
	OutputPath string
}

// Collector is the slice of the reservation service the runner uses.
type Collector interface {
	Collect(ctx context.Context, memberships []crm.Membership, from time.Time) ([]crm.DecoratedReservation, []crm.MembershipFailure)
}

// Builder turns decorated reservations into events.
type Builder interface {
	Build(reservations []crm.DecoratedReservation, external []calendar.ExternalEvent) []calendar.Event
}

// Emitter renders the calendar feed.
type Emitter interface {
	EmitFeed(w io.Writer, events []calendar.Event, notes []string) error
}

// WeatherService decorates external commitments that carry a location.
type WeatherService interface {
	Get(ctx context.Context, loc geo.Location, window weather.TimeRange) (forecast.Result, error)
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	Tasks     []UserTask
	Collector Collector
	Builder   Builder
	Emitter   Emitter
	Logger    zerolog.Logger

	// Weather decorates located external events (optional).
	Weather WeatherService

	// Interval between sync runs.
	Interval time.Duration

	// RunTimeout bounds one user's run (optional, default 10 minutes).
	RunTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Runner executes the sync loop.
type Runner struct {
	tasks      []UserTask
	collector  Collector
	builder    Builder
	emitter    Emitter
	weather    WeatherService
	logger     zerolog.Logger
	interval   time.Duration
	runTimeout time.Duration
	now        func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	runTimeout := cfg.RunTimeout
	if runTimeout == 0 {
		runTimeout = defaultRunTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		tasks:      cfg.Tasks,
		collector:  cfg.Collector,
		builder:    cfg.Builder,
		emitter:    cfg.Emitter,
		weather:    cfg.Weather,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		runTimeout: runTimeout,
		now:        now,
	}
}

// Start runs one sync immediately and then on every interval until the
// context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce syncs every user. User failures are independent; one user's broken
// run never blocks the others.
func (r *Runner) RunOnce(ctx context.Context) {
	started := r.now()
	for _, task := range r.tasks {
		if ctx.Err() != nil {
			return
		}
		if err := r.runUser(ctx, task); err != nil {
			r.logger.Error().Err(err).Str("user", task.UserID).Msg("sync run failed")
			continue
		}
		r.logger.Info().Str("user", task.UserID).Msg("calendar updated")
	}
	r.logger.Debug().Dur("elapsed", r.now().Sub(started)).Int("users", len(r.tasks)).Msg("sync run complete")
}

func (r *Runner) runUser(ctx context.Context, task UserTask) error {
	runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	// Today's earlier tee times still belong on the calendar.
	from := startOfDay(r.now().UTC())

	decorated, failures := r.collector.Collect(runCtx, task.Memberships, from)
	if runCtx.Err() != nil {
		// Timed out or cancelled mid-collect: a partial calendar would drop
		// events the previous file still has.
		return fmt.Errorf("collect for user %s: %w", task.UserID, runCtx.Err())
	}

	events := r.builder.Build(decorated, r.decorateExternal(runCtx, task.External))

	notes := make([]string, 0, len(failures))
	for _, f := range failures {
		notes = append(notes, fmt.Sprintf("Could not fetch reservations from %s.", f.ClubName))
	}

	return r.writeCalendar(task.OutputPath, events, notes)
}

// decorateExternal attaches forecasts to upcoming external events that carry
// a location. Weather failures degrade to a note, same as for reservations.
func (r *Runner) decorateExternal(ctx context.Context, external []calendar.ExternalEvent) []calendar.ExternalEvent {
	if r.weather == nil || len(external) == 0 {
		return external
	}
	now := r.now().UTC()

	out := make([]calendar.ExternalEvent, len(external))
	copy(out, external)
	for i := range out {
		x := &out[i]
		if x.Location == nil || !x.StartUTC.After(now) {
			continue
		}
		window, err := weather.NewTimeRange(x.StartUTC, x.EndUTC)
		if err != nil {
			continue
		}
		result, err := r.weather.Get(ctx, *x.Location, window)
		if err != nil {
			x.WeatherNote = "Weather forecast unavailable."
			continue
		}
		x.Forecast = result.Forecast.Restrict(window)
		if result.ServedStale {
			x.WeatherNote = "Forecast may be outdated."
		}
	}
	return out
}

// writeCalendar emits to a temp file and renames, so readers never observe a
// half-written feed.
func (r *Runner) writeCalendar(path string, events []calendar.Event, notes []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp calendar: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.emitter.EmitFeed(tmp, events, notes); err != nil {
		tmp.Close()
		return fmt.Errorf("emit calendar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp calendar: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace calendar %s: %w", path, err)
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
