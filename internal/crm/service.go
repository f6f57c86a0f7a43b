package crm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/forecast"
	"github.com/teesync/teesync/pkg/geo"
)

// defaultMembershipFanOut caps parallel backend fetches per run.
const defaultMembershipFanOut = 4

// defaultWeatherFanOut caps parallel forecast lookups per run.
const defaultWeatherFanOut = 4

// WeatherService is the slice of the forecast service reservations use.
type WeatherService interface {
	Get(ctx context.Context, loc geo.Location, window weather.TimeRange) (forecast.Result, error)
}

// Reporter receives failures for aggregation. Implementations must not block.
type Reporter interface {
	Report(scope string, err error)
}

// DecoratedReservation is a reservation with its weather attached. Forecast
// is nil when weather could not be obtained; WeatherNote then explains why in
// calendar-safe wording.
type DecoratedReservation struct {
	Reservation

	ClubLocation geo.Location
	Forecast     *weather.Forecast
	WeatherStale bool
	WeatherNote  string
}

// MembershipFailure records one membership whose backend could not be read.
// Other memberships' reservations are unaffected.
type MembershipFailure struct {
	ClubID   string
	ClubName string
	Err      error
}

// ServiceConfig holds configuration for the reservation service.
type ServiceConfig struct {
	Adapters *Registry
	Weather  WeatherService
	Logger   zerolog.Logger

	// Reporter receives backend and weather failures (optional).
	Reporter Reporter

	// MembershipFanOut caps parallel backend fetches (optional, default 4).
	MembershipFanOut int

	// WeatherFanOut caps parallel forecast lookups (optional, default 4).
	WeatherFanOut int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service collects a user's reservations across all memberships and decorates
// the upcoming ones with weather.
type Service struct {
	adapters         *Registry
	weather          WeatherService
	logger           zerolog.Logger
	reporter         Reporter
	membershipFanOut int
	weatherFanOut    int
	now              func() time.Time
}

// NewService creates a reservation service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	membershipFanOut := cfg.MembershipFanOut
	if membershipFanOut <= 0 {
		membershipFanOut = defaultMembershipFanOut
	}
	weatherFanOut := cfg.WeatherFanOut
	if weatherFanOut <= 0 {
		weatherFanOut = defaultWeatherFanOut
	}
	return &Service{
		adapters:         cfg.Adapters,
		weather:          cfg.Weather,
		logger:           cfg.Logger,
		reporter:         cfg.Reporter,
		membershipFanOut: membershipFanOut,
		weatherFanOut:    weatherFanOut,
		now:              now,
	}
}

// Collect fetches reservations for every membership in parallel and attaches
// weather to the future ones. A failing membership is reported and skipped;
// the remaining memberships still produce results. Output is ordered by start
// time, then reservation id.
func (s *Service) Collect(ctx context.Context, memberships []Membership, from time.Time) ([]DecoratedReservation, []MembershipFailure) {
	type fetchOutcome struct {
		membership Membership
		result     []Reservation
		err        error
	}

	outcomes := make([]fetchOutcome, len(memberships))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(memberships), s.membershipFanOut))
	for i, m := range memberships {
		g.Go(func() error {
			adapter, err := s.adapters.ForClub(m.Club)
			if err != nil {
				outcomes[i] = fetchOutcome{membership: m, err: err}
				return nil
			}
			reservations, err := adapter.FetchReservations(gctx, m, from)
			outcomes[i] = fetchOutcome{membership: m, result: reservations, err: err}
			return nil
		})
	}
	// Workers never return errors; failures are isolated per membership.
	_ = g.Wait()

	var decorated []DecoratedReservation
	var failures []MembershipFailure
	for _, o := range outcomes {
		if o.err != nil {
			s.report("crm."+o.membership.Club.Backend, o.err)
			s.logger.Warn().Err(o.err).
				Str("club", o.membership.Club.ID).
				Str("backend", o.membership.Club.Backend).
				Msg("membership fetch failed")
			failures = append(failures, MembershipFailure{
				ClubID:   o.membership.Club.ID,
				ClubName: o.membership.Club.Name,
				Err:      o.err,
			})
			continue
		}
		for _, r := range o.result {
			decorated = append(decorated, DecoratedReservation{
				Reservation:  r,
				ClubLocation: o.membership.Club.Location,
			})
		}
	}

	s.attachWeather(ctx, decorated)

	sort.Slice(decorated, func(i, j int) bool {
		if !decorated[i].StartUTC.Equal(decorated[j].StartUTC) {
			return decorated[i].StartUTC.Before(decorated[j].StartUTC)
		}
		return decorated[i].ID < decorated[j].ID
	})
	return decorated, failures
}

// attachWeather decorates future reservations in parallel. Weather failures
// degrade to a note on the reservation; they never drop it.
func (s *Service) attachWeather(ctx context.Context, reservations []DecoratedReservation) {
	if s.weather == nil {
		return
	}
	now := s.now().UTC()

	g := new(errgroup.Group)
	g.SetLimit(s.weatherFanOut)
	var mu sync.Mutex

	for i := range reservations {
		r := &reservations[i]
		if !r.StartUTC.After(now) || r.Status == StatusCancelled {
			continue
		}
		window, err := weather.NewTimeRange(r.StartUTC, r.EndUTC)
		if err != nil {
			continue
		}
		g.Go(func() error {
			result, err := s.weather.Get(ctx, r.ClubLocation, window)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.report("weather", err)
				r.WeatherNote = "Weather forecast unavailable."
				return nil
			}
			r.Forecast = result.Forecast.Restrict(window)
			r.WeatherStale = result.ServedStale
			if result.ServedStale {
				r.WeatherNote = "Forecast may be outdated."
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) report(scope string, err error) {
	if s.reporter != nil {
		s.reporter.Report(scope, err)
	}
}
