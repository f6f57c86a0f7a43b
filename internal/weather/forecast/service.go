// Package forecast orchestrates forecast retrieval: provider selection, the
// response cache, single-flight request collapsing, and failover from the
// primary provider to the fallback and finally to stale cached data.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/cache"
	"github.com/teesync/teesync/pkg/geo"
)

// defaultFetchTimeout bounds one provider fetch, including any time spent
// waiting on the provider's rate limiter.
const defaultFetchTimeout = 30 * time.Second

// Reporter receives failures for aggregation. Implementations must not block.
type Reporter interface {
	Report(scope string, err error)
}

// Store is the slice of the cache the service uses.
type Store interface {
	GetForecast(ctx context.Context, key cache.ResponseKey) (*weather.Forecast, error)
	GetStaleForecast(ctx context.Context, key cache.ResponseKey) (*weather.Forecast, error)
	PutForecast(ctx context.Context, key cache.ResponseKey, f *weather.Forecast) error
}

// Result is the outcome of a forecast request. ServedStale marks data past
// its expiry, returned because every live provider failed.
type Result struct {
	Forecast    *weather.Forecast
	ProviderID  string
	ServedStale bool
}

// ServiceConfig holds configuration for the forecast service.
type ServiceConfig struct {
	Registry *weather.Registry
	Selector *weather.Selector
	Store    Store
	Logger   zerolog.Logger

	// Reporter receives provider failures (optional).
	Reporter Reporter

	// FetchTimeout bounds a single provider fetch (optional, default 30s).
	FetchTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service resolves forecasts for locations and time windows.
type Service struct {
	registry     *weather.Registry
	selector     *weather.Selector
	store        Store
	logger       zerolog.Logger
	reporter     Reporter
	fetchTimeout time.Duration
	now          func() time.Time

	// flight collapses concurrent fetches for the same cache key into one
	// upstream call whose result is shared by all waiters.
	flight singleflight.Group
}

// NewService creates a forecast service.
func NewService(cfg ServiceConfig) *Service {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = defaultFetchTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry:     cfg.Registry,
		selector:     cfg.Selector,
		store:        cfg.Store,
		logger:       cfg.Logger,
		reporter:     cfg.Reporter,
		fetchTimeout: fetchTimeout,
		now:          now,
	}
}

// Get returns the best available forecast for the location and window. Order
// of preference: fresh cache, primary provider, fallback provider, stale
// cache. ErrUnavailable is returned only when all four come up empty; the
// caller may still proceed without weather.
func (s *Service) Get(ctx context.Context, loc geo.Location, window weather.TimeRange) (Result, error) {
	sel, err := s.selector.Select(loc)
	if err != nil {
		return Result{}, err
	}

	providers := []string{sel.Primary}
	if sel.HasFallback() {
		providers = append(providers, sel.Fallback)
	}
	return s.get(ctx, providers, loc, window)
}

// GetFromProvider bypasses regional selection and resolves the forecast from
// the named provider only, with the same cache and stale fallback behavior.
func (s *Service) GetFromProvider(ctx context.Context, loc geo.Location, window weather.TimeRange, providerID string) (Result, error) {
	if _, err := s.registry.Get(providerID); err != nil {
		return Result{}, err
	}
	return s.get(ctx, []string{providerID}, loc, window)
}

func (s *Service) get(ctx context.Context, providers []string, loc geo.Location, window weather.TimeRange) (Result, error) {
	var errs []error
	for _, id := range providers {
		f, err := s.getFromProvider(ctx, id, loc, window)
		if err == nil {
			return Result{Forecast: f, ProviderID: id}, nil
		}
		errs = append(errs, err)
		s.report("weather."+id, err)
		s.logger.Warn().Err(err).
			Str("provider", id).
			Float64("lat", loc.Lat).Float64("lon", loc.Lon).
			Msg("provider fetch failed")
	}

	// Every live provider failed: serve expired cache data if any exists.
	for _, id := range providers {
		key, err := s.keyFor(id, loc, window)
		if err != nil {
			continue
		}
		f, err := s.store.GetStaleForecast(ctx, key)
		if err != nil {
			continue
		}
		s.logger.Info().
			Str("provider", id).
			Time("expired_at", f.ExpiresAtUTC).
			Msg("serving stale forecast")
		return Result{Forecast: f, ProviderID: id, ServedStale: true}, nil
	}

	return Result{}, fmt.Errorf("%w: %w", weather.ErrUnavailable, errors.Join(errs...))
}

// getFromProvider checks the cache and, on miss, fetches under single-flight.
func (s *Service) getFromProvider(ctx context.Context, providerID string, loc geo.Location, window weather.TimeRange) (*weather.Forecast, error) {
	key, err := s.keyFor(providerID, loc, window)
	if err != nil {
		return nil, err
	}

	if f, err := s.store.GetForecast(ctx, key); err == nil {
		return f, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("cache read failed")
	}

	v, err, shared := s.flight.Do(key.String(), func() (any, error) {
		return s.fetchAndStore(ctx, providerID, key, loc, window)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug().Str("key", key.String()).Msg("forecast fetch shared")
	}
	return v.(*weather.Forecast), nil
}

func (s *Service) fetchAndStore(ctx context.Context, providerID string, key cache.ResponseKey, loc geo.Location, window weather.TimeRange) (*weather.Forecast, error) {
	p, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	f, err := p.Fetch(fetchCtx, loc, window)
	if err != nil {
		return nil, err
	}

	if err := s.store.PutForecast(ctx, key, f); err != nil {
		// The forecast is still usable; only persistence failed.
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write failed")
	}
	return f, nil
}

func (s *Service) keyFor(providerID string, loc geo.Location, window weather.TimeRange) (cache.ResponseKey, error) {
	p, err := s.registry.Get(providerID)
	if err != nil {
		return cache.ResponseKey{}, err
	}
	manifest := p.Manifest()
	hoursAhead := horizonHours(s.now().UTC(), window.StartUTC)
	block := manifest.BlockSizeFor(hoursAhead)
	return cache.NewResponseKey(providerID, loc, block, window), nil
}

func (s *Service) report(scope string, err error) {
	if s.reporter != nil {
		s.reporter.Report(scope, err)
	}
}

func horizonHours(now, start time.Time) int {
	h := int(start.Sub(now).Hours())
	if h < 0 {
		return 0
	}
	return h
}
