package forecast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/cache"
	"github.com/teesync/teesync/pkg/geo"
)

type stubProvider struct {
	manifest weather.Manifest

	mu    sync.Mutex
	calls int
	delay time.Duration
	fail  error
	make  func(loc geo.Location, tr weather.TimeRange) *weather.Forecast
}

func (p *stubProvider) Manifest() weather.Manifest { return p.manifest }

func (p *stubProvider) Fetch(ctx context.Context, loc geo.Location, tr weather.TimeRange) (*weather.Forecast, error) {
	p.mu.Lock()
	p.calls++
	delay, fail := p.delay, p.fail
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return p.make(loc, tr), nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func regionalManifest(id string, box geo.BoundingBox) weather.Manifest {
	return weather.Manifest{
		ProviderID: id,
		Coverage:   []geo.BoundingBox{box},
		Blocks:     []weather.BlockStep{{MaxHoursAhead: 0, Block: weather.Block1h}},
		TTLs:       []weather.TTLStep{{MaxHoursAhead: 0, TTL: time.Hour}},
	}
}

func hourlyForecast(id string, now time.Time) func(geo.Location, weather.TimeRange) *weather.Forecast {
	return func(loc geo.Location, tr weather.TimeRange) *weather.Forecast {
		f := &weather.Forecast{
			Location:     loc,
			ProviderID:   id,
			FetchedAtUTC: now,
			ExpiresAtUTC: now.Add(time.Hour),
		}
		for t := tr.StartUTC; tr.Contains(t); t = t.Add(time.Hour) {
			f.Samples = append(f.Samples, weather.Sample{
				TimeUTC:      t,
				BlockSize:    weather.Block1h,
				TempC:        12,
				WindSpeedMPS: 3,
				Code:         weather.CodeCloudy,
			})
		}
		return f
	}
}

type fixture struct {
	service  *Service
	store    *cache.Store
	primary  *stubProvider
	fallback *stubProvider
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	nordic := geo.BoundingBox{MinLat: 54, MaxLat: 72, MinLon: 4, MaxLon: 32}
	world := geo.BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

	primary := &stubProvider{manifest: regionalManifest("nordic", nordic), make: hourlyForecast("nordic", now)}
	fallback := &stubProvider{manifest: regionalManifest("global", world), make: hourlyForecast("global", now)}

	registry := weather.NewRegistry()
	registry.Register(primary)
	registry.Register(fallback)

	store, err := cache.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	store.SetNowFunc(func() time.Time { return now })
	t.Cleanup(func() { store.Close() })

	service := NewService(ServiceConfig{
		Registry: registry,
		Selector: weather.NewSelector(registry),
		Store:    store,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return now },
	})
	return &fixture{service: service, store: store, primary: primary, fallback: fallback, now: now}
}

func nordicWindow(t *testing.T, fx *fixture) (geo.Location, weather.TimeRange) {
	t.Helper()
	loc, err := geo.NewLocation(59.91, 10.75)
	require.NoError(t, err)
	window, err := weather.NewTimeRange(fx.now.Add(time.Hour), fx.now.Add(5*time.Hour))
	require.NoError(t, err)
	return loc, window
}

func TestGetFetchesAndCaches(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	res, err := fx.service.Get(context.Background(), loc, window)
	require.NoError(t, err)
	assert.Equal(t, "nordic", res.ProviderID)
	assert.False(t, res.ServedStale)
	assert.Len(t, res.Forecast.Samples, 4)
	assert.Equal(t, 1, fx.primary.callCount())

	// Second request is served from cache.
	res, err = fx.service.Get(context.Background(), loc, window)
	require.NoError(t, err)
	assert.Equal(t, "nordic", res.Forecast.ProviderID)
	assert.Equal(t, 1, fx.primary.callCount())
	assert.Equal(t, 0, fx.fallback.callCount())
}

func TestGetFailsOverToFallback(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	retryAfter := 90 * time.Second
	fx.primary.fail = weather.NewRateLimitedError("nordic", &retryAfter, errors.New("status 429"))

	res, err := fx.service.Get(context.Background(), loc, window)
	require.NoError(t, err)
	assert.Equal(t, "global", res.ProviderID)
	assert.False(t, res.ServedStale)
	assert.Equal(t, 1, fx.primary.callCount())
	assert.Equal(t, 1, fx.fallback.callCount())
}

func TestGetServesStaleWhenAllFail(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	// Warm the cache, then expire everything and break both providers.
	_, err := fx.service.Get(context.Background(), loc, window)
	require.NoError(t, err)

	fx.store.SetNowFunc(func() time.Time { return fx.now.Add(6 * time.Hour) })
	fx.primary.fail = weather.NewProviderError("nordic", weather.KindTransient, errors.New("status 503"))
	fx.fallback.fail = weather.NewProviderError("global", weather.KindTimeout, context.DeadlineExceeded)

	res, err := fx.service.Get(context.Background(), loc, window)
	require.NoError(t, err)
	assert.True(t, res.ServedStale)
	assert.Equal(t, "nordic", res.ProviderID)
	assert.Len(t, res.Forecast.Samples, 4)
}

func TestGetUnavailableWhenNothingWorks(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	fx.primary.fail = weather.NewProviderError("nordic", weather.KindTransient, errors.New("status 503"))
	fx.fallback.fail = weather.NewProviderError("global", weather.KindTransient, errors.New("status 502"))

	_, err := fx.service.Get(context.Background(), loc, window)
	require.Error(t, err)
	assert.ErrorIs(t, err, weather.ErrUnavailable)
}

func TestGetNoCoveringProvider(t *testing.T) {
	fx := newFixture(t)

	registry := weather.NewRegistry()
	registry.Register(fx.primary) // nordic coverage only
	service := NewService(ServiceConfig{
		Registry: registry,
		Selector: weather.NewSelector(registry),
		Store:    fx.store,
		Logger:   zerolog.Nop(),
	})

	loc, err := geo.NewLocation(40.0, -3.7)
	require.NoError(t, err)
	window, err := weather.NewTimeRange(fx.now, fx.now.Add(time.Hour))
	require.NoError(t, err)

	_, err = service.Get(context.Background(), loc, window)
	assert.Error(t, err)
	assert.Equal(t, 0, fx.primary.callCount())
}

func TestGetCollapsesConcurrentFetches(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)
	fx.primary.delay = 50 * time.Millisecond

	const workers = 8
	var wg sync.WaitGroup
	results := make([]Result, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.service.Get(context.Background(), loc, window)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, results[i].Forecast.Samples, 4)
	}
	assert.Equal(t, 1, fx.primary.callCount())
}

func TestGetFromProviderBypassesSelection(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	// Selection would pick the regional provider for an Oslo location; the
	// override goes straight to the named one.
	res, err := fx.service.GetFromProvider(context.Background(), loc, window, "global")
	require.NoError(t, err)
	assert.Equal(t, "global", res.ProviderID)
	assert.Equal(t, 0, fx.primary.callCount())
	assert.Equal(t, 1, fx.fallback.callCount())
}

func TestGetFromProviderUnknownProvider(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	_, err := fx.service.GetFromProvider(context.Background(), loc, window, "nonexistent")
	assert.Error(t, err)
	assert.Equal(t, 0, fx.primary.callCount())
}

func TestGetFromProviderServesStale(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	_, err := fx.service.GetFromProvider(context.Background(), loc, window, "global")
	require.NoError(t, err)

	fx.store.SetNowFunc(func() time.Time { return fx.now.Add(6 * time.Hour) })
	fx.fallback.fail = weather.NewProviderError("global", weather.KindTransient, errors.New("status 503"))

	res, err := fx.service.GetFromProvider(context.Background(), loc, window, "global")
	require.NoError(t, err)
	assert.True(t, res.ServedStale)
	assert.Equal(t, "global", res.ProviderID)
}

func TestGetReportsProviderFailures(t *testing.T) {
	fx := newFixture(t)
	loc, window := nordicWindow(t, fx)

	var mu sync.Mutex
	var scopes []string
	reporter := reporterFunc(func(scope string, err error) {
		mu.Lock()
		defer mu.Unlock()
		scopes = append(scopes, scope)
	})

	registry := weather.NewRegistry()
	registry.Register(fx.primary)
	registry.Register(fx.fallback)
	service := NewService(ServiceConfig{
		Registry: registry,
		Selector: weather.NewSelector(registry),
		Store:    fx.store,
		Logger:   zerolog.Nop(),
		Reporter: reporter,
		Now:      func() time.Time { return fx.now },
	})

	fx.primary.fail = weather.NewProviderError("nordic", weather.KindTransient, errors.New("status 500"))

	_, err := service.Get(context.Background(), loc, window)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather.nordic"}, scopes)
}

type reporterFunc func(scope string, err error)

func (f reporterFunc) Report(scope string, err error) { f(scope, err) }
