package meteocat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

type fakeLimiter struct {
	mu       sync.Mutex
	acquired int
}

func (l *fakeLimiter) Acquire(ctx context.Context, provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return ctx.Err()
}

func (l *fakeLimiter) ObserveRetryAfter(provider string, d time.Duration) {}

type upstream struct {
	mu             sync.Mutex
	directoryCalls int
	forecastCalls  int
	forecastCode   string
	forecast       map[string]any
}

func (u *upstream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		u.mu.Lock()
		defer u.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/referencia/v1/municipis"):
			u.directoryCalls++
			payload := []map[string]any{
				{
					"codi": "080193", "nom": "Barcelona",
					"coordenades": map[string]any{"latitud": 41.3851, "longitud": 2.1734},
				},
				{
					"codi": "170792", "nom": "Girona",
					"coordenades": map[string]any{"latitud": 41.9794, "longitud": 2.8214},
				},
			}
			require.NoError(t, json.NewEncoder(w).Encode(payload))
		case strings.Contains(r.URL.Path, "/prediccio/municipal/horaria/"):
			u.forecastCalls++
			u.forecastCode = r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
			require.NoError(t, json.NewEncoder(w).Encode(u.forecast))
		default:
			http.NotFound(w, r)
		}
	}
}

func testStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func barcelonaLocation(t *testing.T) geo.Location {
	t.Helper()
	loc, err := geo.NewLocation(41.39, 2.17)
	require.NoError(t, err)
	return loc
}

// madridOffset returns the local UTC offset for the given instant, so fixture
// hours land on known UTC instants regardless of daylight saving.
func madridOffset(t *testing.T, at time.Time) time.Duration {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	_, offset := at.In(loc).Zone()
	return time.Duration(offset) * time.Second
}

func hourEntry(hour int, temp float64, sky int) map[string]any {
	return map[string]any{
		"hora":             hour,
		"temp":             temp,
		"precipitacio":     0.0,
		"probPrecipitacio": 15.0,
		"estatCel":         sky,
		"vent":             map[string]any{"velocitat": 18.0, "direccio": 270.0},
	}
}

func TestFetchResolvesAndCachesMunicipality(t *testing.T) {
	up := &upstream{
		forecast: map[string]any{
			"codiMunicipi": "080193",
			"dies": []map[string]any{
				{
					"data": "2026-05-10",
					"hores": []map[string]any{
						hourEntry(10, 21, 1), hourEntry(11, 22, 1),
						hourEntry(12, 23, 4), hourEntry(13, 23, 4),
					},
				},
			},
		},
	}
	server := httptest.NewServer(up.handler(t))
	defer server.Close()

	now := time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC)
	limiter := &fakeLimiter{}
	locations := testStore(t)
	locations.SetNowFunc(func() time.Time { return now })
	client := New(ClientConfig{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		Limiter:   limiter,
		Locations: locations,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return now },
	})

	// Fixture hours are local; the window covers 10:00-14:00 Europe/Madrid.
	localStart := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC).
		Add(-madridOffset(t, time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)))
	window, err := weather.NewTimeRange(localStart, localStart.Add(4*time.Hour))
	require.NoError(t, err)

	forecast, err := client.Fetch(context.Background(), barcelonaLocation(t), window)
	require.NoError(t, err)

	require.Len(t, forecast.Samples, 4)
	assert.Equal(t, 1, up.directoryCalls)
	assert.Equal(t, 1, up.forecastCalls)
	assert.Equal(t, "080193", up.forecastCode) // nearest is Barcelona, not Girona
	assert.Equal(t, 2, limiter.acquired)       // directory plus forecast

	first := forecast.Samples[0]
	assert.Equal(t, localStart, first.TimeUTC)
	assert.Equal(t, weather.CodeClearDay, first.Code)
	assert.InDelta(t, 21, first.TempC, 0.001)
	assert.InDelta(t, 5, first.WindSpeedMPS, 0.001) // 18 km/h
	require.NotNil(t, first.PrecipProbPct)
	assert.InDelta(t, 15, *first.PrecipProbPct, 0.001)

	// Second fetch reuses the cached resolution: no directory call.
	_, err = client.Fetch(context.Background(), barcelonaLocation(t), window)
	require.NoError(t, err)
	assert.Equal(t, 1, up.directoryCalls)
	assert.Equal(t, 2, up.forecastCalls)
}

func TestFetchNearbyCoordinatesShareResolution(t *testing.T) {
	up := &upstream{
		forecast: map[string]any{"codiMunicipi": "080193", "dies": []map[string]any{}},
	}
	server := httptest.NewServer(up.handler(t))
	defer server.Close()

	store := testStore(t)
	client := New(ClientConfig{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		Limiter:   &fakeLimiter{},
		Locations: store,
		Logger:    zerolog.Nop(),
	})

	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	locA, err := geo.NewLocation(41.390004, 2.170003)
	require.NoError(t, err)
	locB, err := geo.NewLocation(41.390021, 2.169989) // same 4-decimal cell
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), locA, window)
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), locB, window)
	require.NoError(t, err)
	assert.Equal(t, 1, up.directoryCalls)
}

func TestFetchWithoutAPIKey(t *testing.T) {
	client := New(ClientConfig{
		Limiter:   &fakeLimiter{},
		Locations: testStore(t),
		Logger:    zerolog.Nop(),
	})

	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), barcelonaLocation(t), window)
	perr, ok := weather.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, weather.KindUnauthorized, perr.Kind)
}

func TestFetchOutOfCoverage(t *testing.T) {
	client := New(ClientConfig{
		APIKey:    "test-key",
		Limiter:   &fakeLimiter{},
		Locations: testStore(t),
		Logger:    zerolog.Nop(),
	})

	loc, err := geo.NewLocation(59.91, 10.75)
	require.NoError(t, err)
	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), loc, window)
	perr, ok := weather.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, weather.KindOutOfCoverage, perr.Kind)
}

func TestFetchUnauthorizedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := New(ClientConfig{
		APIKey:    "revoked-key",
		BaseURL:   server.URL,
		Limiter:   &fakeLimiter{},
		Locations: testStore(t),
		Logger:    zerolog.Nop(),
	})

	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), barcelonaLocation(t), window)
	perr, ok := weather.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, weather.KindUnauthorized, perr.Kind)
}

func TestMapSkyState(t *testing.T) {
	cases := []struct {
		state     int
		localHour int
		want      weather.Code
	}{
		{1, 12, weather.CodeClearDay},
		{1, 23, weather.CodeClearNight},
		{3, 12, weather.CodeFairDay},
		{4, 12, weather.CodePartlyCloudyDay},
		{6, 12, weather.CodeCloudy},
		{8, 12, weather.CodeFog},
		{20, 12, weather.CodeLightRain},
		{21, 12, weather.CodeRain},
		{23, 2, weather.CodeRainShowersNight},
		{24, 12, weather.CodeRainAndThunder},
		{25, 12, weather.CodeHeavyRainThunder},
		{28, 12, weather.CodeHeavySnow},
		{99, 12, weather.CodeCloudy}, // unknown degrades to cloudy
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapSkyState(tc.state, tc.localHour), "state %d", tc.state)
	}
}
