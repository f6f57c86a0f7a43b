package openmeteo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/pkg/geo"
)

type fakeLimiter struct {
	mu         sync.Mutex
	acquired   int
	retryAfter time.Duration
}

func (l *fakeLimiter) Acquire(ctx context.Context, provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return ctx.Err()
}

func (l *fakeLimiter) ObserveRetryAfter(provider string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryAfter = d
}

type hourlyFixture struct {
	times      []string
	temps      []float64
	precip     []float64
	probs      []*float64
	codes      []int
	windKMH    []float64
	windDirs   []*float64
	isDay      []int
	gotAPIKey  string
	requestURL string
}

func serveHourly(t *testing.T, fx *hourlyFixture) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.requestURL = r.URL.String()
		fx.gotAPIKey = r.URL.Query().Get("apikey")
		payload := map[string]any{
			"latitude":  51.5,
			"longitude": -0.1,
			"hourly": map[string]any{
				"time":                      fx.times,
				"temperature_2m":            fx.temps,
				"precipitation":             fx.precip,
				"precipitation_probability": fx.probs,
				"weathercode":               fx.codes,
				"windspeed_10m":             fx.windKMH,
				"winddirection_10m":         fx.windDirs,
				"is_day":                    fx.isDay,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
}

func ptr(v float64) *float64 { return &v }

func londonLocation(t *testing.T) geo.Location {
	t.Helper()
	loc, err := geo.NewLocation(51.5074, -0.1278)
	require.NoError(t, err)
	return loc
}

func TestFetchNearTermHourly(t *testing.T) {
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	fx := &hourlyFixture{
		times:    []string{"2026-05-10T10:00", "2026-05-10T11:00", "2026-05-10T12:00", "2026-05-10T13:00", "2026-05-10T14:00"},
		temps:    []float64{15, 16, 17, 18, 19},
		precip:   []float64{0, 0.2, 0, 0, 0},
		probs:    []*float64{ptr(5), ptr(30), ptr(10), ptr(0), ptr(0)},
		codes:    []int{1, 61, 2, 0, 0},
		windKMH:  []float64{18, 18, 36, 18, 18},
		windDirs: []*float64{ptr(90), ptr(95), ptr(100), ptr(105), ptr(110)},
		isDay:    []int{1, 1, 1, 1, 1},
	}
	server := serveHourly(t, fx)
	defer server.Close()

	limiter := &fakeLimiter{}
	client := New(ClientConfig{
		BaseURL: server.URL,
		Limiter: limiter,
		Now:     func() time.Time { return now },
	})

	window, err := weather.NewTimeRange(
		time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	forecast, err := client.Fetch(context.Background(), londonLocation(t), window)
	require.NoError(t, err)

	require.Len(t, forecast.Samples, 4)
	assert.Equal(t, 1, limiter.acquired)
	assert.Empty(t, fx.gotAPIKey)

	first := forecast.Samples[0]
	assert.Equal(t, window.StartUTC, first.TimeUTC)
	assert.Equal(t, weather.Block1h, first.BlockSize)
	assert.Equal(t, weather.CodeFairDay, first.Code)
	assert.InDelta(t, 15, first.TempC, 0.001)
	assert.InDelta(t, 5, first.WindSpeedMPS, 0.001) // 18 km/h
	require.NotNil(t, first.WindDirDeg)
	assert.InDelta(t, 90, *first.WindDirDeg, 0.001)

	rainy := forecast.Samples[1]
	assert.Equal(t, weather.CodeLightRain, rainy.Code)
	assert.InDelta(t, 0.2, rainy.PrecipMMPerH, 0.001)

	// No hour alignment upstream, so expiry is fetch time plus the short TTL.
	assert.Equal(t, now.Add(15*time.Minute), forecast.ExpiresAtUTC)
}

func TestFetchAggregatesMidTermBlocks(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	fx := &hourlyFixture{
		times: []string{
			"2026-05-13T00:00", "2026-05-13T01:00", "2026-05-13T02:00",
			"2026-05-13T03:00", "2026-05-13T04:00", "2026-05-13T05:00",
		},
		temps:    []float64{10, 11, 12, 13, 14, 15},
		precip:   []float64{0.3, 0.6, 0.9, 0, 0, 0},
		probs:    []*float64{ptr(20), ptr(60), ptr(40), nil, nil, nil},
		codes:    []int{3, 63, 3, 2, 2, 2},
		windKMH:  []float64{36, 36, 36, 18, 18, 18},
		windDirs: []*float64{ptr(200), ptr(210), ptr(220), ptr(230), ptr(240), ptr(250)},
		isDay:    []int{0, 0, 0, 0, 1, 1},
	}
	server := serveHourly(t, fx)
	defer server.Close()

	client := New(ClientConfig{
		BaseURL: server.URL,
		Limiter: &fakeLimiter{},
		Now:     func() time.Time { return now },
	})

	// 72 hours out the provider serves 3h blocks.
	window, err := weather.NewTimeRange(
		time.Date(2026, 5, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 13, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	forecast, err := client.Fetch(context.Background(), londonLocation(t), window)
	require.NoError(t, err)
	require.Len(t, forecast.Samples, 2)

	first := forecast.Samples[0]
	assert.Equal(t, weather.Block3h, first.BlockSize)
	assert.InDelta(t, 11, first.TempC, 0.001)         // mean of 10,11,12
	assert.InDelta(t, 0.6, first.PrecipMMPerH, 0.001) // mean rate
	assert.InDelta(t, 10, first.WindSpeedMPS, 0.001)  // mean of 36 km/h
	require.NotNil(t, first.PrecipProbPct)
	assert.InDelta(t, 60, *first.PrecipProbPct, 0.001) // max over block
	assert.Equal(t, weather.CodeRain, first.Code)      // worst hour wins

	second := forecast.Samples[1]
	assert.Equal(t, time.Date(2026, 5, 13, 3, 0, 0, 0, time.UTC), second.TimeUTC)
	assert.InDelta(t, 14, second.TempC, 0.001)
	assert.Equal(t, weather.CodePartlyCloudyNight, second.Code) // block-start hour is night
}

func TestFetchSendsAPIKey(t *testing.T) {
	fx := &hourlyFixture{
		times: []string{}, temps: []float64{}, precip: []float64{},
		probs: []*float64{}, codes: []int{}, windKMH: []float64{},
		windDirs: []*float64{}, isDay: []int{},
	}
	server := serveHourly(t, fx)
	defer server.Close()

	client := New(ClientConfig{
		BaseURL: server.URL,
		APIKey:  "om-secret",
		Limiter: &fakeLimiter{},
	})

	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), londonLocation(t), window)
	require.NoError(t, err)
	assert.Equal(t, "om-secret", fx.gotAPIKey)
}

func TestFetchRateLimitedArmsLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	limiter := &fakeLimiter{}
	client := New(ClientConfig{BaseURL: server.URL, Limiter: limiter})

	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(4*time.Hour))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), londonLocation(t), window)
	perr, ok := weather.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, weather.KindRateLimited, perr.Kind)
	assert.Nil(t, perr.RetryAfter)
	// Without a Retry-After hint the limiter is armed with the default hold.
	assert.Equal(t, 60*time.Second, limiter.retryAfter)
}

func TestFetchMismatchedArraysIsBadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hourly":{"time":["2026-05-10T10:00"],"temperature_2m":[],"precipitation":[0],"weathercode":[0],"windspeed_10m":[0],"is_day":[1]}}`))
	}))
	defer server.Close()

	client := New(ClientConfig{BaseURL: server.URL, Limiter: &fakeLimiter{}})

	window, err := weather.NewTimeRange(time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), londonLocation(t), window)
	perr, ok := weather.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, weather.KindBadResponse, perr.Kind)
}

func TestMapWMOCode(t *testing.T) {
	cases := []struct {
		code  int
		isDay bool
		want  weather.Code
	}{
		{0, true, weather.CodeClearDay},
		{0, false, weather.CodeClearNight},
		{2, true, weather.CodePartlyCloudyDay},
		{3, true, weather.CodeCloudy},
		{45, true, weather.CodeFog},
		{55, true, weather.CodeLightRain},
		{63, true, weather.CodeRain},
		{65, true, weather.CodeHeavyRain},
		{66, true, weather.CodeLightSleet},
		{71, true, weather.CodeLightSnow},
		{75, true, weather.CodeHeavySnow},
		{80, false, weather.CodeRainShowersNight},
		{82, true, weather.CodeHeavyRain},
		{95, true, weather.CodeRainAndThunder},
		{99, true, weather.CodeHeavyRainThunder},
		{42, true, weather.CodeCloudy}, // unassigned code degrades to cloudy
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapWMOCode(tc.code, tc.isDay), "code %d", tc.code)
	}
}

func TestManifestCoversEverywhere(t *testing.T) {
	m := New(ClientConfig{Limiter: &fakeLimiter{}}).Manifest()

	for _, coords := range [][2]float64{{59.91, 10.75}, {-33.86, 151.2}, {40.71, -74.0}} {
		loc, err := geo.NewLocation(coords[0], coords[1])
		require.NoError(t, err)
		assert.True(t, m.Covers(loc))
	}
	assert.False(t, m.RequiresAPIKey)
}
