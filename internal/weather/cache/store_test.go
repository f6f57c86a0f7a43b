package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/cache"
	"github.com/teesync/teesync/pkg/geo"
)

func openStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testForecast(t *testing.T, provider string, start time.Time, expiresAt time.Time) (*weather.Forecast, cache.ResponseKey) {
	t.Helper()
	loc, err := geo.NewLocation(59.8940, 10.8282)
	require.NoError(t, err)

	window, err := weather.NewTimeRange(start, start.Add(4*time.Hour))
	require.NoError(t, err)

	dir := 180.0
	f := &weather.Forecast{
		Location:   loc,
		ProviderID: provider,
		Samples: []weather.Sample{
			{TimeUTC: start, BlockSize: weather.Block1h, TempC: 12.5, PrecipMMPerH: 0.2, WindSpeedMPS: 3.4, WindDirDeg: &dir, Code: weather.CodeLightRain},
			{TimeUTC: start.Add(time.Hour), BlockSize: weather.Block1h, TempC: 12.1, WindSpeedMPS: 3.0, Code: weather.CodeCloudy},
		},
		FetchedAtUTC: time.Now().UTC(),
		ExpiresAtUTC: expiresAt,
	}
	require.NoError(t, f.Validate())

	return f, cache.NewResponseKey(provider, loc, weather.Block1h, window)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	f, key := testForecast(t, "nordic", start, time.Now().UTC().Add(time.Hour))
	require.NoError(t, store.PutForecast(ctx, key, f))

	got, err := store.GetForecast(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, f.ProviderID, got.ProviderID)
	require.Len(t, got.Samples, 2)
	assert.Equal(t, f.Samples[0].TempC, got.Samples[0].TempC)
	require.NotNil(t, got.Samples[0].WindDirDeg)
	assert.Equal(t, 180.0, *got.Samples[0].WindDirDeg)
	assert.Nil(t, got.Samples[1].WindDirDeg)
	assert.True(t, got.Samples[0].TimeUTC.Equal(start))
}

func TestStore_MissWhenAbsent(t *testing.T) {
	store := openStore(t)
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	_, key := testForecast(t, "nordic", start, time.Now().Add(time.Hour))

	_, err := store.GetForecast(context.Background(), key)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestStore_ExpiredIsMissButStaleReadable(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	f, key := testForecast(t, "nordic", start, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, store.PutForecast(ctx, key, f))

	_, err := store.GetForecast(ctx, key)
	assert.ErrorIs(t, err, cache.ErrMiss)

	stale, err := store.GetStaleForecast(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "nordic", stale.ProviderID)
}

func TestStore_LastWriteWins(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	f1, key := testForecast(t, "nordic", start, time.Now().Add(time.Hour))
	require.NoError(t, store.PutForecast(ctx, key, f1))

	f2, _ := testForecast(t, "nordic", start, time.Now().Add(time.Hour))
	f2.Samples[0].TempC = -3.0
	require.NoError(t, store.PutForecast(ctx, key, f2))

	got, err := store.GetForecast(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, -3.0, got.Samples[0].TempC)
}

func TestStore_ClearByProvider(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	fn, keyN := testForecast(t, "nordic", start, time.Now().Add(time.Hour))
	fg, keyG := testForecast(t, "global", start, time.Now().Add(time.Hour))
	require.NoError(t, store.PutForecast(ctx, keyN, fn))
	require.NoError(t, store.PutForecast(ctx, keyG, fg))

	require.NoError(t, store.Clear(ctx, "nordic", nil))

	_, err := store.GetForecast(ctx, keyN)
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = store.GetForecast(ctx, keyG)
	assert.NoError(t, err)
}

func TestStore_LocationRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	query, err := geo.NewLocation(41.87891, 2.76493)
	require.NoError(t, err)

	entry := cache.LocationEntry{
		ProviderLocationID:   "city-1234",
		ProviderLocationName: "Girona",
		ResolvedLat:          41.8790,
		ResolvedLon:          2.7645,
		DistanceKM:           0.05,
	}
	require.NoError(t, store.RememberLocation(ctx, "global", query, entry))

	// A query ~10m away quantizes to the same key.
	near, err := geo.NewLocation(41.87893, 2.76491)
	require.NoError(t, err)

	got, err := store.LookupLocation(ctx, "global", near, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, "city-1234", got.ProviderLocationID)
	assert.Equal(t, "Girona", got.ProviderLocationName)
}

func TestStore_LocationMissOnAgeAndDistance(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	query, err := geo.NewLocation(41.8789, 2.7649)
	require.NoError(t, err)

	entry := cache.LocationEntry{
		ProviderLocationID: "city-1234",
		ResolvedLat:        42.5,
		ResolvedLon:        3.2,
		ResolvedAtUTC:      time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, store.RememberLocation(ctx, "global", query, entry))

	// Too old.
	_, err = store.LookupLocation(ctx, "global", query, time.Hour, 1000)
	assert.ErrorIs(t, err, cache.ErrMiss)

	// Fresh enough but too far (~77km away).
	_, err = store.LookupLocation(ctx, "global", query, 72*time.Hour, 10)
	assert.ErrorIs(t, err, cache.ErrMiss)

	// Both tolerances satisfied.
	_, err = store.LookupLocation(ctx, "global", query, 72*time.Hour, 1000)
	assert.NoError(t, err)
}

func TestStore_Stats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	fresh, keyFresh := testForecast(t, "nordic", start, time.Now().Add(time.Hour))
	stale, keyStale := testForecast(t, "global", start, time.Now().Add(-time.Hour))
	require.NoError(t, store.PutForecast(ctx, keyFresh, fresh))
	require.NoError(t, store.PutForecast(ctx, keyStale, stale))

	stats, err := store.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ResponseEntries)
	assert.Equal(t, 1, stats.ResponseFresh)
	assert.Equal(t, 0, stats.LocationEntries)
}
