// Package meteocat implements the Catalan weather provider adapter. Unlike
// the coordinate-based providers, the upstream is keyed by municipality code:
// a fetch first resolves the query coordinates to the nearest municipality
// via the reference directory, then requests that municipality's hourly
// forecast. Resolutions are remembered in the location cache so the directory
// is consulted at most once per quantized coordinate.
//
// Provider notes: an API key is mandatory. Forecast hours are local time
// (Europe/Madrid) and are converted to UTC. Wind speeds arrive in km/h.
// Thunder probability is never reported and is inferred from the manifest.
package meteocat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/provider/resilience"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/internal/weather/cache"
	"github.com/teesync/teesync/pkg/geo"
)

const (
	// ProviderID identifies this adapter in manifests, cache keys, and config.
	ProviderID = "catalan"

	// DefaultBaseURL is the upstream API root.
	DefaultBaseURL = "https://api.meteo.cat"

	// Resolutions older than this are re-resolved against the directory.
	locationMaxAge = 30 * 24 * time.Hour

	// Resolutions farther than this from the query point are not trusted.
	locationMaxDistanceKM = 30
)

// LocationCache is the slice of the cache store this adapter uses to remember
// coordinate-to-municipality resolutions.
type LocationCache interface {
	LookupLocation(ctx context.Context, providerID string, query geo.Location, maxAge time.Duration, maxDistanceKM float64) (*cache.LocationEntry, error)
	RememberLocation(ctx context.Context, providerID string, query geo.Location, e cache.LocationEntry) error
}

// ClientConfig holds configuration for the Catalan adapter.
type ClientConfig struct {
	// APIKey authenticates every request (required by the provider).
	APIKey string

	// BaseURL is the API root (optional).
	BaseURL string

	// HTTPClient is the resilient HTTP client to use (optional).
	HTTPClient *resilience.Client

	// Limiter gates outbound calls (required).
	Limiter weather.Limiter

	// Locations remembers municipality resolutions across runs (required).
	Locations LocationCache

	// Logger for client operations.
	Logger zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client is the Catalan forecast adapter.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *resilience.Client
	limiter    weather.Limiter
	locations  LocationCache
	logger     zerolog.Logger
	local      *time.Location
	now        func() time.Time
}

// New creates a Catalan adapter.
func New(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.ClientConfig{
			Name:       ProviderID,
			MaxRetries: 1,
		})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	local, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		// CET without DST is the closest fallback on zoneinfo-less systems.
		local = time.FixedZone("CET", 3600)
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		locations:  cfg.Locations,
		logger:     cfg.Logger,
		local:      local,
		now:        now,
	}
}

// Manifest returns the adapter's static description.
func (c *Client) Manifest() weather.Manifest {
	return weather.Manifest{
		ProviderID: ProviderID,
		Coverage: []geo.BoundingBox{
			// Catalonia.
			{MinLat: 40.5, MaxLat: 42.9, MinLon: 0.15, MaxLon: 3.35},
		},
		UpdateCadence:  3 * time.Hour,
		RequiresAPIKey: true,
		Rate:           weather.RatePolicy{PerWindow: &weather.WindowPolicy{N: 300, Window: time.Hour}},
		Blocks: []weather.BlockStep{
			// Municipal forecasts are hourly across their whole horizon.
			{MaxHoursAhead: 0, Block: weather.Block1h},
		},
		TTLs: []weather.TTLStep{
			{MaxHoursAhead: 48, TTL: 30 * time.Minute},
			{MaxHoursAhead: 0, TTL: 2 * time.Hour},
		},
		ThunderProb: map[weather.Code]float64{
			weather.CodeThunder:          55,
			weather.CodeRainAndThunder:   70,
			weather.CodeHeavyRainThunder: 85,
		},
	}
}

// Fetch retrieves a normalized forecast for the location and range.
func (c *Client) Fetch(ctx context.Context, loc geo.Location, tr weather.TimeRange) (*weather.Forecast, error) {
	manifest := c.Manifest()
	if !manifest.Covers(loc) {
		return nil, weather.NewProviderError(ProviderID, weather.KindOutOfCoverage,
			fmt.Errorf("(%.4f, %.4f) outside coverage", loc.Lat, loc.Lon))
	}
	if c.apiKey == "" {
		return nil, weather.NewProviderError(ProviderID, weather.KindUnauthorized,
			errors.New("no API key configured"))
	}

	municipality, err := c.resolveMunicipality(ctx, loc)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	hoursAhead := horizonHours(now, tr.StartUTC)

	payload, err := c.fetchMunicipal(ctx, municipality.ProviderLocationID)
	if err != nil {
		return nil, err
	}

	forecast, err := c.toForecast(loc, tr, now, payload)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindBadResponse, err)
	}
	forecast.ExpiresAtUTC = manifest.ExpiryFor(now, hoursAhead)
	return forecast, nil
}

// resolveMunicipality returns the cached resolution for the coordinates, or
// consults the municipality directory and remembers the nearest match.
func (c *Client) resolveMunicipality(ctx context.Context, loc geo.Location) (*cache.LocationEntry, error) {
	entry, err := c.locations.LookupLocation(ctx, ProviderID, loc, locationMaxAge, locationMaxDistanceKM)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, weather.NewProviderError(ProviderID, weather.KindTransient, err)
	}

	if err := c.limiter.Acquire(ctx, ProviderID); err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/referencia/v1/municipis", http.NoBody)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindPermanent, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp)
	}

	var municipalities []municipality
	if err := json.NewDecoder(resp.Body).Decode(&municipalities); err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindBadResponse, err)
	}

	nearest, distanceKM, err := nearestMunicipality(loc, municipalities)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindBadResponse, err)
	}

	entry = &cache.LocationEntry{
		ProviderLocationID:   nearest.Code,
		ProviderLocationName: nearest.Name,
		ResolvedLat:          nearest.Coordinates.Lat,
		ResolvedLon:          nearest.Coordinates.Lon,
		DistanceKM:           distanceKM,
		ResolvedAtUTC:        c.now().UTC(),
	}
	if err := c.locations.RememberLocation(ctx, ProviderID, loc, *entry); err != nil {
		// A failed remember costs a directory call next run, nothing more.
		c.logger.Warn().Err(err).Msg("failed to cache municipality resolution")
	}
	c.logger.Debug().
		Str("municipality", nearest.Name).
		Str("code", nearest.Code).
		Float64("distance_km", distanceKM).
		Msg("resolved coordinates to municipality")
	return entry, nil
}

func nearestMunicipality(loc geo.Location, all []municipality) (municipality, float64, error) {
	if len(all) == 0 {
		return municipality{}, 0, errors.New("empty municipality directory")
	}
	best := -1
	bestKM := 0.0
	for i, m := range all {
		candidate, err := geo.NewLocation(m.Coordinates.Lat, m.Coordinates.Lon)
		if err != nil {
			continue
		}
		km := geo.Haversine(loc, candidate)
		if best < 0 || km < bestKM {
			best, bestKM = i, km
		}
	}
	if best < 0 {
		return municipality{}, 0, errors.New("no municipality with valid coordinates")
	}
	if bestKM > locationMaxDistanceKM {
		return municipality{}, 0, fmt.Errorf("nearest municipality %s is %.0f km away", all[best].Name, bestKM)
	}
	return all[best], bestKM, nil
}

func (c *Client) fetchMunicipal(ctx context.Context, code string) (*municipalForecast, error) {
	if err := c.limiter.Acquire(ctx, ProviderID); err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}

	url := fmt.Sprintf("%s/xema/v1/prediccio/municipal/horaria/%s", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindPermanent, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp)
	}

	var payload municipalForecast
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindBadResponse, err)
	}
	return &payload, nil
}

func (c *Client) classify(resp *http.Response) *weather.ProviderError {
	perr := weather.ClassifyStatus(ProviderID, resp.StatusCode, resilience.RetryAfter(resp))
	if perr.Kind == weather.KindRateLimited {
		retryAfter := 60 * time.Second
		if perr.RetryAfter != nil {
			retryAfter = *perr.RetryAfter
		}
		c.limiter.ObserveRetryAfter(ProviderID, retryAfter)
	}
	return perr
}

func (c *Client) toForecast(loc geo.Location, tr weather.TimeRange, now time.Time, payload *municipalForecast) (*weather.Forecast, error) {
	manifest := c.Manifest()
	forecast := &weather.Forecast{
		Location:     loc,
		ProviderID:   ProviderID,
		FetchedAtUTC: now,
	}

	var next time.Time
outer:
	for _, day := range payload.Days {
		date, err := time.ParseInLocation("2006-01-02", day.Date, c.local)
		if err != nil {
			return nil, fmt.Errorf("day date %q: %w", day.Date, err)
		}
		for _, hour := range day.Hours {
			if hour.Hour < 0 || hour.Hour > 23 {
				return nil, fmt.Errorf("hour %d out of range on %s", hour.Hour, day.Date)
			}
			local := date.Add(time.Duration(hour.Hour) * time.Hour)
			t := local.UTC()
			if t.Before(tr.StartUTC) {
				continue
			}
			if !tr.Contains(t) {
				break outer
			}
			if !next.IsZero() && !t.Equal(next) {
				break outer // gap in the series: keep the contiguous prefix
			}

			sample := weather.Sample{
				TimeUTC:      t,
				BlockSize:    weather.Block1h,
				TempC:        hour.TempC,
				PrecipMMPerH: hour.PrecipitationMM,
				WindSpeedMPS: hour.Wind.SpeedKMH / 3.6,
				Code:         mapSkyState(hour.SkyState, local.Hour()),
			}
			if hour.PrecipitationProb != nil {
				sample.PrecipProbPct = hour.PrecipitationProb
			}
			if hour.Wind.DirectionDeg != nil {
				d := *hour.Wind.DirectionDeg
				if d >= 360 {
					d -= 360
				}
				sample.WindDirDeg = &d
			}
			sample.ThunderProbPct = manifest.ThunderProbFor(sample.Code)

			forecast.Samples = append(forecast.Samples, sample)
			next = t.Add(time.Hour)
		}
	}

	if err := forecast.Validate(); err != nil {
		return nil, err
	}
	return forecast, nil
}

// mapSkyState translates upstream sky-state codes into the canonical set.
// Day/night variants use the municipality's local hour.
func mapSkyState(state int, localHour int) weather.Code {
	day := func(d, n weather.Code) weather.Code {
		return weather.DayVariant(d, n, localHour)
	}

	switch state {
	case 1:
		return day(weather.CodeClearDay, weather.CodeClearNight)
	case 2, 3:
		return day(weather.CodeFairDay, weather.CodeFairNight)
	case 4:
		return day(weather.CodePartlyCloudyDay, weather.CodePartlyCloudyNight)
	case 5, 6:
		return weather.CodeCloudy
	case 7, 8, 9:
		return weather.CodeFog
	case 20:
		return weather.CodeLightRain
	case 21:
		return weather.CodeRain
	case 22:
		return weather.CodeHeavyRain
	case 23:
		return day(weather.CodeRainShowersDay, weather.CodeRainShowersNight)
	case 24:
		return weather.CodeRainAndThunder
	case 25:
		return weather.CodeHeavyRainThunder
	case 26:
		return weather.CodeLightSnow
	case 27:
		return weather.CodeSnow
	case 28:
		return weather.CodeHeavySnow
	case 29:
		return weather.CodeSleet
	default:
		return weather.CodeCloudy
	}
}

func horizonHours(now, start time.Time) int {
	h := int(start.Sub(now).Hours())
	if h < 0 {
		return 0
	}
	return h
}

// Upstream response structures.

type municipality struct {
	Code        string `json:"codi"`
	Name        string `json:"nom"`
	Coordinates struct {
		Lat float64 `json:"latitud"`
		Lon float64 `json:"longitud"`
	} `json:"coordenades"`
}

type municipalForecast struct {
	MunicipalityCode string `json:"codiMunicipi"`
	Days             []struct {
		Date  string `json:"data"`
		Hours []struct {
			Hour              int      `json:"hora"`
			TempC             float64  `json:"temp"`
			PrecipitationMM   float64  `json:"precipitacio"`
			PrecipitationProb *float64 `json:"probPrecipitacio"`
			SkyState          int      `json:"estatCel"`
			Wind              struct {
				SpeedKMH     float64  `json:"velocitat"`
				DirectionDeg *float64 `json:"direccio"`
			} `json:"vent"`
		} `json:"hores"`
	} `json:"dies"`
}
