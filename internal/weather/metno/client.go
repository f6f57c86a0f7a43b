// Package metno implements the Nordic weather provider adapter. The upstream
// serves a GeoJSON Feature whose properties.timeseries records carry instant
// details plus next_1_hours/next_6_hours projections. Access is anonymous but
// a User-Agent identifying the caller is mandatory.
//
// Provider notes: timestamps are UTC. Symbol codes carry their own _day/_night
// suffix, which is trusted over the local-hour rule. Precipitation arrives as
// an accumulation over the projection period and is converted to mm/h by
// dividing by the period length; 12h blocks reuse the 6h accumulation rate,
// assuming uniform distribution.
package metno

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/provider/resilience"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/pkg/geo"
)

const (
	// ProviderID identifies this adapter in manifests, cache keys, and config.
	ProviderID = "nordic"

	// DefaultBaseURL is the upstream API root.
	DefaultBaseURL = "https://api.met.no/weatherapi/locationforecast/2.0"

	// DefaultUserAgent is sent when config supplies none. The upstream
	// rejects anonymous requests without an identifying User-Agent.
	DefaultUserAgent = "teesync/1.0 github.com/teesync/teesync"
)

// ClientConfig holds configuration for the Nordic adapter.
type ClientConfig struct {
	// BaseURL is the API root (optional).
	BaseURL string

	// UserAgent identifies this deployment to the upstream (required by the
	// provider; a default is used when empty).
	UserAgent string

	// HTTPClient is the resilient HTTP client to use (optional).
	HTTPClient *resilience.Client

	// Limiter gates outbound calls (required).
	Limiter weather.Limiter

	// Logger for client operations.
	Logger zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client is the Nordic forecast adapter.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *resilience.Client
	limiter    weather.Limiter
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a Nordic adapter.
func New(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Weather calls do not retry at the HTTP layer; the forecast
		// service fails over to the next provider instead.
		httpClient = resilience.NewClient(resilience.ClientConfig{
			Name:       ProviderID,
			MaxRetries: 1,
		})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		now:        now,
	}
}

// Manifest returns the adapter's static description.
func (c *Client) Manifest() weather.Manifest {
	return weather.Manifest{
		ProviderID: ProviderID,
		Coverage: []geo.BoundingBox{
			// Nordics plus the Baltic rim.
			{MinLat: 54, MaxLat: 72, MinLon: 4, MaxLon: 32},
		},
		UpdateCadence:     time.Hour,
		RequiresAPIKey:    false,
		Rate:              weather.RatePolicy{MinInterval: time.Second},
		AlignExpiryToHour: true,
		ExpirySlack:       5 * time.Minute,
		Blocks: []weather.BlockStep{
			{MaxHoursAhead: 48, Block: weather.Block1h},
			{MaxHoursAhead: 168, Block: weather.Block6h},
			{MaxHoursAhead: 0, Block: weather.Block12h},
		},
		TTLs: []weather.TTLStep{
			{MaxHoursAhead: 48, TTL: time.Hour},
			{MaxHoursAhead: 168, TTL: 3 * time.Hour},
			{MaxHoursAhead: 0, TTL: 6 * time.Hour},
		},
		ThunderProb: map[weather.Code]float64{
			weather.CodeThunder:          60,
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

	now := c.now().UTC()
	hoursAhead := horizonHours(now, tr.StartUTC)
	block := manifest.BlockSizeFor(hoursAhead)

	url := fmt.Sprintf("%s/complete?lat=%.4f&lon=%.4f", c.baseURL, loc.Lat, loc.Lon)
	if loc.AltitudeM != nil {
		url += fmt.Sprintf("&altitude=%d", *loc.AltitudeM)
	}

	if err := c.limiter.Acquire(ctx, ProviderID); err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindPermanent, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := weather.ClassifyStatus(ProviderID, resp.StatusCode, resilience.RetryAfter(resp))
		if perr.Kind == weather.KindRateLimited {
			c.observeRetryAfter(perr)
		}
		return nil, perr
	}

	var payload forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindBadResponse, err)
	}

	forecast, err := c.toForecast(loc, tr, block, now, &payload)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindBadResponse, err)
	}
	forecast.ExpiresAtUTC = manifest.ExpiryFor(now, hoursAhead)
	return forecast, nil
}

func (c *Client) observeRetryAfter(perr *weather.ProviderError) {
	retryAfter := 60 * time.Second
	if perr.RetryAfter != nil {
		retryAfter = *perr.RetryAfter
	}
	c.limiter.ObserveRetryAfter(ProviderID, retryAfter)
}

// toForecast walks the timeseries and emits samples on the block grid,
// stopping at the first gap so the contiguous-prefix invariant holds.
func (c *Client) toForecast(loc geo.Location, tr weather.TimeRange, block weather.BlockSize, now time.Time, payload *forecastResponse) (*weather.Forecast, error) {
	manifest := c.Manifest()
	forecast := &weather.Forecast{
		Location:     loc,
		ProviderID:   ProviderID,
		FetchedAtUTC: now,
	}

	var next time.Time
	for _, entry := range payload.Properties.Timeseries {
		t, err := time.Parse(time.RFC3339, entry.Time)
		if err != nil {
			return nil, fmt.Errorf("timeseries entry time %q: %w", entry.Time, err)
		}
		t = t.UTC()
		if t.Before(tr.StartUTC) {
			continue
		}
		if !tr.Contains(t) {
			break
		}
		if !next.IsZero() {
			if t.Before(next) {
				continue // finer-grained entry between grid points
			}
			if t.After(next) {
				break // gap in the series: keep the contiguous prefix
			}
		}

		sample, ok := c.toSample(t, block, entry.Data, manifest)
		if !ok {
			break
		}
		forecast.Samples = append(forecast.Samples, sample)
		next = t.Add(block.Duration())
	}

	if err := forecast.Validate(); err != nil {
		return nil, err
	}
	return forecast, nil
}

func (c *Client) toSample(t time.Time, block weather.BlockSize, data entryData, manifest weather.Manifest) (weather.Sample, bool) {
	var projection *projectionBlock
	var accumulationHours float64
	switch block {
	case weather.Block1h:
		projection = data.Next1Hours
		accumulationHours = 1
	default:
		projection = data.Next6Hours
		accumulationHours = 6
	}
	if projection == nil {
		return weather.Sample{}, false
	}

	sample := weather.Sample{
		TimeUTC:      t,
		BlockSize:    block,
		TempC:        data.Instant.Details.AirTemperature,
		WindSpeedMPS: data.Instant.Details.WindSpeed,
		Code:         mapSymbol(projection.Summary.SymbolCode, t),
	}
	if dir := data.Instant.Details.WindFromDirection; dir != nil {
		d := *dir
		if d >= 360 {
			d -= 360
		}
		sample.WindDirDeg = &d
	}
	if amount := projection.Details.PrecipitationAmount; amount != nil {
		sample.PrecipMMPerH = *amount / accumulationHours
	}
	sample.PrecipProbPct = projection.Details.ProbabilityOfPrecipitation

	if p := projection.Details.ProbabilityOfThunder; p != nil {
		sample.ThunderProbPct = p
	} else {
		sample.ThunderProbPct = manifest.ThunderProbFor(sample.Code)
	}
	return sample, true
}

// mapSymbol translates upstream symbol codes into the canonical set. The
// upstream suffix decides day/night when present; otherwise the UTC hour is
// used, which is within an hour of local time across the coverage area.
func mapSymbol(symbol string, t time.Time) weather.Code {
	base := symbol
	isDay := weather.IsDaytime(t.Hour())
	if cut := strings.IndexByte(symbol, '_'); cut >= 0 {
		base = symbol[:cut]
		isDay = strings.HasSuffix(symbol, "_day")
	}

	day := func(d, n weather.Code) weather.Code {
		if isDay {
			return d
		}
		return n
	}

	switch base {
	case "clearsky":
		return day(weather.CodeClearDay, weather.CodeClearNight)
	case "fair":
		return day(weather.CodeFairDay, weather.CodeFairNight)
	case "partlycloudy":
		return day(weather.CodePartlyCloudyDay, weather.CodePartlyCloudyNight)
	case "cloudy":
		return weather.CodeCloudy
	case "fog":
		return weather.CodeFog
	case "lightrain", "lightrainshowers":
		return weather.CodeLightRain
	case "rain":
		return weather.CodeRain
	case "heavyrain", "heavyrainshowers":
		return weather.CodeHeavyRain
	case "rainshowers":
		return day(weather.CodeRainShowersDay, weather.CodeRainShowersNight)
	case "lightsnow", "lightsnowshowers":
		return weather.CodeLightSnow
	case "snow", "snowshowers":
		return weather.CodeSnow
	case "heavysnow", "heavysnowshowers":
		return weather.CodeHeavySnow
	case "lightsleet", "lightsleetshowers":
		return weather.CodeLightSleet
	case "sleet", "sleetshowers":
		return weather.CodeSleet
	case "heavysleet", "heavysleetshowers":
		return weather.CodeHeavySleet
	case "thunder", "thunderstorm":
		return weather.CodeThunder
	case "rainandthunder", "lightrainandthunder", "rainshowersandthunder":
		return weather.CodeRainAndThunder
	case "heavyrainandthunder", "heavyrainshowersandthunder":
		return weather.CodeHeavyRainThunder
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

type forecastResponse struct {
	Properties struct {
		Timeseries []struct {
			Time string    `json:"time"`
			Data entryData `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

type entryData struct {
	Instant struct {
		Details struct {
			AirTemperature    float64  `json:"air_temperature"`
			WindSpeed         float64  `json:"wind_speed"`
			WindFromDirection *float64 `json:"wind_from_direction"`
		} `json:"details"`
	} `json:"instant"`
	Next1Hours *projectionBlock `json:"next_1_hours"`
	Next6Hours *projectionBlock `json:"next_6_hours"`
}

type projectionBlock struct {
	Summary struct {
		SymbolCode string `json:"symbol_code"`
	} `json:"summary"`
	Details struct {
		PrecipitationAmount        *float64 `json:"precipitation_amount"`
		ProbabilityOfPrecipitation *float64 `json:"probability_of_precipitation"`
		ProbabilityOfThunder       *float64 `json:"probability_of_thunder"`
	} `json:"details"`
}
