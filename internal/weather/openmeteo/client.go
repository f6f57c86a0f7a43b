// Package openmeteo implements the global weather provider adapter. The
// upstream returns parallel-array hourly fields and serves any coordinate,
// anonymously or with an API key for higher quotas.
//
// Provider notes: timestamps are UTC. Wind speeds arrive in km/h and are
// converted to m/s. The upstream reports hourly values only; 3h and 6h blocks
// aggregate them (mean temperature and wind, mean precipitation rate, maximum
// precipitation probability, most severe condition code). Day/night variants
// come from the is_day field, not the local-hour rule. Thunder probability is
// never reported and is always inferred from the manifest table.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/provider/resilience"
	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/pkg/geo"
)

const (
	// ProviderID identifies this adapter in manifests, cache keys, and config.
	ProviderID = "global"

	// DefaultBaseURL is the upstream API root.
	DefaultBaseURL = "https://api.open-meteo.com/v1"
)

// ClientConfig holds configuration for the global adapter.
type ClientConfig struct {
	// APIKey raises quota limits (optional; anonymous access works).
	APIKey string

	// BaseURL is the API root (optional).
	BaseURL string

	// HTTPClient is the resilient HTTP client to use (optional).
	HTTPClient *resilience.Client

	// Limiter gates outbound calls (required).
	Limiter weather.Limiter

	// Logger for client operations.
	Logger zerolog.Logger

	// Cache TTLs per horizon (optional; defaults 15m / 1h / 3h).
	TTLShort  time.Duration
	TTLMedium time.Duration
	TTLLong   time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client is the global forecast adapter.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *resilience.Client
	limiter    weather.Limiter
	logger     zerolog.Logger
	ttlShort   time.Duration
	ttlMedium  time.Duration
	ttlLong    time.Duration
	now        func() time.Time
}

// New creates a global adapter.
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
	ttlShort, ttlMedium, ttlLong := cfg.TTLShort, cfg.TTLMedium, cfg.TTLLong
	if ttlShort == 0 {
		ttlShort = 15 * time.Minute
	}
	if ttlMedium == 0 {
		ttlMedium = time.Hour
	}
	if ttlLong == 0 {
		ttlLong = 3 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		ttlShort:   ttlShort,
		ttlMedium:  ttlMedium,
		ttlLong:    ttlLong,
		now:        now,
	}
}

// Manifest returns the adapter's static description.
func (c *Client) Manifest() weather.Manifest {
	return weather.Manifest{
		ProviderID: ProviderID,
		Coverage: []geo.BoundingBox{
			{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180},
		},
		UpdateCadence:  time.Hour,
		RequiresAPIKey: false,
		Rate:           weather.RatePolicy{PerWindow: &weather.WindowPolicy{N: 600, Window: time.Hour}},
		Blocks: []weather.BlockStep{
			{MaxHoursAhead: 48, Block: weather.Block1h},
			{MaxHoursAhead: 168, Block: weather.Block3h},
			{MaxHoursAhead: 0, Block: weather.Block6h},
		},
		TTLs: []weather.TTLStep{
			{MaxHoursAhead: 48, TTL: c.ttlShort},
			{MaxHoursAhead: 168, TTL: c.ttlMedium},
			{MaxHoursAhead: 0, TTL: c.ttlLong},
		},
		ThunderProb: map[weather.Code]float64{
			weather.CodeThunder:          55,
			weather.CodeRainAndThunder:   65,
			weather.CodeHeavyRainThunder: 80,
		},
	}
}

// Fetch retrieves a normalized forecast for the location and range.
func (c *Client) Fetch(ctx context.Context, loc geo.Location, tr weather.TimeRange) (*weather.Forecast, error) {
	manifest := c.Manifest()
	now := c.now().UTC()
	hoursAhead := horizonHours(now, tr.StartUTC)
	block := manifest.BlockSizeFor(hoursAhead)

	url := fmt.Sprintf("%s/forecast?latitude=%.4f&longitude=%.4f"+
		"&hourly=temperature_2m,precipitation,precipitation_probability,weathercode,windspeed_10m,winddirection_10m,is_day"+
		"&forecast_days=16&timeformat=iso8601&timezone=UTC",
		c.baseURL, loc.Lat, loc.Lon)
	if c.apiKey != "" {
		url += "&apikey=" + c.apiKey
	}

	if err := c.limiter.Acquire(ctx, ProviderID); err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, weather.NewProviderError(ProviderID, weather.KindPermanent, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, weather.ClassifyTransport(ProviderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := weather.ClassifyStatus(ProviderID, resp.StatusCode, resilience.RetryAfter(resp))
		if perr.Kind == weather.KindRateLimited {
			retryAfter := 60 * time.Second
			if perr.RetryAfter != nil {
				retryAfter = *perr.RetryAfter
			}
			c.limiter.ObserveRetryAfter(ProviderID, retryAfter)
		}
		return nil, perr
	}

	var payload hourlyResponse
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

// hourCell is one parsed hourly record, before block aggregation.
type hourCell struct {
	time       time.Time
	tempC      float64
	precipMM   float64
	precipProb *float64
	windMPS    float64
	windDir    *float64
	wmoCode    int
	isDay      bool
}

func (c *Client) toForecast(loc geo.Location, tr weather.TimeRange, block weather.BlockSize, now time.Time, payload *hourlyResponse) (*weather.Forecast, error) {
	h := payload.Hourly
	n := len(h.Time)
	if len(h.Temperature2M) != n || len(h.Precipitation) != n || len(h.Weathercode) != n ||
		len(h.Windspeed10M) != n || len(h.IsDay) != n {
		return nil, fmt.Errorf("parallel hourly arrays have mismatched lengths")
	}

	var cells []hourCell
	for i := 0; i < n; i++ {
		t, err := time.Parse("2006-01-02T15:04", h.Time[i])
		if err != nil {
			return nil, fmt.Errorf("hourly time %q: %w", h.Time[i], err)
		}
		cell := hourCell{
			time:     t.UTC(),
			tempC:    h.Temperature2M[i],
			precipMM: h.Precipitation[i],
			windMPS:  h.Windspeed10M[i] / 3.6, // km/h to m/s
			wmoCode:  h.Weathercode[i],
			isDay:    h.IsDay[i] == 1,
		}
		if i < len(h.PrecipitationProbability) && h.PrecipitationProbability[i] != nil {
			cell.precipProb = h.PrecipitationProbability[i]
		}
		if i < len(h.Winddirection10M) && h.Winddirection10M[i] != nil {
			d := *h.Winddirection10M[i]
			if d >= 360 {
				d -= 360
			}
			cell.windDir = &d
		}
		cells = append(cells, cell)
	}

	manifest := c.Manifest()
	forecast := &weather.Forecast{
		Location:     loc,
		ProviderID:   ProviderID,
		FetchedAtUTC: now,
	}

	blockHours := int(block.Duration().Hours())
	for i := 0; i+blockHours <= len(cells); i++ {
		start := cells[i].time
		if start.Before(tr.StartUTC) {
			continue
		}
		if !tr.Contains(start) {
			break
		}
		if !contiguousHourly(cells[i : i+blockHours]) {
			break
		}

		sample := aggregate(cells[i:i+blockHours], block)
		if sample.ThunderProbPct == nil {
			sample.ThunderProbPct = manifest.ThunderProbFor(sample.Code)
		}
		forecast.Samples = append(forecast.Samples, sample)
		i += blockHours - 1
	}

	if err := forecast.Validate(); err != nil {
		return nil, err
	}
	return forecast, nil
}

func contiguousHourly(cells []hourCell) bool {
	for i := 1; i < len(cells); i++ {
		if !cells[i].time.Equal(cells[i-1].time.Add(time.Hour)) {
			return false
		}
	}
	return true
}

// aggregate folds hourly cells into one block sample: mean temperature and
// wind, mean precipitation rate, max probability, most severe condition.
func aggregate(cells []hourCell, block weather.BlockSize) weather.Sample {
	var tempSum, windSum, precipSum float64
	var probMax *float64
	worst := cells[0]
	for _, cell := range cells {
		tempSum += cell.tempC
		windSum += cell.windMPS
		precipSum += cell.precipMM
		if cell.precipProb != nil && (probMax == nil || *cell.precipProb > *probMax) {
			p := *cell.precipProb
			probMax = &p
		}
		if codeSeverity(cell.wmoCode) > codeSeverity(worst.wmoCode) {
			worst = cell
		}
	}

	n := float64(len(cells))
	sample := weather.Sample{
		TimeUTC:       cells[0].time,
		BlockSize:     block,
		TempC:         tempSum / n,
		PrecipMMPerH:  precipSum / n,
		PrecipProbPct: probMax,
		WindSpeedMPS:  windSum / n,
		WindDirDeg:    cells[0].windDir,
		Code:          mapWMOCode(worst.wmoCode, worst.isDay),
	}
	return sample
}

// codeSeverity orders WMO codes so block aggregation keeps the worst hour.
func codeSeverity(code int) int {
	switch {
	case code >= 95:
		return 7
	case code >= 80:
		return 5
	case code >= 71:
		return 5
	case code >= 61:
		return 4
	case code >= 51:
		return 3
	case code >= 45:
		return 2
	case code >= 1:
		return 1
	default:
		return 0
	}
}

// mapWMOCode translates WMO weather interpretation codes to canonical codes.
func mapWMOCode(code int, isDay bool) weather.Code {
	day := func(d, n weather.Code) weather.Code {
		if isDay {
			return d
		}
		return n
	}

	switch code {
	case 0:
		return day(weather.CodeClearDay, weather.CodeClearNight)
	case 1:
		return day(weather.CodeFairDay, weather.CodeFairNight)
	case 2:
		return day(weather.CodePartlyCloudyDay, weather.CodePartlyCloudyNight)
	case 3:
		return weather.CodeCloudy
	case 45, 48:
		return weather.CodeFog
	case 51, 53, 55, 56, 57, 61:
		return weather.CodeLightRain
	case 63:
		return weather.CodeRain
	case 65:
		return weather.CodeHeavyRain
	case 66:
		return weather.CodeLightSleet
	case 67:
		return weather.CodeSleet
	case 71:
		return weather.CodeLightSnow
	case 73, 77:
		return weather.CodeSnow
	case 75:
		return weather.CodeHeavySnow
	case 80, 81:
		return day(weather.CodeRainShowersDay, weather.CodeRainShowersNight)
	case 82:
		return weather.CodeHeavyRain
	case 85:
		return weather.CodeLightSnow
	case 86:
		return weather.CodeHeavySnow
	case 95:
		return weather.CodeRainAndThunder
	case 96, 99:
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

// Upstream response structure: parallel hourly arrays.

type hourlyResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Hourly    struct {
		Time                     []string   `json:"time"`
		Temperature2M            []float64  `json:"temperature_2m"`
		Precipitation            []float64  `json:"precipitation"`
		PrecipitationProbability []*float64 `json:"precipitation_probability"`
		Weathercode              []int      `json:"weathercode"`
		Windspeed10M             []float64  `json:"windspeed_10m"`
		Winddirection10M         []*float64 `json:"winddirection_10m"`
		IsDay                    []int      `json:"is_day"`
	} `json:"hourly"`
}
