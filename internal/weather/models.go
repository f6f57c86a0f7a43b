// Package weather defines the canonical forecast model shared by all weather
// provider adapters, the strategy selector, and the forecast service. No
// provider-specific code or unit escapes this package's boundary: adapters
// normalize into these types and everything downstream consumes only them.
package weather

import (
	"errors"
	"fmt"
	"time"

	"github.com/teesync/teesync/pkg/geo"
)

// Validation errors for model construction.
var (
	ErrInvalidTimeRange = errors.New("time range start is after end")
	ErrInvalidSample    = errors.New("invalid weather sample")
	ErrInvalidForecast  = errors.New("invalid forecast")
	ErrUnknownProvider  = errors.New("unknown weather provider")
)

// BlockSize is the time width of a single forecast cell.
type BlockSize time.Duration

// Supported block sizes.
const (
	Block1h  BlockSize = BlockSize(1 * time.Hour)
	Block3h  BlockSize = BlockSize(3 * time.Hour)
	Block6h  BlockSize = BlockSize(6 * time.Hour)
	Block12h BlockSize = BlockSize(12 * time.Hour)
)

// Duration returns the block size as a time.Duration.
func (b BlockSize) Duration() time.Duration {
	return time.Duration(b)
}

// String returns the block size in the form used by cache keys ("1h", "3h", ...).
func (b BlockSize) String() string {
	return fmt.Sprintf("%dh", int(time.Duration(b).Hours()))
}

// ParseBlockSize parses a cache-key block size string.
func ParseBlockSize(s string) (BlockSize, error) {
	switch s {
	case "1h":
		return Block1h, nil
	case "3h":
		return Block3h, nil
	case "6h":
		return Block6h, nil
	case "12h":
		return Block12h, nil
	default:
		return 0, fmt.Errorf("unknown block size %q", s)
	}
}

// Valid reports whether b is one of the supported block sizes.
func (b BlockSize) Valid() bool {
	switch b {
	case Block1h, Block3h, Block6h, Block12h:
		return true
	default:
		return false
	}
}

// Code is the canonical weather condition. Every provider maps its native
// condition codes into this closed set inside its adapter.
type Code string

// Canonical condition codes. Day/night variants exist only where the symbol
// differs; overcast and precipitation conditions look the same around the clock.
const (
	CodeClearDay          Code = "clear_day"
	CodeClearNight        Code = "clear_night"
	CodeFairDay           Code = "fair_day"
	CodeFairNight         Code = "fair_night"
	CodePartlyCloudyDay   Code = "partly_cloudy_day"
	CodePartlyCloudyNight Code = "partly_cloudy_night"
	CodeCloudy            Code = "cloudy"
	CodeFog               Code = "fog"
	CodeLightRain         Code = "light_rain"
	CodeRain              Code = "rain"
	CodeHeavyRain         Code = "heavy_rain"
	CodeRainShowersDay    Code = "rain_showers_day"
	CodeRainShowersNight  Code = "rain_showers_night"
	CodeLightSnow         Code = "light_snow"
	CodeSnow              Code = "snow"
	CodeHeavySnow         Code = "heavy_snow"
	CodeLightSleet        Code = "light_sleet"
	CodeSleet             Code = "sleet"
	CodeHeavySleet        Code = "heavy_sleet"
	CodeThunder           Code = "thunder"
	CodeRainAndThunder    Code = "rain_and_thunder"
	CodeHeavyRainThunder  Code = "heavy_rain_and_thunder"
)

// HasThunder reports whether the condition implies thunderstorm activity.
func (c Code) HasThunder() bool {
	switch c {
	case CodeThunder, CodeRainAndThunder, CodeHeavyRainThunder:
		return true
	default:
		return false
	}
}

// IsDaytime reports whether the local hour falls in the 06:00-18:00 day window
// used to pick day/night condition variants.
func IsDaytime(localHour int) bool {
	return localHour >= 6 && localHour < 18
}

// DayVariant selects the day or night variant of a condition.
func DayVariant(day Code, night Code, localHour int) Code {
	if IsDaytime(localHour) {
		return day
	}
	return night
}

// TimeRange is a UTC interval with StartUTC <= EndUTC.
type TimeRange struct {
	StartUTC time.Time
	EndUTC   time.Time
}

// NewTimeRange constructs a TimeRange, normalizing both instants to UTC.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return TimeRange{}, fmt.Errorf("%w: %s > %s", ErrInvalidTimeRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return TimeRange{StartUTC: start, EndUTC: end}, nil
}

// Contains reports whether t falls inside the half-open range [start, end).
// A forecast cell starting exactly at the end instant lies past the range.
func (r TimeRange) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(r.StartUTC) && t.Before(r.EndUTC)
}

// Duration returns the width of the range.
func (r TimeRange) Duration() time.Duration {
	return r.EndUTC.Sub(r.StartUTC)
}

// Expand grows the range by margin on both sides.
func (r TimeRange) Expand(margin time.Duration) TimeRange {
	return TimeRange{
		StartUTC: r.StartUTC.Add(-margin),
		EndUTC:   r.EndUTC.Add(margin),
	}
}

// Overlaps reports whether two ranges share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return !r.EndUTC.Before(o.StartUTC) && !o.EndUTC.Before(r.StartUTC)
}

// Sample is one forecast cell in canonical units: °C, mm/h, m/s, degrees,
// percent. Pointer fields are optional and stay nil when the provider does
// not report them; they are never zero-filled.
type Sample struct {
	TimeUTC        time.Time
	BlockSize      BlockSize
	TempC          float64
	PrecipMMPerH   float64
	PrecipProbPct  *float64
	WindSpeedMPS   float64
	WindDirDeg     *float64
	Code           Code
	ThunderProbPct *float64
}

// Validate checks the sample's range invariants.
func (s Sample) Validate() error {
	if !s.BlockSize.Valid() {
		return fmt.Errorf("%w: block size %v", ErrInvalidSample, time.Duration(s.BlockSize))
	}
	if s.TempC < -60 || s.TempC > 60 {
		return fmt.Errorf("%w: temperature %.1f out of range", ErrInvalidSample, s.TempC)
	}
	if s.PrecipMMPerH < 0 {
		return fmt.Errorf("%w: negative precipitation %.2f", ErrInvalidSample, s.PrecipMMPerH)
	}
	if s.WindSpeedMPS < 0 || s.WindSpeedMPS > 100 {
		return fmt.Errorf("%w: wind speed %.1f out of range", ErrInvalidSample, s.WindSpeedMPS)
	}
	if s.WindDirDeg != nil && (*s.WindDirDeg < 0 || *s.WindDirDeg >= 360) {
		return fmt.Errorf("%w: wind direction %.1f out of range", ErrInvalidSample, *s.WindDirDeg)
	}
	if s.PrecipProbPct != nil && (*s.PrecipProbPct < 0 || *s.PrecipProbPct > 100) {
		return fmt.Errorf("%w: precipitation probability %.1f out of range", ErrInvalidSample, *s.PrecipProbPct)
	}
	if s.ThunderProbPct != nil && (*s.ThunderProbPct < 0 || *s.ThunderProbPct > 100) {
		return fmt.Errorf("%w: thunder probability %.1f out of range", ErrInvalidSample, *s.ThunderProbPct)
	}
	return nil
}

// Forecast is a normalized provider response: samples ordered by time,
// covering a contiguous prefix of the requested range with no gaps.
type Forecast struct {
	Location     geo.Location
	ProviderID   string
	Samples      []Sample
	FetchedAtUTC time.Time
	ExpiresAtUTC time.Time
}

// Validate checks sample ordering and contiguity: consecutive samples' start
// times must differ by exactly the earlier sample's block size.
func (f *Forecast) Validate() error {
	if f.ProviderID == "" {
		return fmt.Errorf("%w: empty provider id", ErrInvalidForecast)
	}
	for i, s := range f.Samples {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if i == 0 {
			continue
		}
		prev := f.Samples[i-1]
		if want := prev.TimeUTC.Add(prev.BlockSize.Duration()); !s.TimeUTC.Equal(want) {
			return fmt.Errorf("%w: gap between samples %d and %d (%s then %s, block %s)",
				ErrInvalidForecast, i-1, i,
				prev.TimeUTC.Format(time.RFC3339), s.TimeUTC.Format(time.RFC3339), prev.BlockSize)
		}
	}
	return nil
}

// Expired reports whether the forecast is past its provider-aligned expiry.
func (f *Forecast) Expired(now time.Time) bool {
	return !now.UTC().Before(f.ExpiresAtUTC)
}

// Restrict returns a copy of the forecast containing only samples whose time
// falls within the given range.
func (f *Forecast) Restrict(r TimeRange) *Forecast {
	out := *f
	out.Samples = nil
	for _, s := range f.Samples {
		if r.Contains(s.TimeUTC) {
			out.Samples = append(out.Samples, s)
		}
	}
	return &out
}
