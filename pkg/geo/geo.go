// Package geo provides geographic primitives shared by the weather and
// tee-sheet layers: validated coordinates, coordinate quantization for cache
// keys, and great-circle distance.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCoordinates is returned when a latitude or longitude is out of range.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// earthRadiusKM is the WGS-84 mean earth radius used for haversine distance.
const earthRadiusKM = 6371.0

// Location is a validated geographic point. AltitudeM is optional; nil means
// the altitude is unknown and providers that want one may estimate their own.
type Location struct {
	Lat       float64
	Lon       float64
	AltitudeM *int
}

// NewLocation constructs a Location, rejecting out-of-range coordinates.
func NewLocation(lat, lon float64) (Location, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return Location{}, err
	}
	return Location{Lat: lat, Lon: lon}, nil
}

// NewLocationWithAltitude constructs a Location carrying an altitude in meters.
func NewLocationWithAltitude(lat, lon float64, altitudeM int) (Location, error) {
	loc, err := NewLocation(lat, lon)
	if err != nil {
		return Location{}, err
	}
	loc.AltitudeM = &altitudeM
	return loc, nil
}

// ValidateCoordinates checks latitude and longitude ranges.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, lat, lon)
	}
	return nil
}

// Quantized returns the location with both coordinates quantized to 4 decimal
// places (~11m), so nearby queries share cache entries.
func (l Location) Quantized() Location {
	q := Location{
		Lat:       Quantize(l.Lat),
		Lon:       Quantize(l.Lon),
		AltitudeM: l.AltitudeM,
	}
	return q
}

// Quantize rounds a coordinate to 4 decimal places.
func Quantize(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Haversine returns the great-circle distance in kilometers between two points.
func Haversine(a, b Location) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// BoundingBox is a lat/lon rectangle used for provider coverage tests.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains checks if a location is within the bounding box.
func (b BoundingBox) Contains(loc Location) bool {
	return loc.Lat >= b.MinLat && loc.Lat <= b.MaxLat &&
		loc.Lon >= b.MinLon && loc.Lon <= b.MaxLon
}
