// Package cache persists weather data across runs in an embedded sqlite
// database: a response store for normalized forecasts and a location store
// for coordinate-to-provider-location resolutions. These two stores are the
// only state shared between pipeline runs.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/weather"
	"github.com/teesync/teesync/pkg/geo"
)

// ErrMiss is returned when a key is absent, expired, or out of tolerance.
var ErrMiss = errors.New("cache miss")

const schema = `
CREATE TABLE IF NOT EXISTS response_cache (
	provider_id  TEXT NOT NULL,
	lat          REAL NOT NULL,
	lon          REAL NOT NULL,
	block_size   TEXT NOT NULL,
	window_start TEXT NOT NULL,
	window_end   TEXT NOT NULL,
	forecast     BLOB NOT NULL,
	fetched_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	PRIMARY KEY (provider_id, lat, lon, block_size, window_start, window_end)
);
CREATE TABLE IF NOT EXISTS location_cache (
	provider_id            TEXT NOT NULL,
	query_lat              REAL NOT NULL,
	query_lon              REAL NOT NULL,
	provider_location_id   TEXT NOT NULL,
	provider_location_name TEXT NOT NULL,
	resolved_lat           REAL NOT NULL,
	resolved_lon           REAL NOT NULL,
	distance_km            REAL NOT NULL,
	resolved_at            TEXT NOT NULL,
	PRIMARY KEY (provider_id, query_lat, query_lon)
);
`

// ResponseKey identifies one cached forecast response. Coordinates are
// quantized to 4 decimal places before use so nearby queries share entries.
// Credentials never participate in cache keys.
type ResponseKey struct {
	ProviderID string
	Location   geo.Location
	Block      weather.BlockSize
	Window     weather.TimeRange
}

// NewResponseKey builds a quantized response cache key.
func NewResponseKey(providerID string, loc geo.Location, block weather.BlockSize, window weather.TimeRange) ResponseKey {
	return ResponseKey{
		ProviderID: providerID,
		Location:   loc.Quantized(),
		Block:      block,
		Window:     window,
	}
}

// String renders the key for logs and the single-flight map.
func (k ResponseKey) String() string {
	return fmt.Sprintf("%s/%.4f/%.4f/%s/%s/%s",
		k.ProviderID, k.Location.Lat, k.Location.Lon, k.Block,
		k.Window.StartUTC.Format(time.RFC3339), k.Window.EndUTC.Format(time.RFC3339))
}

// LocationEntry is a stored coordinate-to-provider-location resolution.
type LocationEntry struct {
	ProviderLocationID   string
	ProviderLocationName string
	ResolvedLat          float64
	ResolvedLon          float64
	DistanceKM           float64
	ResolvedAtUTC        time.Time
}

// Stats summarizes store contents for the ops surface.
type Stats struct {
	ResponseEntries int
	ResponseFresh   int
	LocationEntries int
}

// Store is the embedded cache engine. A single sqlite connection serializes
// readers and writers per key; puts are atomic and durable before return.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (or creates) the cache database at path. Use ":memory:" in tests.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	// One connection keeps sqlite access serialized without SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetForecast returns the cached forecast for the key, or ErrMiss when the
// key is absent or the entry has expired. Expired entries are ignored, not
// purged; Clear removes them.
func (s *Store) GetForecast(ctx context.Context, key ResponseKey) (*weather.Forecast, error) {
	f, expiresAt, err := s.readForecast(ctx, key)
	if err != nil {
		return nil, err
	}
	if !s.now().UTC().Before(expiresAt) {
		return nil, ErrMiss
	}
	return f, nil
}

// GetStaleForecast returns the cached forecast regardless of expiry, for
// best-effort serving when every live provider has failed.
func (s *Store) GetStaleForecast(ctx context.Context, key ResponseKey) (*weather.Forecast, error) {
	f, _, err := s.readForecast(ctx, key)
	return f, err
}

func (s *Store) readForecast(ctx context.Context, key ResponseKey) (*weather.Forecast, time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT forecast, expires_at FROM response_cache
		WHERE provider_id = ? AND lat = ? AND lon = ? AND block_size = ? AND window_start = ? AND window_end = ?`,
		key.ProviderID, key.Location.Lat, key.Location.Lon, key.Block.String(),
		key.Window.StartUTC.Format(time.RFC3339), key.Window.EndUTC.Format(time.RFC3339))

	var blob []byte
	var expiresAtStr string
	if err := row.Scan(&blob, &expiresAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, ErrMiss
		}
		return nil, time.Time{}, fmt.Errorf("read response cache: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse cached expiry: %w", err)
	}

	var f weather.Forecast
	if err := json.Unmarshal(blob, &f); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode cached forecast: %w", err)
	}
	return &f, expiresAt, nil
}

// PutForecast stores a forecast under the key. Idempotent; last write wins.
func (s *Store) PutForecast(ctx context.Context, key ResponseKey, f *weather.Forecast) error {
	blob, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode forecast: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO response_cache
			(provider_id, lat, lon, block_size, window_start, window_end, forecast, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, lat, lon, block_size, window_start, window_end)
		DO UPDATE SET forecast = excluded.forecast, fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		key.ProviderID, key.Location.Lat, key.Location.Lon, key.Block.String(),
		key.Window.StartUTC.Format(time.RFC3339), key.Window.EndUTC.Format(time.RFC3339),
		blob, f.FetchedAtUTC.UTC().Format(time.RFC3339), f.ExpiresAtUTC.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write response cache: %w", err)
	}
	return nil
}

// Clear removes response entries, optionally restricted to one provider
// and/or entries fetched before olderThan.
func (s *Store) Clear(ctx context.Context, providerID string, olderThan *time.Time) error {
	query := "DELETE FROM response_cache WHERE 1=1"
	var args []any
	if providerID != "" {
		query += " AND provider_id = ?"
		args = append(args, providerID)
	}
	if olderThan != nil {
		query += " AND fetched_at < ?"
		args = append(args, olderThan.UTC().Format(time.RFC3339))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("clear response cache: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug().Int64("removed", n).Str("provider", providerID).Msg("cleared response cache entries")
	}
	return nil
}

// LookupLocation returns the stored resolution for quantized query
// coordinates, or ErrMiss when absent, older than maxAge, or farther than
// maxDistanceKM from the query point.
func (s *Store) LookupLocation(ctx context.Context, providerID string, query geo.Location, maxAge time.Duration, maxDistanceKM float64) (*LocationEntry, error) {
	q := query.Quantized()
	row := s.db.QueryRowContext(ctx, `
		SELECT provider_location_id, provider_location_name, resolved_lat, resolved_lon, distance_km, resolved_at
		FROM location_cache WHERE provider_id = ? AND query_lat = ? AND query_lon = ?`,
		providerID, q.Lat, q.Lon)

	var e LocationEntry
	var resolvedAtStr string
	if err := row.Scan(&e.ProviderLocationID, &e.ProviderLocationName, &e.ResolvedLat, &e.ResolvedLon, &e.DistanceKM, &resolvedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read location cache: %w", err)
	}

	resolvedAt, err := time.Parse(time.RFC3339, resolvedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	e.ResolvedAtUTC = resolvedAt

	if maxAge > 0 && s.now().UTC().Sub(resolvedAt) > maxAge {
		return nil, ErrMiss
	}
	resolved, err := geo.NewLocation(e.ResolvedLat, e.ResolvedLon)
	if err != nil {
		return nil, fmt.Errorf("cached resolution: %w", err)
	}
	if maxDistanceKM > 0 && geo.Haversine(q, resolved) > maxDistanceKM {
		return nil, ErrMiss
	}
	return &e, nil
}

// RememberLocation stores a resolution under the quantized query coordinates.
func (s *Store) RememberLocation(ctx context.Context, providerID string, query geo.Location, e LocationEntry) error {
	q := query.Quantized()
	resolvedAt := e.ResolvedAtUTC
	if resolvedAt.IsZero() {
		resolvedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_cache
			(provider_id, query_lat, query_lon, provider_location_id, provider_location_name,
			 resolved_lat, resolved_lon, distance_km, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id, query_lat, query_lon)
		DO UPDATE SET provider_location_id = excluded.provider_location_id,
			provider_location_name = excluded.provider_location_name,
			resolved_lat = excluded.resolved_lat, resolved_lon = excluded.resolved_lon,
			distance_km = excluded.distance_km, resolved_at = excluded.resolved_at`,
		providerID, q.Lat, q.Lon, e.ProviderLocationID, e.ProviderLocationName,
		e.ResolvedLat, e.ResolvedLon, e.DistanceKM, resolvedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write location cache: %w", err)
	}
	return nil
}

// CacheStats returns entry counts for the ops surface.
func (s *Store) CacheStats(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.now().UTC().Format(time.RFC3339)

	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0) FROM response_cache", now)
	if err := row.Scan(&stats.ResponseEntries, &stats.ResponseFresh); err != nil {
		return Stats{}, fmt.Errorf("count response cache: %w", err)
	}

	row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM location_cache")
	if err := row.Scan(&stats.LocationEntries); err != nil {
		return Stats{}, fmt.Errorf("count location cache: %w", err)
	}
	return stats, nil
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}
