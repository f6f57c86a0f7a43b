// Package teemaster implements the tee-sheet adapter for backends whose
// listing endpoint returns one row per booking with only the booking player.
// Completing a flight requires a second call to the backend's REST API, which
// returns every booking for a date; rows sharing a start time and resource
// form one flight. The listing reports server-local times in the club's zone.
package teemaster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/provider/resilience"
)

// BackendName is the backend identifier clubs reference in config.
const BackendName = "teemaster"

// defaultRoundDuration is used when the backend reports no duration.
const defaultRoundDuration = 4 * time.Hour

// maxFlightSize caps the players grouped into one flight.
const maxFlightSize = 4

// ClientConfig holds configuration for the adapter.
type ClientConfig struct {
	// HTTPClient is the resilient HTTP client to use (optional).
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client is the teemaster tee-sheet adapter.
type Client struct {
	httpClient *resilience.Client
	logger     zerolog.Logger
	now        func() time.Time

	headerAuth crm.AuthStrategy
	paramAuth  crm.AuthStrategy
}

// New creates a teemaster adapter.
func New(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(BackendName))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		httpClient: httpClient,
		logger:     cfg.Logger,
		now:        now,
		// The backend wants the token both as a header and a query parameter.
		headerAuth: crm.BearerToken{Prefix: "token"},
		paramAuth:  crm.URLParameter{Param: "appauth"},
	}
}

// Backend returns the backend name.
func (c *Client) Backend() string { return BackendName }

// FetchReservations lists the membership's bookings and completes the flight
// of every future reservation through the REST API. Past reservations keep
// only the booking player; their flights no longer matter.
func (c *Client) FetchReservations(ctx context.Context, m crm.Membership, from time.Time) ([]crm.Reservation, error) {
	zone := c.clubZone(m.Club)

	rows, err := c.listBookings(ctx, m, from.In(zone))
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	reservations := make([]crm.Reservation, 0, len(rows))
	flightDates := make(map[string]bool)

	for _, raw := range rows {
		var row bookingRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("%s: decode booking for club %s: %w", BackendName, m.Club.ID, err)
		}
		res, err := c.toReservation(m, zone, row, raw)
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", row.ID, err)
		}
		reservations = append(reservations, res)
		if res.StartUTC.After(now) {
			flightDates[res.StartUTC.In(zone).Format("2006-01-02")] = true
		}
	}

	if len(flightDates) > 0 && m.Club.RestBaseURL != "" {
		if err := c.completeFlights(ctx, m, zone, flightDates, reservations); err != nil {
			return nil, err
		}
	}

	for _, res := range reservations {
		if err := res.Validate(); err != nil {
			return nil, err
		}
	}
	return reservations, nil
}

func (c *Client) listBookings(ctx context.Context, m crm.Membership, from time.Time) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s?from=%s", m.Club.BaseURL, from.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%s: build listing request: %w", BackendName, err)
	}
	if err := c.authenticate(req, m.Credentials); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: list bookings for club %s: %w", BackendName, m.Club.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(m.Club.ID, "listing", resp.StatusCode)
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%s: decode listing for club %s: %w", BackendName, m.Club.ID, err)
	}
	return payload.Rows, nil
}

// completeFlights fetches the full tee sheet for each date and merges the
// co-players into the matching reservations.
func (c *Client) completeFlights(ctx context.Context, m crm.Membership, zone *time.Location, dates map[string]bool, reservations []crm.Reservation) error {
	for date := range dates {
		rows, err := c.listTeeSheet(ctx, m, date)
		if err != nil {
			return err
		}

		flights := make(map[string][]crm.Player)
		for _, row := range rows {
			start, err := parseLocalTime(row.Time, zone)
			if err != nil {
				continue
			}
			key := flightKey(start.UTC(), row.Resource.String())
			if len(flights[key]) < maxFlightSize {
				flights[key] = append(flights[key], row.Player.toPlayer())
			}
		}

		for i := range reservations {
			key := flightKey(reservations[i].StartUTC, reservations[i].Resource)
			players, ok := flights[key]
			if !ok {
				continue
			}
			reservations[i].Players = mergePlayers(reservations[i].Players, players)
		}
	}
	return nil
}

func (c *Client) listTeeSheet(ctx context.Context, m crm.Membership, date string) ([]bookingRow, error) {
	url := fmt.Sprintf("%s/reservations?productid=%s&date=%s&golf=1",
		m.Club.RestBaseURL, m.Club.ProductID, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%s: build tee sheet request: %w", BackendName, err)
	}
	if err := c.authenticate(req, m.Credentials); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: tee sheet for club %s on %s: %w", BackendName, m.Club.ID, date, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(m.Club.ID, "tee sheet", resp.StatusCode)
	}

	var payload teeSheetResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%s: decode tee sheet for club %s: %w", BackendName, m.Club.ID, err)
	}
	return payload.Reservations, nil
}

func (c *Client) authenticate(req *http.Request, creds crm.Credentials) error {
	if err := c.headerAuth.Apply(req, creds); err != nil {
		return fmt.Errorf("%s: %w", BackendName, err)
	}
	if err := c.paramAuth.Apply(req, creds); err != nil {
		return fmt.Errorf("%s: %w", BackendName, err)
	}
	return nil
}

func (c *Client) toReservation(m crm.Membership, zone *time.Location, row bookingRow, raw json.RawMessage) (crm.Reservation, error) {
	start, err := parseLocalTime(row.Time, zone)
	if err != nil {
		return crm.Reservation{}, err
	}

	duration := defaultRoundDuration
	if row.DurationMin > 0 {
		duration = time.Duration(row.DurationMin) * time.Minute
	}

	course := row.Course
	if course == "" {
		course = m.Club.Name
	}

	localTZ := m.Club.Timezone
	if localTZ == "" {
		localTZ = "UTC"
	}

	return crm.Reservation{
		ID:           row.ID.String(),
		ClubID:       m.Club.ID,
		ClubName:     m.Club.Name,
		CourseName:   course,
		Resource:     row.Resource.String(),
		StartUTC:     start.UTC(),
		EndUTC:       start.UTC().Add(duration),
		LocalTZ:      localTZ,
		BookerUserID: m.UserID,
		Players:      []crm.Player{row.Player.toPlayer()},
		Status:       mapStatus(row.Status),
		Raw:          raw,
	}, nil
}

// mergePlayers folds the tee-sheet flight into the booking's player list,
// keeping the booking player first and dropping duplicates by name.
func mergePlayers(own, flight []crm.Player) []crm.Player {
	seen := make(map[string]bool, len(own))
	merged := make([]crm.Player, 0, maxFlightSize)
	for _, p := range own {
		if !seen[p.Name] {
			seen[p.Name] = true
			merged = append(merged, p)
		}
	}
	for _, p := range flight {
		if len(merged) >= maxFlightSize {
			break
		}
		if !seen[p.Name] {
			seen[p.Name] = true
			merged = append(merged, p)
		}
	}
	if len(merged) > 1 {
		sort.SliceStable(merged[1:], func(i, j int) bool {
			return merged[i+1].Name < merged[j+1].Name
		})
	}
	return merged
}

func flightKey(start time.Time, resource string) string {
	return start.Format(time.RFC3339) + "/" + resource
}

func parseLocalTime(value string, zone *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", value, zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse booking time %q: %w", value, err)
	}
	return t, nil
}

func (c *Client) clubZone(club crm.Club) *time.Location {
	if club.Timezone == "" {
		return time.UTC
	}
	zone, err := time.LoadLocation(club.Timezone)
	if err != nil {
		c.logger.Warn().Str("timezone", club.Timezone).Str("club", club.ID).
			Msg("unknown club timezone, falling back to UTC")
		return time.UTC
	}
	return zone
}

func mapStatus(s string) crm.Status {
	switch s {
	case "cancelled", "canceled", "deleted":
		return crm.StatusCancelled
	case "waiting", "waitlist", "waitlisted", "pending":
		return crm.StatusPending
	case "completed", "played", "finished":
		return crm.StatusCompleted
	default:
		return crm.StatusConfirmed
	}
}

func statusError(clubID, call string, status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %s for club %s rejected: status %d (credentials expired or revoked)",
			BackendName, call, clubID, status)
	default:
		return fmt.Errorf("%s: %s for club %s failed: status %d", BackendName, call, clubID, status)
	}
}

// Upstream response structures.

// Rows stay raw so each reservation can carry its provider record verbatim.
type listResponse struct {
	Rows []json.RawMessage `json:"rows"`
}

type teeSheetResponse struct {
	Reservations []bookingRow `json:"reservations"`
}

type bookingRow struct {
	ID          stringable `json:"id"`
	Time        string     `json:"time"`
	Course      string     `json:"course"`
	Resource    stringable `json:"resource_id"`
	Status      string     `json:"status"`
	DurationMin int        `json:"duration"`
	Player      playerRow  `json:"player"`
}

type playerRow struct {
	Name     string   `json:"name"`
	Club     string   `json:"club"`
	Handicap *float64 `json:"hcp"`
}

func (p playerRow) toPlayer() crm.Player {
	out := crm.Player{Name: p.Name, Handicap: p.Handicap}
	if p.Club != "" {
		club := p.Club
		out.ClubAbbr = &club
	}
	return out
}

// stringable decodes JSON ids that arrive as either strings or numbers.
type stringable string

func (s *stringable) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*s = stringable(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return err
	}
	*s = stringable(asNumber.String())
	return nil
}

func (s stringable) String() string { return string(s) }
