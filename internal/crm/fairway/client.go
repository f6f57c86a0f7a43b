// Package fairway implements the tee-sheet adapter for backends that embed
// the full flight in the listing response. A single call returns everything:
// reservations carry their players inline and timestamps are UTC. The backend
// authenticates with a session cookie.
package fairway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/internal/provider/resilience"
)

// BackendName is the backend identifier clubs reference in config.
const BackendName = "fairway"

// defaultRoundDuration is used when the backend reports no end time.
const defaultRoundDuration = 4 * time.Hour

// SessionCookieName is the cookie the backend expects.
const SessionCookieName = "fairway_session"

// ClientConfig holds configuration for the adapter.
type ClientConfig struct {
	// HTTPClient is the resilient HTTP client to use (optional).
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is the fairway tee-sheet adapter.
type Client struct {
	httpClient *resilience.Client
	logger     zerolog.Logger
	auth       crm.AuthStrategy
}

// New creates a fairway adapter.
func New(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(BackendName))
	}
	return &Client{
		httpClient: httpClient,
		logger:     cfg.Logger,
		auth:       crm.CookieSession{Name: SessionCookieName},
	}
}

// Backend returns the backend name.
func (c *Client) Backend() string { return BackendName }

// FetchReservations lists the membership's bookings. One call is enough; the
// listing embeds every player of each flight.
func (c *Client) FetchReservations(ctx context.Context, m crm.Membership, from time.Time) ([]crm.Reservation, error) {
	url := fmt.Sprintf("%s?from=%s", m.Club.BaseURL, from.UTC().Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%s: build listing request: %w", BackendName, err)
	}
	if err := c.auth.Apply(req, m.Credentials); err != nil {
		return nil, fmt.Errorf("%s: %w", BackendName, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: list bookings for club %s: %w", BackendName, m.Club.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: listing for club %s rejected: status %d (session expired)",
			BackendName, m.Club.ID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: listing for club %s failed: status %d",
			BackendName, m.Club.ID, resp.StatusCode)
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%s: decode listing for club %s: %w", BackendName, m.Club.ID, err)
	}

	reservations := make([]crm.Reservation, 0, len(payload.Reservations))
	for _, raw := range payload.Reservations {
		var row reservationRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("%s: decode booking for club %s: %w", BackendName, m.Club.ID, err)
		}
		res, err := toReservation(m, row, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: booking %s: %w", BackendName, row.ID, err)
		}
		if err := res.Validate(); err != nil {
			return nil, fmt.Errorf("%s: booking %s: %w", BackendName, row.ID, err)
		}
		reservations = append(reservations, res)
	}
	return reservations, nil
}

func toReservation(m crm.Membership, row reservationRow, raw json.RawMessage) (crm.Reservation, error) {
	start, err := time.Parse(time.RFC3339, row.Start)
	if err != nil {
		return crm.Reservation{}, fmt.Errorf("parse start %q: %w", row.Start, err)
	}
	end := start.Add(defaultRoundDuration)
	if row.End != "" {
		end, err = time.Parse(time.RFC3339, row.End)
		if err != nil {
			return crm.Reservation{}, fmt.Errorf("parse end %q: %w", row.End, err)
		}
	}

	course := row.Course
	if course == "" {
		course = m.Club.Name
	}

	players := make([]crm.Player, 0, len(row.Players))
	for _, p := range row.Players {
		players = append(players, p.toPlayer())
	}
	// Some tee sheets report the flight empty until co-players confirm. The
	// booking still belongs to someone; fall back to the booker's name.
	if len(players) == 0 && row.BookedBy != "" {
		players = append(players, crm.Player{Name: row.BookedBy})
	}

	localTZ := m.Club.Timezone
	if localTZ == "" {
		localTZ = "UTC"
	}

	return crm.Reservation{
		ID:           row.ID,
		ClubID:       m.Club.ID,
		ClubName:     m.Club.Name,
		CourseName:   course,
		Resource:     row.Resource,
		StartUTC:     start.UTC(),
		EndUTC:       end.UTC(),
		LocalTZ:      localTZ,
		BookerUserID: m.UserID,
		Players:      players,
		Status:       mapStatus(row.Status),
		Raw:          raw,
	}, nil
}

func mapStatus(s string) crm.Status {
	switch s {
	case "cancelled", "canceled":
		return crm.StatusCancelled
	case "waitlisted", "queued", "pending":
		return crm.StatusPending
	case "completed", "played":
		return crm.StatusCompleted
	default:
		return crm.StatusConfirmed
	}
}

// Upstream response structures.

// Reservations stay raw so each one can carry its provider record verbatim.
type listResponse struct {
	Reservations []json.RawMessage `json:"reservations"`
}

type reservationRow struct {
	ID       string      `json:"id"`
	Start    string      `json:"start"`
	End      string      `json:"end"`
	Course   string      `json:"course"`
	Resource string      `json:"resource"`
	Status   string      `json:"status"`
	BookedBy string      `json:"booked_by"`
	Players  []playerRow `json:"players"`
}

type playerRow struct {
	Name     string   `json:"name"`
	ClubAbbr string   `json:"club"`
	Handicap *float64 `json:"handicap"`
}

func (p playerRow) toPlayer() crm.Player {
	out := crm.Player{Name: p.Name, Handicap: p.Handicap}
	if p.ClubAbbr != "" {
		abbr := p.ClubAbbr
		out.ClubAbbr = &abbr
	}
	return out
}
