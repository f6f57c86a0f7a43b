// Package crm defines the tee-sheet integration layer: the canonical
// reservation model, club memberships with their credentials, the adapter
// interface each backend implements, and the authentication strategies
// adapters attach to outbound requests.
package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teesync/teesync/pkg/geo"
)

// Validation errors for the reservation model.
var (
	ErrInvalidHandicap    = errors.New("handicap out of range")
	ErrInvalidReservation = errors.New("invalid reservation")
	ErrUnknownBackend     = errors.New("unknown tee-sheet backend")
)

// AuthKind names an authentication strategy.
type AuthKind string

// Supported authentication strategies.
const (
	AuthBearerToken   AuthKind = "bearer_token"
	AuthCookieSession AuthKind = "cookie_session"
	AuthURLParameter  AuthKind = "url_parameter"
)

// Credentials carries the secrets for one membership. Secret values never
// appear in logs, error payloads, or cache keys; only the kind is printable.
type Credentials struct {
	Kind    AuthKind
	Secrets map[string]string
}

// Secret returns a named secret value, or empty when absent.
func (c Credentials) Secret(name string) string {
	return c.Secrets[name]
}

// String renders the credentials with values redacted.
func (c Credentials) String() string {
	return fmt.Sprintf("credentials(%s, %d secrets)", c.Kind, len(c.Secrets))
}

// Club describes one golf club and the backend that runs its tee sheet.
type Club struct {
	ID           string
	Name         string
	Abbreviation string

	// Backend selects the adapter ("teemaster", "fairway", ...).
	Backend string

	// BaseURL is the tee-sheet listing endpoint.
	BaseURL string

	// RestBaseURL is the secondary REST API root, for backends that need a
	// second call to complete reservation data (optional).
	RestBaseURL string

	// ProductID scopes REST queries to this club's booking product (optional).
	ProductID string

	// Timezone is the IANA zone reservation times are local to, for backends
	// that report server-local times.
	Timezone string

	// Location is the course position, used for weather lookup.
	Location geo.Location
}

// Membership ties a user to a club with credentials for its backend.
type Membership struct {
	UserID      string
	Club        Club
	Credentials Credentials
}

// Player is one participant in a flight.
type Player struct {
	Name string

	// ClubAbbr is the player's home club abbreviation, when the backend
	// reports guests from other clubs.
	ClubAbbr *string

	// Handicap in the range -10 to 54, when reported.
	Handicap *float64
}

// Validate checks the player's handicap range.
func (p Player) Validate() error {
	if p.Handicap != nil && (*p.Handicap < -10 || *p.Handicap > 54) {
		return fmt.Errorf("%w: %.1f", ErrInvalidHandicap, *p.Handicap)
	}
	return nil
}

// Status is the reservation lifecycle state. Transitions are only observed
// from the backend, never authored here.
type Status string

// Reservation statuses.
const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Valid reports whether the status is one of the lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Reservation is a normalized tee-time booking. Times are UTC; LocalTZ is the
// zone wall-clock display should use.
type Reservation struct {
	// ID is stable across runs for the same booking, scoped by club.
	ID string

	ClubID     string
	ClubName   string
	CourseName string

	// Resource identifies the tee or course unit within the club (optional).
	Resource string

	StartUTC time.Time
	EndUTC   time.Time

	// LocalTZ is the IANA zone for wall-clock display (optional).
	LocalTZ string

	// BookerUserID identifies who made the booking.
	BookerUserID string

	Players []Player
	Status  Status

	// Raw is the provider's record as received, kept opaque for debugging.
	// It never feeds cache keys or logs.
	Raw json.RawMessage
}

// Validate checks reservation invariants: ordered times, one to four players,
// a known status, and player handicap ranges.
func (r Reservation) Validate() error {
	if r.ID == "" || r.ClubID == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidReservation)
	}
	if r.EndUTC.Before(r.StartUTC) {
		return fmt.Errorf("%w: end before start", ErrInvalidReservation)
	}
	if len(r.Players) == 0 {
		return fmt.Errorf("%w: no players", ErrInvalidReservation)
	}
	if len(r.Players) > 4 {
		return fmt.Errorf("%w: %d players in one flight", ErrInvalidReservation, len(r.Players))
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidReservation, r.Status)
	}
	for _, p := range r.Players {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidReservation, err)
		}
	}
	return nil
}

// Window returns the reservation's time span as a weather-style interval:
// start inclusive, end exclusive.
func (r Reservation) Window() (time.Time, time.Time) {
	return r.StartUTC, r.EndUTC
}
