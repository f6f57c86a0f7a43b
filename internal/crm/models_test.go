package crm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validReservation() Reservation {
	start := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	return Reservation{
		ID:         "b-1",
		ClubID:     "club-7",
		ClubName:   "Oslo Golfklubb",
		CourseName: "Main Course",
		StartUTC:   start,
		EndUTC:     start.Add(4 * time.Hour),
		Players:    []Player{{Name: "Alice Aam"}},
		Status:     StatusConfirmed,
	}
}

func TestReservationValidate(t *testing.T) {
	require.NoError(t, validReservation().Validate())
}

func TestReservationValidateRequiresPlayers(t *testing.T) {
	r := validReservation()
	r.Players = nil
	assert.ErrorIs(t, r.Validate(), ErrInvalidReservation)
}

func TestReservationValidateCapsFlightAtFour(t *testing.T) {
	r := validReservation()
	for _, name := range []string{"B", "C", "D", "E"} {
		r.Players = append(r.Players, Player{Name: name})
	}
	assert.ErrorIs(t, r.Validate(), ErrInvalidReservation)
}

func TestReservationValidateRejectsUnknownStatus(t *testing.T) {
	r := validReservation()
	r.Status = Status("waitlisted")
	assert.ErrorIs(t, r.Validate(), ErrInvalidReservation)
}

func TestReservationValidateAcceptsLifecycleStatuses(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted} {
		r := validReservation()
		r.Status = s
		assert.NoError(t, r.Validate(), "status %s", s)
	}
}

func TestReservationValidateOrderedTimes(t *testing.T) {
	r := validReservation()
	r.EndUTC = r.StartUTC.Add(-time.Hour)
	assert.ErrorIs(t, r.Validate(), ErrInvalidReservation)
}

func TestPlayerValidateHandicapRange(t *testing.T) {
	bad := 60.0
	r := validReservation()
	r.Players[0].Handicap = &bad
	err := r.Validate()
	assert.ErrorIs(t, err, ErrInvalidReservation)
	assert.Contains(t, err.Error(), "handicap out of range")
}
