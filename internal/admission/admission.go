// Package admission holds the capacity and state-machine rules shared by
// course-cycle enrollment and placement-exam registration. Everything here
// is pure: persistence and locking stay with the repositories, so the rules
// can be tested without a database.
package admission

import (
	"time"

	"github.com/langcenter/enrollment-api/internal/models"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

// SeatHolding reports whether a status counts against offering capacity.
func SeatHolding(status models.RequestStatus) bool {
	return status == models.StatusSubmitted || status == models.StatusAccepted
}

// Released reports whether a status has given its seat back and the row is
// eligible for rehydration.
func Released(status models.RequestStatus) bool {
	return status == models.StatusRejected || status == models.StatusCancelled
}

// transitions enumerates every legal edge of the request state machine.
var transitions = map[models.RequestStatus][]models.RequestStatus{
	models.StatusSubmitted: {models.StatusAccepted, models.StatusRejected, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusCancelled},
	models.StatusRejected:  {models.StatusSubmitted, models.StatusCancelled},
	models.StatusCancelled: {models.StatusSubmitted},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Available computes free seats, never negative.
func Available(capacityTotal, occupied int) int {
	free := capacityTotal - occupied
	if free < 0 {
		return 0
	}
	return free
}

// WindowOpen checks the inclusive admission window against the given day.
// Nil bounds on both sides mean the offering admits at any date.
func WindowOpen(start, end *time.Time, today time.Time) bool {
	day := truncateToDay(today)
	if start != nil && day.Before(truncateToDay(*start)) {
		return false
	}
	if end != nil && day.After(truncateToDay(*end)) {
		return false
	}
	return true
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Action is the outcome of the submission gate.
type Action int

const (
	// ActionCreate inserts a brand-new request row.
	ActionCreate Action = iota
	// ActionRehydrate reuses the applicant's released row in place,
	// preserving its id and audit trail.
	ActionRehydrate
)

// Prior describes the applicant's existing request for the pair, if any.
type Prior struct {
	Found  bool
	Status models.RequestStatus
}

// Decide runs the in-lock submission gate: duplicate check first, then the
// capacity check. occupied must be read under the offering lock or the
// decision is unsound.
func Decide(prior Prior, capacityTotal, occupied int) (Action, error) {
	if prior.Found && SeatHolding(prior.Status) {
		return 0, appErrors.ErrDuplicateRequest
	}
	if Available(capacityTotal, occupied) <= 0 {
		return 0, appErrors.ErrNoCapacity
	}
	if prior.Found {
		return ActionRehydrate, nil
	}
	return ActionCreate, nil
}
