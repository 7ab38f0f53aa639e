package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPermissionDenied is returned when the caller's capability claim does not
// cover the attempted operation.
var ErrPermissionDenied = errors.New("permission denied")

// InsufficientCapacityError reports a shortfall. Required and Available carry
// the numbers the operator needs to pick different locations; it is never
// retried automatically.
type InsufficientCapacityError struct {
	LocationID string // empty when the shortfall is across the whole candidate set
	Required   decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientCapacityError) Error() string {
	if e.LocationID != "" {
		return fmt.Sprintf("insufficient capacity on location %s: required %s, available %s",
			e.LocationID, e.Required, e.Available)
	}
	return fmt.Sprintf("insufficient capacity: required %s, available %s", e.Required, e.Available)
}

// InvalidLocationError marks a caller bug: a candidate id that does not
// resolve, or a location that cannot serve the operation.
type InvalidLocationError struct {
	LocationID string
	Reason     string
}

func (e *InvalidLocationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid location %q", e.LocationID)
	}
	return fmt.Sprintf("invalid location %q: %s", e.LocationID, e.Reason)
}

// InvalidStateTransitionError names the current and attempted load state.
type InvalidStateTransitionError struct {
	From      LoadStatus
	To        LoadStatus
	Direction LoadDirection
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for %s load", e.From, e.To, e.Direction)
}

// InvalidStateError marks an operation against a request or load that is not
// in the expected starting status.
type InvalidStateError struct {
	Entity string // "request" or "load"
	ID     string
	Status string
	Want   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Entity, e.ID, e.Status, e.Want)
}

// NotFoundError reports an unresolvable request, load or location id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ReconciliationMismatchWarning is attached to a successful completion when
// actual and planned quantity differ by more than the configured tolerance.
// It never blocks completion; the actual quantity is what gets written.
type ReconciliationMismatchWarning struct {
	LoadID  string          `json:"load_id"`
	Planned decimal.Decimal `json:"planned"`
	Actual  decimal.Decimal `json:"actual"`
	Delta   decimal.Decimal `json:"delta"`
}

func (w ReconciliationMismatchWarning) String() string {
	return fmt.Sprintf("load %s: actual %s differs from planned %s by %s",
		w.LoadID, w.Actual, w.Planned, w.Delta)
}
