package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoadDirection string

const (
	DirectionInbound  LoadDirection = "INBOUND"
	DirectionOutbound LoadDirection = "OUTBOUND"
)

type LoadStatus string

const (
	LoadStatusNew       LoadStatus = "NEW"
	LoadStatusApproved  LoadStatus = "APPROVED"
	LoadStatusInTransit LoadStatus = "IN_TRANSIT"
	LoadStatusArrived   LoadStatus = "ARRIVED"   // inbound only
	LoadStatusDelivered LoadStatus = "DELIVERED" // outbound only
	LoadStatusCompleted LoadStatus = "COMPLETED"
	LoadStatusCancelled LoadStatus = "CANCELLED"
	LoadStatusRejected  LoadStatus = "REJECTED"
)

func (s LoadStatus) Terminal() bool {
	switch s {
	case LoadStatusCompleted, LoadStatusCancelled, LoadStatusRejected:
		return true
	}
	return false
}

// TruckingLoad is one truck movement for a request. (RequestID, Direction,
// Sequence) is unique, which makes a retried create a fetch instead of a
// duplicate row.
type TruckingLoad struct {
	ID              string
	RequestID       string
	Direction       LoadDirection
	Sequence        int
	Status          LoadStatus
	PlannedQuantity decimal.Decimal
	ActualQuantity  *decimal.Decimal // set exactly once, at reconciliation
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// transitions is the legal lifecycle table. ARRIVED/DELIVERED are additionally
// gated by direction in CanTransition.
var transitions = map[LoadStatus][]LoadStatus{
	LoadStatusNew:       {LoadStatusApproved, LoadStatusRejected, LoadStatusCancelled},
	LoadStatusApproved:  {LoadStatusInTransit, LoadStatusCancelled},
	LoadStatusInTransit: {LoadStatusArrived, LoadStatusDelivered, LoadStatusCancelled},
	LoadStatusArrived:   {LoadStatusCompleted},
	LoadStatusDelivered: {LoadStatusCompleted},
}

// CanTransition reports whether the load may move to target from its current
// status, honoring direction: an inbound load arrives, an outbound load
// delivers. States are never skipped.
func (l TruckingLoad) CanTransition(target LoadStatus) bool {
	if target == LoadStatusArrived && l.Direction != DirectionInbound {
		return false
	}
	if target == LoadStatusDelivered && l.Direction != DirectionOutbound {
		return false
	}
	for _, next := range transitions[l.Status] {
		if next == target {
			return true
		}
	}
	return false
}

// Transition moves the load to target or fails with
// InvalidStateTransitionError naming the current and attempted state. It
// never inspects or mutates quantities.
func (l *TruckingLoad) Transition(target LoadStatus) error {
	if !l.CanTransition(target) {
		return &InvalidStateTransitionError{From: l.Status, To: target, Direction: l.Direction}
	}
	l.Status = target
	return nil
}
