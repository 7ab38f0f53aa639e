package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AllocationMode string

const (
	// ModeLinear holds a continuous quantity (joints, linear meters).
	ModeLinear AllocationMode = "LINEAR"
	// ModeSlot is a discrete binary position: capacity 1, occupied 0 or 1.
	ModeSlot AllocationMode = "SLOT"
)

type StorageLocation struct {
	ID        string
	Name      string
	Mode      AllocationMode
	Capacity  decimal.Decimal
	Occupied  decimal.Decimal
	Version   int // bumped on every occupancy change
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (l StorageLocation) Available() decimal.Decimal {
	return l.Capacity.Sub(l.Occupied)
}

// Utilization returns occupied/capacity, or zero for a zero-capacity row.
func (l StorageLocation) Utilization() decimal.Decimal {
	if l.Capacity.IsZero() {
		return decimal.Zero
	}
	return l.Occupied.Div(l.Capacity)
}

// Allocation is one leg of an allocator split: how much of a request's
// quantity was reserved on a single location.
type Allocation struct {
	LocationID string          `json:"location_id"`
	Amount     decimal.Decimal `json:"amount"`
}
