package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InventoryStatus string

const (
	InventoryInStorage     InventoryStatus = "IN_STORAGE"
	InventoryPendingPickup InventoryStatus = "PENDING_PICKUP"
	InventoryPickedUp      InventoryStatus = "PICKED_UP"
)

// InventoryRecord is the durable record of material physically present or
// removed. Records are never deleted; pickup is a soft lifecycle step.
type InventoryRecord struct {
	ID              string
	TenantID        string
	LocationID      string
	Quantity        decimal.Decimal
	Status          InventoryStatus
	OriginLoadID    string  // inbound load that delivered the material
	RemovedByLoadID *string // stamped when pickup completes
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
