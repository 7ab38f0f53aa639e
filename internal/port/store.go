package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
)

// Tx is the mutation surface available inside a transaction. Every method
// operates under the transaction's isolation; reads that precede writes lock
// the rows they return.
type Tx interface {
	// GetLocationsForUpdate fetches and locks the given locations. Missing
	// ids are simply absent from the result; the caller decides whether
	// that is an error.
	GetLocationsForUpdate(ctx context.Context, ids []string) ([]domain.StorageLocation, error)

	// ReserveCapacity re-validates available capacity at the moment of
	// write and increases occupied, or fails with
	// *domain.InsufficientCapacityError / *domain.InvalidLocationError.
	ReserveCapacity(ctx context.Context, locationID string, amount decimal.Decimal) error

	// ReleaseCapacity decreases occupied, clamping is an error: releasing
	// more than occupied fails.
	ReleaseCapacity(ctx context.Context, locationID string, amount decimal.Decimal) error

	CreateRequest(ctx context.Context, req domain.StorageRequest) error
	GetRequestForUpdate(ctx context.Context, id string) (*domain.StorageRequest, error)
	UpdateRequest(ctx context.Context, req domain.StorageRequest) error

	// SaveAllocations persists the allocator's split for a request, in
	// allocator order.
	SaveAllocations(ctx context.Context, requestID string, allocs []domain.Allocation) error
	GetAllocations(ctx context.Context, requestID string) ([]domain.Allocation, error)

	// CreateLoad inserts a load. If (request, direction, sequence) already
	// exists the existing load is returned instead, making retried
	// creation idempotent.
	CreateLoad(ctx context.Context, load domain.TruckingLoad) (domain.TruckingLoad, error)
	GetLoadForUpdate(ctx context.Context, id string) (*domain.TruckingLoad, error)
	ListLoadsByRequest(ctx context.Context, requestID string) ([]domain.TruckingLoad, error)
	UpdateLoad(ctx context.Context, load domain.TruckingLoad) error

	CreateInventory(ctx context.Context, rec domain.InventoryRecord) error
	UpdateInventory(ctx context.Context, rec domain.InventoryRecord) error
	ListInventoryByOriginLoad(ctx context.Context, loadID string) ([]domain.InventoryRecord, error)
	ListInventoryByRemovingLoad(ctx context.Context, loadID string) ([]domain.InventoryRecord, error)
	// ListInventoryByRequest returns records whose origin load belongs to
	// the request, optionally filtered by status.
	ListInventoryByRequest(ctx context.Context, requestID string, statuses ...domain.InventoryStatus) ([]domain.InventoryRecord, error)

	AppendNotification(ctx context.Context, n domain.NotificationRecord) error
}

// Store is the persistence port. WithinTx runs fn inside one database-level
// transaction: everything commits or nothing does.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetRequest(ctx context.Context, id string) (*domain.StorageRequest, error)
	GetLoad(ctx context.Context, id string) (*domain.TruckingLoad, error)
	GetLocation(ctx context.Context, id string) (*domain.StorageLocation, error)
	ListLocations(ctx context.Context) ([]domain.StorageLocation, error)

	ListUnprocessedNotifications(ctx context.Context, limit int) ([]domain.NotificationRecord, error)
	MarkNotificationProcessed(ctx context.Context, id string) error
}
