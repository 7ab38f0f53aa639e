package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestStatusPending         RequestStatus = "PENDING"
	RequestStatusApproved        RequestStatus = "APPROVED"
	RequestStatusPickupRequested RequestStatus = "PICKUP_REQUESTED"
	RequestStatusComplete        RequestStatus = "COMPLETE"
	RequestStatusRejected        RequestStatus = "REJECTED"
)

// Terminal reports whether the status permits no further mutation.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusComplete || s == RequestStatusRejected
}

type StorageRequest struct {
	ID         string
	TenantID   string
	Quantity   decimal.Decimal
	Status     RequestStatus
	ApprovedBy string
	ApprovedAt *time.Time
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Actor is the capability claim supplied by the caller. The engine never
// consults configuration or environment to decide authorization.
type Actor struct {
	ID   string
	Role Role
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleTenant Role = "tenant"
)
