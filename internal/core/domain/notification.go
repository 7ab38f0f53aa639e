package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type NotificationType string

const (
	NotificationRequestApproved NotificationType = "request_approved"
	NotificationRequestRejected NotificationType = "request_rejected"
	NotificationPickupRequested NotificationType = "pickup_requested"
	NotificationLoadCompleted   NotificationType = "load_completed"
)

// NotificationPayload is a closed set: one concrete type per notification
// type, so the outbox consumer and the engine agree on shape at compile time.
type NotificationPayload interface {
	NotificationType() NotificationType
}

type RequestApprovedPayload struct {
	TenantID    string          `json:"tenant_id"`
	RequestID   string          `json:"request_id"`
	Assignments []Allocation    `json:"assignments"`
	Quantity    decimal.Decimal `json:"quantity"`
}

func (RequestApprovedPayload) NotificationType() NotificationType { return NotificationRequestApproved }

type RequestRejectedPayload struct {
	TenantID  string `json:"tenant_id"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

func (RequestRejectedPayload) NotificationType() NotificationType { return NotificationRequestRejected }

type PickupRequestedPayload struct {
	TenantID  string          `json:"tenant_id"`
	RequestID string          `json:"request_id"`
	LoadID    string          `json:"load_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

func (PickupRequestedPayload) NotificationType() NotificationType { return NotificationPickupRequested }

type LoadCompletedPayload struct {
	TenantID  string          `json:"tenant_id"`
	RequestID string          `json:"request_id"`
	LoadID    string          `json:"load_id"`
	Direction LoadDirection   `json:"direction"`
	Quantity  decimal.Decimal `json:"quantity"`
	Delta     decimal.Decimal `json:"delta"`
}

func (LoadCompletedPayload) NotificationType() NotificationType { return NotificationLoadCompleted }

// NotificationRecord is an outbox entry: written in the same transaction as
// the business mutation, consumed by an external delivery worker that only
// ever flips Processed.
type NotificationRecord struct {
	ID        string
	Type      NotificationType
	Payload   NotificationPayload
	Processed bool
	CreatedAt time.Time
}

func EncodePayload(p NotificationPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload rebuilds the concrete payload for a stored notification.
func DecodePayload(t NotificationType, raw []byte) (NotificationPayload, error) {
	var p NotificationPayload
	switch t {
	case NotificationRequestApproved:
		p = &RequestApprovedPayload{}
	case NotificationRequestRejected:
		p = &RequestRejectedPayload{}
	case NotificationPickupRequested:
		p = &PickupRequestedPayload{}
	case NotificationLoadCompleted:
		p = &LoadCompletedPayload{}
	default:
		return nil, fmt.Errorf("unknown notification type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
