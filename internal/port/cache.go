package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
)

// CacheRepository backs the fast, non-authoritative paths: duplicate-call
// suppression and the availability snapshot served to the UI read path. The
// database remains the source of truth for both.
type CacheRepository interface {
	// SetIdempotency sets a key for duplicate detection, returns false if
	// it already exists.
	SetIdempotency(ctx context.Context, key string) (bool, error)

	SetAvailability(ctx context.Context, locationID string, available decimal.Decimal) error

	// GetAvailability returns (value, true) on a hit and (zero, false) on
	// a miss.
	GetAvailability(ctx context.Context, locationID string) (decimal.Decimal, bool, error)
}

// Notifier delivers one outbox entry. Real delivery (email, Slack) lives
// outside this engine; cmd/server wires a log-backed implementation.
type Notifier interface {
	Deliver(ctx context.Context, n domain.NotificationRecord) error
}
