package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	availabilityKeyPrefix = "availability:"
	idempotencyKeyPrefix  = "idempotency:"

	idempotencyKeyTTL   = 24 * time.Hour
	availabilitySnapTTL = 5 * time.Minute
)

// RedisAdapter backs duplicate-call suppression and the availability
// snapshot the UI reads. Both are non-authoritative: the database re-decides
// everything inside its transaction.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
}

func (r *RedisAdapter) SetAvailability(ctx context.Context, locationID string, available decimal.Decimal) error {
	return r.client.Set(ctx, availabilityKeyPrefix+locationID, available.String(), availabilitySnapTTL).Err()
}

func (r *RedisAdapter) GetAvailability(ctx context.Context, locationID string) (decimal.Decimal, bool, error) {
	value, err := r.client.Get(ctx, availabilityKeyPrefix+locationID).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, false, err
	}
	return parsed, true, nil
}
