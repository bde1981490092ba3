package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix = "stock:"
	idempotencyTTL = 24 * time.Hour
)

var decrementStockScript = redis.NewScript(`
local key = KEYS[1]
local qty = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return 0
end

current = tonumber(current)
if current >= qty then
	redis.call('DECRBY', key, qty)
	return 1
end

return 0
`)

// RedisAdapter holds the hot stock counters and idempotency claims. The
// decrement runs as a Lua script so the check and the DECRBY are one
// atomic operation per medicine key.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) DecrementStock(ctx context.Context, medicineID string, qty int) (bool, error) {
	key := stockKeyPrefix + medicineID

	result, err := decrementStockScript.Run(ctx, r.client, []string{key}, qty).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) IncrementStock(ctx context.Context, medicineID string, qty int) error {
	key := stockKeyPrefix + medicineID
	return r.client.IncrBy(ctx, key, int64(qty)).Err()
}

func (r *RedisAdapter) SetStock(ctx context.Context, medicineID string, qty int) error {
	key := stockKeyPrefix + medicineID
	return r.client.Set(ctx, key, qty, 0).Err()
}

func (r *RedisAdapter) ClaimIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
