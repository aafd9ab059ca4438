package sentinel

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// reserveScript performs the same atomic check-and-commit the teacher's
// redis token-bucket limiter (kernel.RedisLimiterStore) performs for rate
// limiting, adapted here to a monotonically increasing counter bounded by
// a hard cap rather than a refilling bucket.
//
// KEYS[1] = counter key
// ARGV[1] = delta to add
// ARGV[2] = cap
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])

local used = tonumber(redis.call("GET", key))
if not used then
    used = 0
end

local total = used + delta
if total > cap then
    return {0, used}
end

redis.call("SET", key, total)
return {1, total}
`)

// RedisGlobalCounter is a GlobalCounter for multi-process deployments
// (BUS_MODE=broker), where the sentinel's in-process mutex can no longer
// serve as the linearization point for the global hard cap.
type RedisGlobalCounter struct {
	client *redis.Client
	key    string
}

// NewRedisGlobalCounter returns a counter keyed on key, against a Redis
// client pointed at addr.
func NewRedisGlobalCounter(addr, password string, db int, key string) *RedisGlobalCounter {
	return &RedisGlobalCounter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		key:    key,
	}
}

func (c *RedisGlobalCounter) Reserve(delta, cap int64) (int64, bool, error) {
	ctx := context.Background()
	res, err := reserveScript.Run(ctx, c.client, []string{c.key}, delta, cap).Result()
	if err != nil {
		return 0, false, fmt.Errorf("sentinel: redis reserve: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, false, fmt.Errorf("sentinel: unexpected redis script result %v", res)
	}
	admitted, _ := results[0].(int64)
	total, _ := results[1].(int64)
	return total, admitted == 1, nil
}

func (c *RedisGlobalCounter) Release(delta int64) error {
	ctx := context.Background()
	return c.client.DecrBy(ctx, c.key, delta).Err()
}

func (c *RedisGlobalCounter) Used() (int64, error) {
	ctx := context.Background()
	v, err := c.client.Get(ctx, c.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

var _ GlobalCounter = (*RedisGlobalCounter)(nil)
