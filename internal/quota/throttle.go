package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Throttle bounds per-account hourly send rates across all workers.
// The check-and-increment runs as one Lua script so two workers racing
// on the same account cannot both squeeze past the limit.
type Throttle struct {
	redis  *redis.Client
	script *redis.Script
}

const throttleLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewThrottle creates a throttle backed by an existing Redis client.
func NewThrottle(client *redis.Client) *Throttle {
	return &Throttle{
		redis:  client,
		script: redis.NewScript(throttleLuaScript),
	}
}

// NewThrottleFromURL connects to Redis and verifies the connection.
func NewThrottleFromURL(redisURL string) (*Throttle, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewThrottle(client), nil
}

// Allow atomically checks and increments the account's hourly counter.
// When denied, waitTime is how long until the current window rolls over.
func (t *Throttle) Allow(ctx context.Context, accountID uuid.UUID, hourlyLimit int) (allowed bool, waitTime time.Duration, err error) {
	if hourlyLimit <= 0 {
		return true, 0, nil
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("throttle:account:%s:hour:%d", accountID, now.Unix()/3600)

	result, err := t.script.Run(ctx, t.redis,
		[]string{key},
		1,
		hourlyLimit,
		7200, // two hour TTL so a rolled-over window expires on its own
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("throttle check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	next := now.Truncate(time.Hour).Add(time.Hour)
	return false, next.Sub(now), nil
}

// Usage returns the account's current hourly counter.
func (t *Throttle) Usage(ctx context.Context, accountID uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	key := fmt.Sprintf("throttle:account:%s:hour:%d", accountID, now.Unix()/3600)
	val, err := t.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// Close closes the Redis connection.
func (t *Throttle) Close() error {
	return t.redis.Close()
}
