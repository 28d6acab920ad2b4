package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript maintains a fixed window per key: the window start and
// counter live under the same hash tag so they land on the same cluster
// node and the script stays atomic.
const redisWindowScript = `
local window_key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])

local window_start = redis.call('GET', window_key)
if not window_start or (now - tonumber(window_start)) >= window_size then
    redis.call('SET', window_key, tostring(now))
    redis.call('SET', counter_key, 1)
    redis.call('EXPIRE', window_key, window_size)
    redis.call('EXPIRE', counter_key, window_size)
    return {tostring(now), 1}
end

local counter = redis.call('INCR', counter_key)
if redis.call('TTL', counter_key) == -1 then
    redis.call('EXPIRE', counter_key, window_size)
end
return {window_start, counter}
`

// RedisWindow is a distributed fixed-window Algorithm shared by every
// gateway node. Counting is atomic per key; cross-key ordering is not
// coordinated.
type RedisWindow struct {
	client redis.UniversalClient
	script *redis.Script
}

// NewRedisWindow creates the limiter over an existing client.
func NewRedisWindow(client redis.UniversalClient) *RedisWindow {
	return &RedisWindow{
		client: client,
		script: redis.NewScript(redisWindowScript),
	}
}

// Allow atomically counts the request against the key's current window.
func (r *RedisWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: false, RetryAfter: window}, nil
	}

	now := time.Now().Unix()
	windowSecs := int64(window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}

	tag := fmt.Sprintf("{modelgrid:rl:%s}", key)
	keys := []string{tag + ":window", tag + ":count"}

	val, err := r.script.Run(ctx, r.client, keys, now, windowSecs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	results, ok := val.([]interface{})
	if !ok || len(results) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %T", val)
	}

	windowStart := parseScriptInt(results[0])
	current := parseScriptInt(results[1])

	resetAt := time.Unix(windowStart+windowSecs, 0)
	remaining := int64(limit) - current
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   current <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = time.Until(resetAt)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

func parseScriptInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case float64:
		return int64(x)
	default:
		n, _ := strconv.ParseInt(fmt.Sprintf("%v", x), 10, 64)
		return n
	}
}
