package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter in Redis shared across replicas.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// NewRedisLimiter allows limit requests per key per window.
func NewRedisLimiter(client redis.Scripter, prefix string, limit int, window time.Duration) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: nil redis client")
	}
	if limit <= 0 {
		return nil, errors.New("ratelimit: limit must be positive")
	}
	if window <= 0 {
		window = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "custodian:rl"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}, nil
}

// NewRedisClient opens a client for addr. The caller closes it.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("ratelimit: redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{Allowed: true, Remaining: r.limit}, nil
	}
	result, err := redisAllowScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, r.window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	return decide(result, r.limit)
}

func decide(result any, limit int) (Decision, error) {
	values, ok := result.([]any)
	if !ok || len(values) < 2 {
		return Decision{}, errors.New("ratelimit: unexpected redis response")
	}
	current, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("ratelimit: invalid redis counter")
	}
	ttlMillis, _ := values[1].(int64)

	remaining := limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: current <= int64(limit), Remaining: remaining}
	if !d.Allowed && ttlMillis > 0 {
		d.RetryAfter = time.Duration(ttlMillis) * time.Millisecond
	}
	return d, nil
}
