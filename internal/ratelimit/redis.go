package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared by every instance pointing at the same Redis.
type RedisStore struct {
	rc     redis.Scripter
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under "rl:".
func NewRedisStore(rc redis.Scripter) *RedisStore {
	return &RedisStore{rc: rc, prefix: "rl:"}
}

var fixedWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
local ttl = redis.call('PTTL', KEYS[1])
return {current, ttl}
`)

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	res, err := fixedWindow.Run(ctx, s.rc, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: redis: unexpected reply %v", res)
	}

	current, ttl := res[0], res[1]
	if current <= int64(limit) {
		return true, 0, nil
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return false, time.Duration(ttl) * time.Millisecond, nil
}
