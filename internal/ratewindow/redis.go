package ratewindow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
)

// admitScript trims, counts and conditionally inserts in one round trip.
// Redis runs scripts atomically, which gives per-key serialization across
// every process sharing the instance.
var admitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if n >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// RedisStore keeps one sorted set per key, scored by unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. ttl should be at least the limiter window so
// idle keys expire on their own.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "bikenotify:ratewindow:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Admit(ctx context.Context, key string, cutoff, at time.Time, limit int) (bool, error) {
	member := strconv.FormatInt(at.UnixMilli(), 10) + "-" + ksuid.New().String()
	res, err := admitScript.Run(ctx, r.client, []string{r.key(key)},
		cutoff.UnixMilli(),
		at.UnixMilli(),
		limit,
		member,
		r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratewindow admit %q: %w", key, err)
	}
	return res == 1, nil
}

func (r *RedisStore) Count(ctx context.Context, key string, cutoff time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, r.key(key), strconv.FormatInt(cutoff.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratewindow count %q: %w", key, err)
	}
	return int(n), nil
}
