package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript runs the whole sliding-window step atomically: prune
// expired members, admit under the limit, refresh the key TTL, and
// report the surviving oldest score. Scores and ARGV times are epoch
// milliseconds; members are unique per admission so same-millisecond
// admissions never collapse.
var admitScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[4])
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
  count = count + 1
  allowed = 1
end
local oldest = 0
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// Redis is the shared backend: one ZSET per key, scored by admission
// time.
type Redis struct {
	client    redis.UniversalClient
	newMember func() string
}

// NewRedis returns a backend over client. The client's lifecycle
// belongs to the caller.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, newMember: uuid.NewString}
}

// Admit implements Backend.
func (r *Redis) Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, r.newMember())

	v, err := admitScript.Run(ctx, r.client, []string{key},
		nowMs, window.Milliseconds(), limit, member).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: admit %s: %w", key, err)
	}
	vals, ok := v.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected admit reply %T", v)
	}
	allowed, ok1 := vals[0].(int64)
	count, ok2 := vals[1].(int64)
	oldest, ok3 := vals[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected admit reply %v", vals)
	}

	dec := Decision{Allowed: allowed == 1, Count: int(count)}
	if oldest > 0 {
		dec.Oldest = time.UnixMilli(oldest).UTC()
	}
	return dec, nil
}
