package targets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"telecom-rtb/pkg/utils"

	"github.com/redis/go-redis/v9"
)

var reserveScript = redis.NewScript(`
-- KEYS[1..4] = concurrent, daily, hourly, monthly counters
-- ARGV[1..4] = caps in the same order (0 = unlimited)
-- ARGV[5]    = concurrent key ttl seconds (leak guard)
-- ARGV[6..8] = daily, hourly, monthly ttl seconds
--
-- Returns 1 if every counter was incremented, 0 if any cap is full.
for i = 1, 4 do
  local cap = tonumber(ARGV[i])
  if cap > 0 then
    local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
    if cur >= cap then
      return 0
    end
  end
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
for i = 2, 4 do
  local n = redis.call('INCR', KEYS[i])
  if n == 1 then
    redis.call('EXPIRE', KEYS[i], ARGV[i + 4])
  end
end
return 1
`)

var releaseScript = redis.NewScript(`
-- KEYS[1] = concurrent counter; never goes below zero
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisCapacity keeps counters in Redis so every replica sees the same slots.
type RedisCapacity struct {
	rdb *redis.Client
	// concurrentTTL expires a concurrent counter nobody touched for that long,
	// so a crashed process cannot hold slots forever.
	concurrentTTL time.Duration
}

func NewRedisCapacity(rdb *redis.Client, concurrentTTL time.Duration) *RedisCapacity {
	if concurrentTTL <= 0 {
		concurrentTTL = 4 * time.Hour
	}
	return &RedisCapacity{rdb: rdb, concurrentTTL: concurrentTTL}
}

func capacityKeys(ref Ref, now time.Time) []string {
	return []string{
		utils.RedisKey("cap", string(ref.Kind), ref.ID, "concurrent"),
		utils.RedisKey("cap", string(ref.Kind), ref.ID, "d", dayBucket(now)),
		utils.RedisKey("cap", string(ref.Kind), ref.ID, "h", hourBucket(now)),
		utils.RedisKey("cap", string(ref.Kind), ref.ID, "m", monthBucket(now)),
	}
}

func (r *RedisCapacity) Usage(ctx context.Context, ref Ref, now time.Time) (Usage, error) {
	vals, err := r.rdb.MGet(ctx, capacityKeys(ref, now)...).Result()
	if err != nil {
		return Usage{}, err
	}
	n := make([]int, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		x, err := strconv.Atoi(s)
		if err != nil {
			return Usage{}, fmt.Errorf("capacity counter %d: %w", i, err)
		}
		n[i] = x
	}
	return Usage{Concurrent: n[0], Daily: n[1], Hourly: n[2], Monthly: n[3]}, nil
}

func (r *RedisCapacity) Reserve(ctx context.Context, ref Ref, caps Capacity, now time.Time) (bool, error) {
	if r.rdb == nil {
		return false, errors.New("redis client is nil")
	}
	res, err := reserveScript.Run(ctx, r.rdb, capacityKeys(ref, now),
		caps.MaxConcurrentCalls, caps.DailyCap, caps.HourlyCap, caps.MonthlyCap,
		int(r.concurrentTTL.Seconds()),
		int((48 * time.Hour).Seconds()),
		int((2 * time.Hour).Seconds()),
		int((32 * 24 * time.Hour).Seconds()),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *RedisCapacity) Release(ctx context.Context, ref Ref) error {
	if r.rdb == nil {
		return errors.New("redis client is nil")
	}
	key := utils.RedisKey("cap", string(ref.Kind), ref.ID, "concurrent")
	return releaseScript.Run(ctx, r.rdb, []string{key}).Err()
}
