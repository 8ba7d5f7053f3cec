package targets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCapacity(t *testing.T, concurrentTTL time.Duration) (*RedisCapacity, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisCapacity(rdb, concurrentTTL), mr
}

func TestRedisCapacity_ConcurrentReserveOneSlotLeft(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisCapacity(t, 0)
	ref := Ref{Kind: KindRTBTarget, ID: "t1"}
	caps := Capacity{MaxConcurrentCalls: 3}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		ok, err := store.Reserve(ctx, ref, caps, now)
		require.NoError(t, err)
		require.True(t, ok)
	}

	const racers = 30
	var wins, failures int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.Reserve(ctx, ref, caps, now)
			switch {
			case err != nil:
				atomic.AddInt32(&failures, 1)
			case ok:
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Zero(t, failures)
	assert.Equal(t, int32(1), wins)
	u, err := store.Usage(ctx, ref, now)
	require.NoError(t, err)
	assert.Equal(t, Usage{Concurrent: 3, Daily: 3, Hourly: 3, Monthly: 3}, u)
}

func TestRedisCapacity_ReleaseOnlyFreesConcurrent(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisCapacity(t, 0)
	ref := Ref{Kind: KindBuyer, ID: "b1"}
	caps := Capacity{MaxConcurrentCalls: 1, DailyCap: 2}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	ok, err := store.Reserve(ctx, ref, caps, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = store.Reserve(ctx, ref, caps, now)
	assert.False(t, ok, "concurrent cap")

	require.NoError(t, store.Release(ctx, ref))
	ok, _ = store.Reserve(ctx, ref, caps, now)
	require.True(t, ok)
	require.NoError(t, store.Release(ctx, ref))

	ok, _ = store.Reserve(ctx, ref, caps, now)
	assert.False(t, ok, "daily cap still counts released calls")

	u, err := store.Usage(ctx, ref, now)
	require.NoError(t, err)
	assert.Equal(t, Usage{Concurrent: 0, Daily: 2, Hourly: 2, Monthly: 2}, u)
}

func TestRedisCapacity_ReleaseNeverNegative(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisCapacity(t, 0)
	ref := Ref{Kind: KindBuyer, ID: "b1"}

	require.NoError(t, store.Release(ctx, ref))
	require.NoError(t, store.Release(ctx, ref))
	assert.False(t, mr.Exists("rtb:cap:buyer:b1:concurrent"))

	u, err := store.Usage(ctx, ref, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, u.Concurrent)
}

func TestRedisCapacity_CounterTTLs(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisCapacity(t, time.Hour)
	ref := Ref{Kind: KindRTBTarget, ID: "t1"}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	ok, err := store.Reserve(ctx, ref, Capacity{}, now)
	require.NoError(t, err)
	require.True(t, ok)

	keys := capacityKeys(ref, now)
	assert.Equal(t, time.Hour, mr.TTL(keys[0]))
	assert.Equal(t, 48*time.Hour, mr.TTL(keys[1]))
	assert.Equal(t, 2*time.Hour, mr.TTL(keys[2]))
	assert.Equal(t, 32*24*time.Hour, mr.TTL(keys[3]))

	// A crashed process never releases; the concurrent slot expires instead.
	mr.FastForward(time.Hour + time.Second)
	u, err := store.Usage(ctx, ref, now)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Concurrent)
	assert.Equal(t, 1, u.Daily)
}

func TestRedisCapacity_HourlyCapRollsOver(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisCapacity(t, 0)
	ref := Ref{Kind: KindBuyer, ID: "b1"}
	caps := Capacity{HourlyCap: 1}
	now := time.Date(2026, 10, 16, 12, 30, 0, 0, time.UTC)

	ok, _ := store.Reserve(ctx, ref, caps, now)
	require.True(t, ok)
	ok, _ = store.Reserve(ctx, ref, caps, now.Add(10*time.Minute))
	assert.False(t, ok)
	ok, err := store.Reserve(ctx, ref, caps, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "next hour bucket")
}
