package targets

import (
	"context"
	"sync"
	"time"
)

// Window buckets are UTC calendar periods.
func dayBucket(now time.Time) string   { return now.UTC().Format("20060102") }
func hourBucket(now time.Time) string  { return now.UTC().Format("2006010215") }
func monthBucket(now time.Time) string { return now.UTC().Format("200601") }

type windowCount struct {
	bucket string
	n      int
}

func (w *windowCount) at(bucket string) int {
	if w.bucket != bucket {
		return 0
	}
	return w.n
}

func (w *windowCount) incr(bucket string) {
	if w.bucket != bucket {
		w.bucket, w.n = bucket, 0
	}
	w.n++
}

type counter struct {
	mu         sync.Mutex
	concurrent int
	daily      windowCount
	hourly     windowCount
	monthly    windowCount
}

// MemoryCapacity keeps counters in process. Each Ref has its own lock so reserves
// on different destinations do not contend.
type MemoryCapacity struct {
	mu       sync.Mutex
	counters map[Ref]*counter
}

func NewMemoryCapacity() *MemoryCapacity {
	return &MemoryCapacity{counters: make(map[Ref]*counter)}
}

func (m *MemoryCapacity) counter(ref Ref) *counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[ref]
	if !ok {
		c = &counter{}
		m.counters[ref] = c
	}
	return c
}

func (m *MemoryCapacity) Usage(_ context.Context, ref Ref, now time.Time) (Usage, error) {
	c := m.counter(ref)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage(now), nil
}

func (c *counter) usage(now time.Time) Usage {
	return Usage{
		Concurrent: c.concurrent,
		Daily:      c.daily.at(dayBucket(now)),
		Hourly:     c.hourly.at(hourBucket(now)),
		Monthly:    c.monthly.at(monthBucket(now)),
	}
}

func (m *MemoryCapacity) Reserve(_ context.Context, ref Ref, caps Capacity, now time.Time) (bool, error) {
	c := m.counter(ref)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !caps.Allows(c.usage(now)) {
		return false, nil
	}
	c.concurrent++
	c.daily.incr(dayBucket(now))
	c.hourly.incr(hourBucket(now))
	c.monthly.incr(monthBucket(now))
	return true, nil
}

func (m *MemoryCapacity) Release(_ context.Context, ref Ref) error {
	c := m.counter(ref)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.concurrent > 0 {
		c.concurrent--
	}
	return nil
}
