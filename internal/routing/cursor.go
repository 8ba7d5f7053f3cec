package routing

import (
	"context"
	"fmt"
	"sync"

	"telecom-rtb/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// CursorStore holds the per-campaign round-robin cursor.
//
// Pick scans eligible starting at the cursor, wrapping once, and returns the
// first eligible slot. The cursor moves to the slot after the pick in the same
// atomic step, so skipped slots are passed over. ok is false when no slot is
// eligible; the cursor is then left unchanged.
type CursorStore interface {
	Pick(ctx context.Context, campaignID string, eligible []bool) (slot int, ok bool, err error)
}

func pickFrom(cursor int, eligible []bool) (int, bool) {
	n := len(eligible)
	if n == 0 {
		return 0, false
	}
	cursor = ((cursor % n) + n) % n
	for i := 0; i < n; i++ {
		slot := (cursor + i) % n
		if eligible[slot] {
			return slot, true
		}
	}
	return 0, false
}

type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[string]int
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]int)}
}

func (m *MemoryCursors) Pick(_ context.Context, campaignID string, eligible []bool) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := pickFrom(m.cursors[campaignID], eligible)
	if ok {
		m.cursors[campaignID] = (slot + 1) % len(eligible)
	}
	return slot, ok, nil
}

// pickScript mirrors pickFrom. ARGV[1] is a string of '1'/'0' eligibility flags.
// Returns the 0-based slot or -1.
var pickScript = redis.NewScript(`
local flags = ARGV[1]
local n = string.len(flags)
if n == 0 then
  return -1
end
local cur = tonumber(redis.call("GET", KEYS[1]) or "0") % n
for i = 0, n - 1 do
  local slot = (cur + i) % n
  if string.sub(flags, slot + 1, slot + 1) == "1" then
    redis.call("SET", KEYS[1], (slot + 1) % n)
    return slot
  end
end
return -1
`)

type RedisCursors struct {
	rdb *redis.Client
}

func NewRedisCursors(rdb *redis.Client) *RedisCursors {
	return &RedisCursors{rdb: rdb}
}

func cursorKey(campaignID string) string { return utils.RedisKey("rr", campaignID) }

func encodeFlags(eligible []bool) string {
	b := make([]byte, len(eligible))
	for i, e := range eligible {
		b[i] = '0'
		if e {
			b[i] = '1'
		}
	}
	return string(b)
}

func (r *RedisCursors) Pick(ctx context.Context, campaignID string, eligible []bool) (int, bool, error) {
	slot, err := pickScript.Run(ctx, r.rdb, []string{cursorKey(campaignID)}, encodeFlags(eligible)).Int()
	if err != nil {
		return 0, false, fmt.Errorf("routing: round-robin cursor: %w", err)
	}
	if slot < 0 {
		return 0, false, nil
	}
	return slot, true, nil
}
