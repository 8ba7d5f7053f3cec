package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"telecom-rtb/pkg/utils"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidAssignment = errors.New("calls: invalid assignment")
	ErrAssignmentExists  = errors.New("calls: assignment exists")
)

// AssignmentStore remembers which destination each live call holds.
type AssignmentStore interface {
	// Put stores a and fails with ErrAssignmentExists when the call already
	// holds an assignment. The stored assignment is left untouched.
	Put(ctx context.Context, a Assignment) error
	Get(ctx context.Context, callID string) (a Assignment, ok bool, err error)
	// Take removes and returns the assignment for callID. ok is false when the
	// call holds nothing, including when it was already taken.
	Take(ctx context.Context, callID string) (a Assignment, ok bool, err error)
}

func validate(a Assignment) error {
	if a.CallID == "" || a.Ref.ID == "" || a.Ref.Kind == "" {
		return ErrInvalidAssignment
	}
	return nil
}

type MemoryAssignments struct {
	mu    sync.Mutex
	items map[string]Assignment
}

func NewMemoryAssignments() *MemoryAssignments {
	return &MemoryAssignments{items: make(map[string]Assignment)}
}

func (m *MemoryAssignments) Put(_ context.Context, a Assignment) error {
	if err := validate(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.CallID]; ok {
		return ErrAssignmentExists
	}
	m.items[a.CallID] = a
	return nil
}

func (m *MemoryAssignments) Get(_ context.Context, callID string) (Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[callID]
	return a, ok, nil
}

func (m *MemoryAssignments) Take(_ context.Context, callID string) (Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[callID]
	delete(m.items, callID)
	return a, ok, nil
}

// DefaultAssignmentTTL bounds how long an assignment survives a lost status
// callback. It matches the concurrent counter TTL in targets.RedisCapacity.
const DefaultAssignmentTTL = 4 * time.Hour

// RedisAssignments stores assignments as JSON under rtb:assign:<call_id>.
// Put uses SET NX so a retried webhook cannot replace a live assignment.
// Take uses GETDEL so two status callbacks cannot release the same call twice.
type RedisAssignments struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisAssignments(rdb *redis.Client, ttl time.Duration) *RedisAssignments {
	if ttl <= 0 {
		ttl = DefaultAssignmentTTL
	}
	return &RedisAssignments{rdb: rdb, ttl: ttl}
}

func assignmentKey(callID string) string { return utils.RedisKey("assign", callID) }

func (r *RedisAssignments) Put(ctx context.Context, a Assignment) error {
	if err := validate(a); err != nil {
		return err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	stored, err := r.rdb.SetNX(ctx, assignmentKey(a.CallID), b, r.ttl).Result()
	if err != nil {
		return err
	}
	if !stored {
		return ErrAssignmentExists
	}
	return nil
}

func (r *RedisAssignments) Get(ctx context.Context, callID string) (Assignment, bool, error) {
	return decodeAssignment(callID, r.rdb.Get(ctx, assignmentKey(callID)))
}

func (r *RedisAssignments) Take(ctx context.Context, callID string) (Assignment, bool, error) {
	return decodeAssignment(callID, r.rdb.GetDel(ctx, assignmentKey(callID)))
}

func decodeAssignment(callID string, cmd *redis.StringCmd) (Assignment, bool, error) {
	b, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, err
	}
	var a Assignment
	if err := json.Unmarshal(b, &a); err != nil {
		return Assignment{}, false, fmt.Errorf("calls: decode assignment %s: %w", callID, err)
	}
	return a, true, nil
}
