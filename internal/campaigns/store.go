package campaigns

import (
	"context"
	"sync"
)

// Store resolves campaigns by id and by dialed number.
type Store interface {
	Get(ctx context.Context, id string) (Campaign, error)
	ByNumber(ctx context.Context, number string) (Campaign, error)
}

// MemoryStore keeps campaigns in process. Used in catalog mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]Campaign
	byNumber map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Campaign), byNumber: make(map[string]string)}
}

// Put validates and upserts c.
func (s *MemoryStore) Put(c Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[c.ID]; ok {
		for _, n := range prev.Numbers {
			delete(s.byNumber, NormalizeNumber(n))
		}
	}
	s.byID[c.ID] = c
	for _, n := range c.Numbers {
		s.byNumber[NormalizeNumber(n)] = c.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ByNumber(_ context.Context, number string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[NormalizeNumber(number)]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return s.byID[id], nil
}
