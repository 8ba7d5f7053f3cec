package targets

import (
	"context"
	"sync"
)

// MemorySource serves targets and buyers from process memory (catalog mode, tests).
type MemorySource struct {
	mu      sync.RWMutex
	targets map[string][]BidTarget
	buyers  map[string][]Buyer
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		targets: make(map[string][]BidTarget),
		buyers:  make(map[string][]Buyer),
	}
}

func (s *MemorySource) PutTarget(t BidTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.targets[t.CampaignID]
	for i := range list {
		if list[i].ID == t.ID {
			list[i] = t
			return
		}
	}
	s.targets[t.CampaignID] = append(list, t)
}

func (s *MemorySource) PutBuyer(b Buyer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.buyers[b.CampaignID]
	for i := range list {
		if list[i].ID == b.ID {
			list[i] = b
			return
		}
	}
	s.buyers[b.CampaignID] = append(list, b)
}

func (s *MemorySource) Targets(_ context.Context, campaignID string) ([]BidTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BidTarget(nil), s.targets[campaignID]...), nil
}

func (s *MemorySource) Buyers(_ context.Context, campaignID string) ([]Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Buyer(nil), s.buyers[campaignID]...), nil
}
