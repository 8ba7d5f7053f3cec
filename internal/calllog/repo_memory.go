package calllog

import (
	"context"
	"sync"
)

// MemoryRepo keeps records in process. Used in catalog mode and tests.
type MemoryRepo struct {
	mu        sync.Mutex
	events    map[string][]CallEvent
	decisions map[string][]RoutingDecision
	auctions  map[string][]AuctionDetail
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		events:    make(map[string][]CallEvent),
		decisions: make(map[string][]RoutingDecision),
		auctions:  make(map[string][]AuctionDetail),
	}
}

func (r *MemoryRepo) AppendEvent(_ context.Context, e CallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.CallID] = append(r.events[e.CallID], e)
	return nil
}

func (r *MemoryRepo) AppendDecision(_ context.Context, d RoutingDecision) (RoutingDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Sequence = len(r.decisions[d.CallID]) + 1
	r.decisions[d.CallID] = append(r.decisions[d.CallID], d)
	return d, nil
}

func (r *MemoryRepo) AppendAuction(_ context.Context, details []AuctionDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range details {
		r.auctions[d.CallID] = append(r.auctions[d.CallID], d)
	}
	return nil
}

func (r *MemoryRepo) Flow(_ context.Context, callID string) (CallFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CallFlow{
		CallID:    callID,
		Events:    append([]CallEvent(nil), r.events[callID]...),
		Decisions: append([]RoutingDecision(nil), r.decisions[callID]...),
		Auctions:  append([]AuctionDetail(nil), r.auctions[callID]...),
	}, nil
}
