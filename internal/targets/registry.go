package targets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"telecom-rtb/pkg/logger"
)

// Source supplies configured targets and buyers. Implementations return every
// configured row for the campaign; eligibility is decided by the Registry.
type Source interface {
	Targets(ctx context.Context, campaignID string) ([]BidTarget, error)
	Buyers(ctx context.Context, campaignID string) ([]Buyer, error)
}

// CapacityStore holds the per-destination counters. Reserve must check and
// increment every window in one atomic step.
type CapacityStore interface {
	Usage(ctx context.Context, ref Ref, now time.Time) (Usage, error)
	Reserve(ctx context.Context, ref Ref, caps Capacity, now time.Time) (bool, error)
	Release(ctx context.Context, ref Ref) error
}

type Registry struct {
	source   Source
	capacity CapacityStore
}

func NewRegistry(source Source, capacity CapacityStore) *Registry {
	return &Registry{source: source, capacity: capacity}
}

// EligibleTargets returns the campaign's targets that are active, inside their
// business hours and under every cap, ordered by priority desc then id asc.
func (r *Registry) EligibleTargets(ctx context.Context, campaignID string, now time.Time) ([]BidTarget, error) {
	all, err := r.source.Targets(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}

	out := make([]BidTarget, 0, len(all))
	for _, t := range all {
		ok, err := r.admits(ctx, t.Ref(), t.Schedule, t.Capacity, now, true)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// EligibleBuyers applies the same rules as EligibleTargets to the campaign's buyers.
func (r *Registry) EligibleBuyers(ctx context.Context, campaignID string, now time.Time) ([]Buyer, error) {
	return r.buyers(ctx, campaignID, now, true)
}

// ActiveBuyers skips the capacity filter. Round-robin needs the stable slot list
// and checks capacity on reserve.
func (r *Registry) ActiveBuyers(ctx context.Context, campaignID string, now time.Time) ([]Buyer, error) {
	return r.buyers(ctx, campaignID, now, false)
}

func (r *Registry) buyers(ctx context.Context, campaignID string, now time.Time, checkCapacity bool) ([]Buyer, error) {
	all, err := r.source.Buyers(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load buyers: %w", err)
	}

	out := make([]Buyer, 0, len(all))
	for _, b := range all {
		ok, err := r.admits(ctx, b.Ref(), b.Schedule, b.Capacity, now, checkCapacity)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Registry) admits(ctx context.Context, ref Ref, s Schedule, caps Capacity, now time.Time, checkCapacity bool) (bool, error) {
	open, err := s.OpenAt(now)
	if err != nil {
		// A broken schedule takes only this destination out of rotation.
		logger.From(ctx).Warn("targets: skipping destination with invalid schedule",
			slog.String("ref", ref.String()),
			slog.String("err", err.Error()),
		)
		return false, nil
	}
	if !open {
		return false, nil
	}
	if !checkCapacity {
		return true, nil
	}
	u, err := r.capacity.Usage(ctx, ref, now)
	if err != nil {
		return false, fmt.Errorf("capacity usage %s: %w", ref, err)
	}
	return caps.Allows(u), nil
}

// Reserve takes one slot on every counter for ref, or none if any cap is full.
func (r *Registry) Reserve(ctx context.Context, ref Ref, caps Capacity, now time.Time) (bool, error) {
	return r.capacity.Reserve(ctx, ref, caps, now)
}

// Release returns the concurrent slot. Window counters are not decremented.
func (r *Registry) Release(ctx context.Context, ref Ref) error {
	return r.capacity.Release(ctx, ref)
}
