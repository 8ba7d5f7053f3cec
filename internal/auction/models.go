package auction

import (
	"time"

	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/targets"

	"github.com/shopspring/decimal"
)

// Request is one auction for one call.
type Request struct {
	CampaignID    string
	CallID        string
	CallerID      string
	CallStartTime time.Time
	MinBid        decimal.Decimal
	MaxBid        decimal.Decimal
	Currency      string
	Custom        map[string]string
	// Deadline overrides the coordinator default when positive.
	Deadline time.Duration
}

// Result is derived from the responses and never stored as its own entity.
// Responses[i] belongs to Targets[i], in registry order.
type Result struct {
	RequestID   string
	Targets     []targets.BidTarget
	Responses   []bidding.BidResponse
	Ranked      []int
	Winner      int
	StartedAt   time.Time
	Elapsed     time.Duration
	DeadlineHit bool
}

// Winning returns the winning response and its target.
func (r Result) Winning() (bidding.BidResponse, targets.BidTarget, bool) {
	if r.Winner < 0 || r.Winner >= len(r.Responses) {
		return bidding.BidResponse{}, targets.BidTarget{}, false
	}
	return r.Responses[r.Winner], r.Targets[r.Winner], true
}

// Recorder receives auction observations. Implemented by internal/metrics.
type Recorder interface {
	ObserveAuction(campaignID string, elapsed time.Duration, targets int, deadlineHit, won bool)
	ObserveBid(outcome bidding.Outcome, latency time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAuction(string, time.Duration, int, bool, bool) {}
func (nopRecorder) ObserveBid(bidding.Outcome, time.Duration)             {}
