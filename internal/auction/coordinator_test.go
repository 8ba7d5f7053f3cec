package auction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/targets"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRegistry struct {
	targets []targets.BidTarget
	err     error
}

func (r staticRegistry) EligibleTargets(context.Context, string, time.Time) ([]targets.BidTarget, error) {
	return r.targets, r.err
}

type plan struct {
	delay    time.Duration
	outcome  bidding.Outcome
	amount   string
	panicMsg string
}

type fakeBidder struct {
	plans map[string]plan
	calls int32
}

func (f *fakeBidder) Timeout(targets.BidTarget) time.Duration { return time.Second }

func (f *fakeBidder) Bid(ctx context.Context, t targets.BidTarget, req bidding.BidRequest, timeout time.Duration) bidding.BidResponse {
	atomic.AddInt32(&f.calls, 1)
	p := f.plans[t.ID]
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	start := time.Now()
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
	}
	r := bidding.BidResponse{
		RequestID: req.RequestID,
		TargetID:  t.ID,
		Priority:  t.Priority,
		Outcome:   p.outcome,
		Latency:   time.Since(start),
	}
	if p.amount != "" {
		r.BidAmount, r.HasBid = decimal.RequireFromString(p.amount), true
	}
	r.Accepted = p.outcome == bidding.OutcomeAccepted
	return r
}

type countingRecorder struct {
	mu       sync.Mutex
	auctions int
	bids     map[bidding.Outcome]int
}

func (c *countingRecorder) ObserveAuction(string, time.Duration, int, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auctions++
}

func (c *countingRecorder) ObserveBid(o bidding.Outcome, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bids == nil {
		c.bids = map[bidding.Outcome]int{}
	}
	c.bids[o]++
}

func auctionRequest() Request {
	return Request{
		CampaignID: "camp",
		CallID:     "CA1",
		MinBid:     decimal.RequireFromString("1.00"),
		MaxBid:     decimal.RequireFromString("20.00"),
		Currency:   "USD",
	}
}

func threeTargets() []targets.BidTarget {
	return []targets.BidTarget{
		{ID: "t-250", Priority: 1},
		{ID: "t-875", Priority: 1},
		{ID: "t-1250", Priority: 1},
	}
}

func TestRun_LateWinnerBecomesTimeout(t *testing.T) {
	bidder := &fakeBidder{plans: map[string]plan{
		"t-250":  {delay: 10 * time.Millisecond, outcome: bidding.OutcomeRejected, amount: "2.50"},
		"t-875":  {delay: 20 * time.Millisecond, outcome: bidding.OutcomeAccepted, amount: "8.75"},
		"t-1250": {delay: 250 * time.Millisecond, outcome: bidding.OutcomeAccepted, amount: "12.50"},
	}}
	rec := &countingRecorder{}
	c := NewCoordinator(staticRegistry{targets: threeTargets()}, bidder, WithDeadline(200*time.Millisecond), WithRecorder(rec))

	start := time.Now()
	res, err := c.Run(context.Background(), auctionRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	win, target, ok := res.Winning()
	require.True(t, ok)
	assert.Equal(t, "t-875", target.ID)
	assert.True(t, win.BidAmount.Equal(decimal.RequireFromString("8.75")))
	assert.True(t, res.DeadlineHit)

	require.Len(t, res.Responses, 3)
	assert.Equal(t, bidding.OutcomeRejected, res.Responses[0].Outcome)
	assert.Equal(t, bidding.OutcomeTimeout, res.Responses[2].Outcome)
	assert.Equal(t, bidding.ReasonDeadline, res.Responses[2].Reason)
	assert.True(t, errors.Is(res.Responses[2].Err, bidding.ErrTargetTimeout))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.auctions)
	assert.Equal(t, 1, rec.bids[bidding.OutcomeTimeout])
}

func TestRun_CompletesBeforeDeadlineWhenAllAnswer(t *testing.T) {
	bidder := &fakeBidder{plans: map[string]plan{
		"t-250":  {outcome: bidding.OutcomeAccepted, amount: "2.50"},
		"t-875":  {outcome: bidding.OutcomeAccepted, amount: "8.75"},
		"t-1250": {outcome: bidding.OutcomeError},
	}}
	c := NewCoordinator(staticRegistry{targets: threeTargets()}, bidder, WithDeadline(5*time.Second))

	start := time.Now()
	res, err := c.Run(context.Background(), auctionRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.DeadlineHit)
	assert.Equal(t, []int{1, 0}, res.Ranked)
}

func TestRun_BoundedByDeadlineForManyTargets(t *testing.T) {
	var list []targets.BidTarget
	plans := map[string]plan{}
	for i := 0; i < 40; i++ {
		id := "t" + string(rune('A'+i%26)) + string(rune('a'+i/26))
		list = append(list, targets.BidTarget{ID: id})
		plans[id] = plan{delay: time.Duration(i*10) * time.Millisecond, outcome: bidding.OutcomeAccepted, amount: "5"}
	}
	c := NewCoordinator(staticRegistry{targets: list}, &fakeBidder{plans: plans}, WithDeadline(100*time.Millisecond))

	start := time.Now()
	res, err := c.Run(context.Background(), auctionRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Len(t, res.Responses, 40)
}

func TestRun_ZeroEligibleTargets(t *testing.T) {
	bidder := &fakeBidder{}
	c := NewCoordinator(staticRegistry{}, bidder)

	res, err := c.Run(context.Background(), auctionRequest())
	require.NoError(t, err)
	assert.Equal(t, -1, res.Winner)
	assert.Empty(t, res.Responses)
	assert.Equal(t, int32(0), atomic.LoadInt32(&bidder.calls))
}

func TestRun_RegistryFailure(t *testing.T) {
	c := NewCoordinator(staticRegistry{err: errors.New("db down")}, &fakeBidder{})
	res, err := c.Run(context.Background(), auctionRequest())
	assert.True(t, errors.Is(err, ErrRegistryUnavailable))
	assert.Equal(t, -1, res.Winner)
}

func TestRun_RecoversBidderPanic(t *testing.T) {
	bidder := &fakeBidder{plans: map[string]plan{
		"t-250":  {panicMsg: "boom"},
		"t-875":  {outcome: bidding.OutcomeAccepted, amount: "8.75"},
		"t-1250": {outcome: bidding.OutcomeRejected},
	}}
	c := NewCoordinator(staticRegistry{targets: threeTargets()}, bidder, WithDeadline(time.Second))

	res, err := c.Run(context.Background(), auctionRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Winner)
	assert.Equal(t, bidding.OutcomeError, res.Responses[0].Outcome)
	assert.Equal(t, bidding.ReasonPanic, res.Responses[0].Reason)
}

func TestRun_OutOfBoundsAcceptedNeverWins(t *testing.T) {
	bidder := &fakeBidder{plans: map[string]plan{
		"t-250":  {outcome: bidding.OutcomeAccepted, amount: "99"},
		"t-875":  {outcome: bidding.OutcomeAccepted, amount: "0.10"},
		"t-1250": {outcome: bidding.OutcomeAccepted, amount: "3"},
	}}
	c := NewCoordinator(staticRegistry{targets: threeTargets()}, bidder, WithDeadline(time.Second))

	res, err := c.Run(context.Background(), auctionRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Winner)
	assert.Equal(t, []int{2}, res.Ranked)
}

func TestRun_CampaignDeadlineShortensDefault(t *testing.T) {
	bidder := &fakeBidder{plans: map[string]plan{
		"t-250": {delay: 300 * time.Millisecond, outcome: bidding.OutcomeAccepted, amount: "5"},
	}}
	c := NewCoordinator(staticRegistry{targets: []targets.BidTarget{{ID: "t-250"}}}, bidder, WithDeadline(5*time.Second))

	req := auctionRequest()
	req.Deadline = 50 * time.Millisecond
	start := time.Now()
	res, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, -1, res.Winner)
}
