package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/targets"
	"telecom-rtb/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var ErrRegistryUnavailable = errors.New("auction: target registry unavailable")

// TargetLister is the read side of the target registry.
type TargetLister interface {
	EligibleTargets(ctx context.Context, campaignID string, now time.Time) ([]targets.BidTarget, error)
}

// Bidder performs one bid call. *bidding.Client satisfies it.
type Bidder interface {
	Bid(ctx context.Context, t targets.BidTarget, req bidding.BidRequest, timeout time.Duration) bidding.BidResponse
	Timeout(t targets.BidTarget) time.Duration
}

type Coordinator struct {
	registry TargetLister
	bidder   Bidder
	clock    clock.Clock
	deadline time.Duration
	recorder Recorder
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option    { return func(c *Coordinator) { c.clock = clk } }
func WithRecorder(r Recorder) Option      { return func(c *Coordinator) { c.recorder = r } }
func WithDeadline(d time.Duration) Option { return func(c *Coordinator) { c.deadline = d } }

func NewCoordinator(registry TargetLister, bidder Bidder, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		bidder:   bidder,
		clock:    clock.New(),
		deadline: 2 * time.Second,
		recorder: nopRecorder{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// slab holds one slot per target. Workers write through store; once finalized,
// writes are dropped so a late answer cannot change the result.
type slab struct {
	mu        sync.Mutex
	responses []bidding.BidResponse
	filled    []bool
	pending   int
	finalized bool
	done      chan struct{}
}

func newSlab(n int) *slab {
	return &slab{
		responses: make([]bidding.BidResponse, n),
		filled:    make([]bool, n),
		pending:   n,
		done:      make(chan struct{}),
	}
}

func (s *slab) store(i int, r bidding.BidResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized || s.filled[i] {
		return false
	}
	s.responses[i] = r
	s.filled[i] = true
	s.pending--
	if s.pending == 0 {
		close(s.done)
	}
	return true
}

// finalize marks unfilled slots with fill and returns a copy of the slab.
func (s *slab) finalize(fill func(i int) bidding.BidResponse) []bidding.BidResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	for i := range s.responses {
		if !s.filled[i] {
			s.responses[i] = fill(i)
			s.filled[i] = true
		}
	}
	return append([]bidding.BidResponse(nil), s.responses...)
}

// Run fans the request out to every eligible target and picks a winner within the
// deadline. It only fails when the registry cannot be read.
func (c *Coordinator) Run(ctx context.Context, req Request) (Result, error) {
	start := c.clock.Now()
	deadline := c.deadline
	if req.Deadline > 0 && req.Deadline < deadline {
		deadline = req.Deadline
	}
	res := Result{RequestID: uuid.NewString(), Winner: -1, StartedAt: start}

	eligible, err := c.registry.EligibleTargets(ctx, req.CampaignID, start)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	res.Targets = eligible
	if len(eligible) == 0 {
		res.Elapsed = c.clock.Since(start)
		c.recorder.ObserveAuction(req.CampaignID, res.Elapsed, 0, false, false)
		return res, nil
	}

	bidReq := bidding.BidRequest{
		RequestID:     res.RequestID,
		CampaignID:    req.CampaignID,
		CallID:        req.CallID,
		CallerID:      req.CallerID,
		CallStartTime: req.CallStartTime,
		MinBid:        req.MinBid,
		MaxBid:        req.MaxBid,
		Currency:      req.Currency,
		Custom:        req.Custom,
	}

	auctionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSlab(len(eligible))
	for i, t := range eligible {
		go c.bidOne(auctionCtx, s, i, t, bidReq, start, deadline)
	}

	timer := c.clock.Timer(deadline - c.clock.Since(start))
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		res.DeadlineHit = true
	case <-ctx.Done():
		res.DeadlineHit = true
	}

	res.Responses = s.finalize(func(i int) bidding.BidResponse {
		return deadlineResponse(res.RequestID, eligible[i], c.clock.Since(start))
	})
	res.Ranked = Rank(res.Responses, bidding.Bounds{Min: req.MinBid, Max: req.MaxBid})
	if len(res.Ranked) > 0 {
		res.Winner = res.Ranked[0]
	}
	res.Elapsed = c.clock.Since(start)

	for _, r := range res.Responses {
		c.recorder.ObserveBid(r.Outcome, r.Latency)
	}
	c.recorder.ObserveAuction(req.CampaignID, res.Elapsed, len(eligible), res.DeadlineHit, res.Winner >= 0)

	logger.From(ctx).Debug("auction finished",
		slog.String("request_id", res.RequestID),
		slog.Int("targets", len(eligible)),
		slog.Int("accepted", len(res.Ranked)),
		slog.Bool("deadline_hit", res.DeadlineHit),
		slog.Int64("elapsed_ms", res.Elapsed.Milliseconds()),
	)
	return res, nil
}

func (c *Coordinator) bidOne(ctx context.Context, s *slab, i int, t targets.BidTarget, req bidding.BidRequest, start time.Time, deadline time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.From(ctx).Error("auction recovered panic from bidder",
				slog.String("target_id", t.ID),
				slog.String("request_id", req.RequestID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			s.store(i, bidding.BidResponse{
				RequestID: req.RequestID,
				TargetID:  t.ID,
				Priority:  t.Priority,
				Outcome:   bidding.OutcomeError,
				Reason:    bidding.ReasonPanic,
				Err:       fmt.Errorf("%w: panic: %v", bidding.ErrTargetUnreachable, r),
				Latency:   c.clock.Since(start),
			})
		}
	}()

	remaining := deadline - c.clock.Since(start)
	if remaining <= 0 {
		return
	}
	timeout := c.bidder.Timeout(t)
	if timeout <= 0 || timeout > remaining {
		timeout = remaining
	}

	resp := c.bidder.Bid(ctx, t, req, timeout)
	if c.clock.Since(start) > deadline {
		// Answers after the deadline are recorded as timeouts whatever they said.
		resp = lateResponse(resp)
	}
	s.store(i, resp)
}

func deadlineResponse(requestID string, t targets.BidTarget, elapsed time.Duration) bidding.BidResponse {
	return bidding.BidResponse{
		RequestID: requestID,
		TargetID:  t.ID,
		Priority:  t.Priority,
		Outcome:   bidding.OutcomeTimeout,
		Reason:    bidding.ReasonDeadline,
		Err:       bidding.ErrTargetTimeout,
		Latency:   elapsed,
	}
}

func lateResponse(r bidding.BidResponse) bidding.BidResponse {
	r.Outcome = bidding.OutcomeTimeout
	r.Reason = bidding.ReasonDeadline
	r.Err = bidding.ErrTargetTimeout
	r.Accepted = false
	return r
}
