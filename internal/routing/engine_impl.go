package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"telecom-rtb/internal/auction"
	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/calls"
	"telecom-rtb/internal/campaigns"
	"telecom-rtb/internal/targets"
	"telecom-rtb/internal/telephony"
	"telecom-rtb/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

// RoutingEngine decides the destination of one inbound call.
//
// Order:
//  1. Admin override
//  2. Campaign strategy (RTB auction or static selection)
//  3. Static fallback when the auction produced nothing and the campaign allows it
//
// Every state transition is written to the call log. Log failures never change
// the routing outcome.
type RoutingEngine struct {
	Overrides *AdminOverrideEngine

	Campaigns   CampaignLookup
	Registry    Registry
	Auctions    Auctioneer
	Log         DecisionLog
	Assignments calls.AssignmentStore
	Cursors     CursorStore
	Metrics     Recorder
	Clock       clock.Clock

	// Budget bounds one Route call end to end when positive.
	Budget time.Duration
}

// CampaignLookup is satisfied by *CampaignCache and by any campaigns.Store.
type CampaignLookup interface {
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
	ByNumber(ctx context.Context, number string) (campaigns.Campaign, error)
}

// Registry is the slice of *targets.Registry the engine needs.
type Registry interface {
	EligibleBuyers(ctx context.Context, campaignID string, now time.Time) ([]targets.Buyer, error)
	ActiveBuyers(ctx context.Context, campaignID string, now time.Time) ([]targets.Buyer, error)
	Reserve(ctx context.Context, ref targets.Ref, caps targets.Capacity, now time.Time) (bool, error)
	Release(ctx context.Context, ref targets.Ref) error
}

type Auctioneer interface {
	Run(ctx context.Context, req auction.Request) (auction.Result, error)
}

// DecisionLog is implemented by *calllog.Service.
type DecisionLog interface {
	RecordEvent(ctx context.Context, e calllog.CallEvent) error
	RecordDecision(ctx context.Context, d calllog.RoutingDecision) (calllog.RoutingDecision, error)
	RecordAuction(ctx context.Context, callID, campaignID string, res auction.Result) error
	RecordSummary(ctx context.Context, sum calllog.Summary) error
}

// Recorder receives one observation per routed call. Implemented by internal/metrics.
type Recorder interface {
	ObserveRoute(strategy string, state State, reason string, elapsed time.Duration)
	ObserveRelease(kind targets.Kind)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRoute(string, State, string, time.Duration) {}
func (nopRecorder) ObserveRelease(targets.Kind)                       {}

type RouteInput struct {
	WorkspaceID string
	CampaignID  string
	CallID      string
	CallerID    string
	Dialed      string
	StartedAt   time.Time

	// Custom fields are passed to bid request templates.
	Custom map[string]string

	Inbound telephony.InboundCallRequest
}

func NewRoutingEngine(campaignLookup CampaignLookup, registry Registry, auctions Auctioneer, log DecisionLog, assignments calls.AssignmentStore) *RoutingEngine {
	return &RoutingEngine{
		Campaigns:   campaignLookup,
		Registry:    registry,
		Auctions:    auctions,
		Log:         log,
		Assignments: assignments,
		Cursors:     NewMemoryCursors(),
		Metrics:     nopRecorder{},
		Clock:       clock.New(),
	}
}

func (e *RoutingEngine) Route(ctx context.Context, in RouteInput) (Decision, error) {
	if in.WorkspaceID == "" {
		return Decision{}, errors.New("routing: workspace_id required")
	}
	if in.CallID == "" {
		return Decision{}, errors.New("routing: call_id required")
	}
	if e.Campaigns == nil || e.Registry == nil {
		return Decision{}, errors.New("routing: engine not configured")
	}
	if e.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Budget)
		defer cancel()
	}
	ctx = logger.WithCall(ctx, in.CallID, in.CampaignID)

	r := &route{e: e, in: in, start: e.clock().Now()}
	if prev, ok := e.existing(ctx, in.CallID); ok {
		// Provider retry of a call that already holds a slot.
		return r.replayed(ctx, prev), nil
	}
	r.record(ctx, StateReceived, calllog.RoutingDecision{Outcome: calllog.OutcomeSelected, Reason: ReasonInbound})

	if e.Overrides != nil {
		d, applied, err := e.Overrides.Decide(ctx, in.WorkspaceID, in.CampaignID, in.Inbound)
		if err != nil {
			logger.From(ctx).Warn("routing override lookup failed", slog.String("err", err.Error()))
		}
		if applied {
			r.strategy = "override"
			r.record(ctx, StateAssigned, calllog.RoutingDecision{Outcome: calllog.OutcomeSelected, TargetType: calllog.TargetExternal})
			return r.finish(ctx, d), nil
		}
	}

	camp, err := e.Campaigns.Get(ctx, in.CampaignID)
	switch {
	case errors.Is(err, campaigns.ErrNotFound):
		return r.exhausted(ctx, ReasonCampaignNotFound, ErrNoEligibleTargets), nil
	case err != nil:
		logger.From(ctx).Error("routing campaign lookup failed", slog.String("err", err.Error()))
		return r.exhausted(ctx, ReasonCampaignError, ErrNoEligibleTargets), nil
	case camp.WorkspaceID != in.WorkspaceID:
		return r.exhausted(ctx, ReasonCampaignNotFound, ErrNoEligibleTargets), nil
	case !camp.Active:
		return r.exhausted(ctx, ReasonCampaignInactive, ErrNoEligibleTargets), nil
	}
	r.campaign = camp

	r.strategy = string(camp.RoutingType)
	if camp.RTBEnabled {
		r.strategy = ReasonStrategyRTB
	}
	r.record(ctx, StateStrategySelected, calllog.RoutingDecision{Outcome: calllog.OutcomeSelected, Reason: r.strategy})

	if camp.RTBEnabled {
		if d, ok := r.runAuction(ctx); ok {
			return d, nil
		}
		if !camp.StaticFallback {
			if r.auctionEmpty {
				return r.exhausted(ctx, ReasonNoEligibleTargets, ErrNoEligibleTargets), nil
			}
			return r.exhausted(ctx, ReasonAllTargetsExhausted, ErrAllTargetsExhausted), nil
		}
		r.fallback = true
	}
	return r.selectStatic(ctx), nil
}

// Complete releases the capacity held by callID. It returns false when the
// call holds nothing, which makes repeated status callbacks harmless.
func (e *RoutingEngine) Complete(ctx context.Context, callID string) (bool, error) {
	if e.Assignments == nil {
		return false, nil
	}
	a, ok, err := e.Assignments.Take(ctx, callID)
	if err != nil || !ok {
		return false, err
	}
	if err := e.Registry.Release(ctx, a.Ref); err != nil {
		return false, err
	}
	e.metrics().ObserveRelease(a.Ref.Kind)
	logger.From(ctx).Debug("routing capacity released",
		slog.String("call_id", callID),
		slog.String("target", a.Ref.String()),
	)
	return true, nil
}

func (e *RoutingEngine) existing(ctx context.Context, callID string) (calls.Assignment, bool) {
	if e.Assignments == nil {
		return calls.Assignment{}, false
	}
	a, ok, err := e.Assignments.Get(ctx, callID)
	if err != nil {
		logger.From(ctx).Warn("routing assignment lookup failed", slog.String("err", err.Error()))
		return calls.Assignment{}, false
	}
	return a, ok
}

func (e *RoutingEngine) clock() clock.Clock {
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	return e.Clock
}

func (e *RoutingEngine) metrics() Recorder {
	if e.Metrics == nil {
		return nopRecorder{}
	}
	return e.Metrics
}

// route is the state of one Route call.
type route struct {
	e        *RoutingEngine
	in       RouteInput
	campaign campaigns.Campaign
	start    time.Time
	strategy string
	records  int

	fallback     bool
	auctionEmpty bool
}

func (r *route) record(ctx context.Context, state State, d calllog.RoutingDecision) {
	r.records++
	if r.e.Log == nil {
		return
	}
	d.CallID = r.in.CallID
	d.State = string(state)
	if d.ResponseTime == 0 {
		d.ResponseTime = r.e.clock().Since(r.start)
	}
	_, _ = r.e.Log.RecordDecision(ctx, d)
}

func (r *route) runAuction(ctx context.Context) (Decision, bool) {
	camp := r.campaign
	res, err := r.e.Auctions.Run(ctx, auction.Request{
		CampaignID:    camp.ID,
		CallID:        r.in.CallID,
		CallerID:      r.in.CallerID,
		CallStartTime: r.in.StartedAt,
		MinBid:        camp.MinBid,
		MaxBid:        camp.MaxBid,
		Currency:      camp.Currency,
		Custom:        r.in.Custom,
		Deadline:      camp.AuctionTimeout,
	})
	if err != nil {
		logger.From(ctx).Error("routing auction failed", slog.String("err", err.Error()))
		r.record(ctx, StateAuctionRunning, calllog.RoutingDecision{Outcome: calllog.OutcomeError, Reason: ReasonAuctionFailed})
		r.auctionEmpty = true
		return Decision{}, false
	}
	rec := calllog.RoutingDecision{ResponseTime: res.Elapsed}
	resp, target, won := res.Winning()
	switch {
	case len(res.Targets) == 0:
		r.auctionEmpty = true
		rec.Outcome, rec.Reason = calllog.OutcomeRejected, ReasonNoEligibleTargets
	case won:
		rec.Outcome, rec.Reason = calllog.OutcomeSelected, ReasonWinner
		rec.TargetType, rec.TargetID = calllog.TargetRTB, target.ID
		rec.BidAmount = amountPtr(resp.BidAmount)
	case res.DeadlineHit:
		rec.Outcome, rec.Reason = calllog.OutcomeTimeout, ReasonAuctionDeadline
	default:
		rec.Outcome, rec.Reason = calllog.OutcomeRejected, ReasonNoAcceptedBids
	}
	r.record(ctx, StateAuctionRunning, rec)

	idx, attempt := r.reserveRanked(ctx, res)
	// The stored winner is the bid that holds the call, not the top rank.
	res.Winner = idx
	if r.e.Log != nil {
		_ = r.e.Log.RecordAuction(ctx, r.in.CallID, camp.ID, res)
	}
	if idx < 0 {
		return Decision{}, false
	}
	t := res.Targets[idx]
	return r.assigned(ctx, t.Ref(), res.Responses[idx].DestinationNumber, attempt), true
}

// reserveRanked reserves in rank order; a reservation lost to a concurrent
// call falls through to the runner-up. It returns -1 when nothing was reserved.
func (r *route) reserveRanked(ctx context.Context, res auction.Result) (int, calllog.RoutingDecision) {
	for _, idx := range res.Ranked {
		resp, t := res.Responses[idx], res.Targets[idx]
		attempt := calllog.RoutingDecision{
			TargetType:   calllog.TargetRTB,
			TargetID:     t.ID,
			BidAmount:    amountPtr(resp.BidAmount),
			ResponseTime: resp.Latency,
		}
		if resp.DestinationNumber == "" {
			attempt.Outcome, attempt.Reason = calllog.OutcomeRejected, ReasonNoDestination
			r.record(ctx, StateDecided, attempt)
			continue
		}
		if !r.reserve(ctx, t.Ref(), t.Capacity, attempt) {
			continue
		}
		attempt.Outcome, attempt.Reason = calllog.OutcomeSelected, ReasonReserved
		r.record(ctx, StateDecided, attempt)
		return idx, attempt
	}
	return -1, calllog.RoutingDecision{}
}

// reserve records a DECIDED rejection when the slot cannot be taken.
func (r *route) reserve(ctx context.Context, ref targets.Ref, caps targets.Capacity, attempt calllog.RoutingDecision) bool {
	ok, err := r.e.Registry.Reserve(ctx, ref, caps, r.e.clock().Now())
	if err != nil {
		logger.From(ctx).Error("routing reserve failed",
			slog.String("target", ref.String()),
			slog.String("err", err.Error()),
		)
		attempt.Outcome, attempt.Reason = calllog.OutcomeError, ReasonCapacityError
		r.record(ctx, StateDecided, attempt)
		return false
	}
	if !ok {
		attempt.Outcome, attempt.Reason = calllog.OutcomeRejected, ReasonCapacityLost
		r.record(ctx, StateDecided, attempt)
		return false
	}
	return true
}

func (r *route) selectStatic(ctx context.Context) Decision {
	camp := r.campaign
	reason := string(camp.RoutingType)
	if r.fallback {
		reason = ReasonFallback
	}
	r.record(ctx, StateStaticSelect, calllog.RoutingDecision{Outcome: calllog.OutcomeSelected, Reason: reason})

	switch camp.RoutingType {
	case campaigns.RoutingPool:
		attempt := calllog.RoutingDecision{
			Outcome:    calllog.OutcomeSelected,
			Reason:     ReasonPool,
			TargetType: calllog.TargetExternal,
			TargetID:   camp.PoolNumber,
		}
		r.record(ctx, StateDecided, attempt)
		return r.assigned(ctx, targets.Ref{}, camp.PoolNumber, attempt)
	case campaigns.RoutingRoundRobin:
		return r.selectRoundRobin(ctx)
	default:
		return r.selectPriority(ctx)
	}
}

func (r *route) selectPriority(ctx context.Context) Decision {
	buyers, err := r.e.Registry.EligibleBuyers(ctx, r.campaign.ID, r.e.clock().Now())
	if err != nil {
		logger.From(ctx).Error("routing buyer lookup failed", slog.String("err", err.Error()))
	}
	if len(buyers) == 0 {
		return r.noBuyers(ctx)
	}
	for _, b := range buyers {
		attempt := calllog.RoutingDecision{TargetType: calllog.TargetBuyer, TargetID: b.ID}
		if !r.reserve(ctx, b.Ref(), b.Capacity, attempt) {
			continue
		}
		attempt.Outcome, attempt.Reason = calllog.OutcomeSelected, ReasonReserved
		r.record(ctx, StateDecided, attempt)
		return r.assigned(ctx, b.Ref(), b.Destination, attempt)
	}
	return r.exhausted(ctx, ReasonAllTargetsExhausted, ErrAllTargetsExhausted)
}

// selectRoundRobin walks the stable list of active buyers so cursor positions do
// not shift when a buyer hits capacity; over-capacity slots are marked ineligible.
func (r *route) selectRoundRobin(ctx context.Context) Decision {
	now := r.e.clock().Now()
	slots, err := r.e.Registry.ActiveBuyers(ctx, r.campaign.ID, now)
	if err != nil {
		logger.From(ctx).Error("routing buyer lookup failed", slog.String("err", err.Error()))
		return r.noBuyers(ctx)
	}
	eligible, err := r.e.Registry.EligibleBuyers(ctx, r.campaign.ID, now)
	if err != nil {
		logger.From(ctx).Error("routing buyer lookup failed", slog.String("err", err.Error()))
		return r.noBuyers(ctx)
	}
	under := make(map[string]bool, len(eligible))
	for _, b := range eligible {
		under[b.ID] = true
	}
	flags := make([]bool, len(slots))
	anyEligible := false
	for i, b := range slots {
		flags[i] = under[b.ID]
		anyEligible = anyEligible || flags[i]
	}
	if !anyEligible {
		return r.noBuyers(ctx)
	}

	cursors := r.e.Cursors
	if cursors == nil {
		cursors = NewMemoryCursors()
		r.e.Cursors = cursors
	}
	for range slots {
		slot, ok, err := cursors.Pick(ctx, r.campaign.ID, flags)
		if err != nil {
			logger.From(ctx).Error("routing cursor failed", slog.String("err", err.Error()))
			break
		}
		if !ok {
			break
		}
		b := slots[slot]
		attempt := calllog.RoutingDecision{TargetType: calllog.TargetBuyer, TargetID: b.ID}
		if !r.reserve(ctx, b.Ref(), b.Capacity, attempt) {
			flags[slot] = false
			continue
		}
		attempt.Outcome, attempt.Reason = calllog.OutcomeSelected, ReasonReserved
		r.record(ctx, StateDecided, attempt)
		return r.assigned(ctx, b.Ref(), b.Destination, attempt)
	}
	return r.exhausted(ctx, ReasonAllTargetsExhausted, ErrAllTargetsExhausted)
}

func (r *route) noBuyers(ctx context.Context) Decision {
	r.record(ctx, StateDecided, calllog.RoutingDecision{Outcome: calllog.OutcomeRejected, Reason: ReasonNoEligibleTargets})
	if r.fallback {
		return r.exhausted(ctx, ReasonAllTargetsExhausted, ErrAllTargetsExhausted)
	}
	return r.exhausted(ctx, ReasonNoEligibleTargets, ErrNoEligibleTargets)
}

// assigned stores the assignment for capacity release and closes the trail.
// A zero ref (pool number) holds no capacity.
func (r *route) assigned(ctx context.Context, ref targets.Ref, destination string, attempt calllog.RoutingDecision) Decision {
	if ref.ID != "" && r.e.Assignments != nil {
		err := r.e.Assignments.Put(ctx, calls.Assignment{
			CallID:      r.in.CallID,
			CampaignID:  r.campaign.ID,
			Ref:         ref,
			Destination: destination,
			AssignedAt:  r.e.clock().Now().UTC(),
		})
		if errors.Is(err, calls.ErrAssignmentExists) {
			// A concurrent retry of the same call won; give back this slot.
			if rerr := r.e.Registry.Release(ctx, ref); rerr != nil {
				logger.From(ctx).Error("routing duplicate release failed",
					slog.String("target", ref.String()),
					slog.String("err", rerr.Error()),
				)
			}
			if prev, ok := r.e.existing(ctx, r.in.CallID); ok {
				return r.replayed(ctx, prev)
			}
		} else if err != nil {
			// The call still connects; the concurrent slot expires with its TTL.
			logger.From(ctx).Error("routing assignment store failed",
				slog.String("target", ref.String()),
				slog.String("err", err.Error()),
			)
		}
	}

	attempt.Outcome = calllog.OutcomeSelected
	attempt.ResponseTime = 0
	r.record(ctx, StateAssigned, attempt)

	return r.finish(ctx, Decision{
		WorkspaceID: r.in.WorkspaceID,
		CampaignID:  r.campaign.ID,
		CallID:      r.in.CallID,
		Action:      ActionConnect,
		ConnectTo:   destination,
		State:       StateAssigned,
		TargetType:  attempt.TargetType,
		TargetID:    attempt.TargetID,
		BidAmount:   attempt.BidAmount,
		Reason:      attempt.Reason,
	})
}

// replayed answers with the destination prev already holds without reserving.
func (r *route) replayed(ctx context.Context, prev calls.Assignment) Decision {
	r.strategy = ReasonRetry
	tt := calllog.TargetBuyer
	if prev.Ref.Kind == targets.KindRTBTarget {
		tt = calllog.TargetRTB
	}
	r.record(ctx, StateAssigned, calllog.RoutingDecision{
		Outcome:    calllog.OutcomeSelected,
		Reason:     ReasonRetry,
		TargetType: tt,
		TargetID:   prev.Ref.ID,
	})
	return r.finish(ctx, Decision{
		WorkspaceID: r.in.WorkspaceID,
		CampaignID:  prev.CampaignID,
		CallID:      r.in.CallID,
		Action:      ActionConnect,
		ConnectTo:   prev.Destination,
		State:       StateAssigned,
		TargetType:  tt,
		TargetID:    prev.Ref.ID,
		Reason:      ReasonRetry,
	})
}

func (r *route) exhausted(ctx context.Context, reason string, cause error) Decision {
	r.record(ctx, StateExhausted, calllog.RoutingDecision{Outcome: calllog.OutcomeRejected, Reason: reason})
	return r.finish(ctx, Decision{
		WorkspaceID: r.in.WorkspaceID,
		CampaignID:  r.in.CampaignID,
		CallID:      r.in.CallID,
		Action:      ActionReject,
		State:       StateExhausted,
		Reason:      reason,
		Err:         cause,
	})
}

func (r *route) finish(ctx context.Context, d Decision) Decision {
	elapsed := r.e.clock().Since(r.start)
	if r.e.Log != nil {
		_ = r.e.Log.RecordSummary(ctx, calllog.Summary{
			CallID:      r.in.CallID,
			WorkspaceID: r.in.WorkspaceID,
			CampaignID:  r.in.CampaignID,
			FinalState:  string(d.State),
			TargetType:  d.TargetType,
			TargetID:    d.TargetID,
			Destination: d.ConnectTo,
			Reason:      d.Reason,
			Decisions:   r.records,
			Elapsed:     elapsed,
		})
	}
	r.e.metrics().ObserveRoute(r.strategy, d.State, d.Reason, elapsed)

	level := slog.LevelInfo
	if d.State == StateExhausted {
		level = slog.LevelWarn
	}
	logger.From(ctx).Log(ctx, level, "call routed",
		slog.String("state", string(d.State)),
		slog.String("strategy", r.strategy),
		slog.String("target_id", d.TargetID),
		slog.String("reason", d.Reason),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	return d
}

func amountPtr(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}
