package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"telecom-rtb/internal/auction"
	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/calls"
	"telecom-rtb/internal/campaigns"
	"telecom-rtb/internal/targets"
	"telecom-rtb/internal/telephony"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type stubAuctioneer struct {
	res   auction.Result
	err   error
	calls int
}

func (s *stubAuctioneer) Run(ctx context.Context, req auction.Request) (auction.Result, error) {
	s.calls++
	return s.res, s.err
}

type harness struct {
	clk         *clock.Mock
	campaigns   *campaigns.MemoryStore
	source      *targets.MemorySource
	capacity    *targets.MemoryCapacity
	registry    *targets.Registry
	log         *calllog.Service
	assignments *calls.MemoryAssignments
	auctions    *stubAuctioneer
	engine      *RoutingEngine
}

func newHarness(t *testing.T, camp campaigns.Campaign) *harness {
	t.Helper()
	h := &harness{
		clk:         clock.NewMock(),
		campaigns:   campaigns.NewMemoryStore(),
		source:      targets.NewMemorySource(),
		capacity:    targets.NewMemoryCapacity(),
		assignments: calls.NewMemoryAssignments(),
		auctions:    &stubAuctioneer{res: auction.Result{Winner: -1}},
	}
	h.clk.Set(testNow)
	if err := h.campaigns.Put(camp); err != nil {
		t.Fatalf("put campaign: %v", err)
	}
	h.registry = targets.NewRegistry(h.source, h.capacity)
	h.log = calllog.NewService(calllog.NewMemoryRepo(), calllog.WithClock(h.clk))
	h.engine = NewRoutingEngine(NewCampaignCache(h.campaigns, h.clk, time.Minute), h.registry, h.auctions, h.log, h.assignments)
	h.engine.Clock = h.clk
	return h
}

func (h *harness) route(t *testing.T, callID string) Decision {
	t.Helper()
	d, err := h.engine.Route(context.Background(), RouteInput{
		WorkspaceID: "ws",
		CampaignID:  "camp",
		CallID:      callID,
		CallerID:    "+15550001111",
		Dialed:      "+18005550100",
		StartedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("route %s: %v", callID, err)
	}
	return d
}

func (h *harness) states(t *testing.T, callID string) []string {
	t.Helper()
	flow, err := h.log.Flow(context.Background(), callID)
	if err != nil {
		t.Fatalf("flow %s: %v", callID, err)
	}
	out := make([]string, 0, len(flow.Decisions))
	for i, d := range flow.Decisions {
		if d.Sequence != i+1 {
			t.Fatalf("sequence gap at %d: got %d", i, d.Sequence)
		}
		out = append(out, d.State)
	}
	return out
}

func (h *harness) reserve(t *testing.T, ref targets.Ref, caps targets.Capacity) {
	t.Helper()
	ok, err := h.registry.Reserve(context.Background(), ref, caps, testNow)
	if err != nil || !ok {
		t.Fatalf("pre-reserve %s: ok=%v err=%v", ref, ok, err)
	}
}

func baseCampaign() campaigns.Campaign {
	return campaigns.Campaign{
		ID:          "camp",
		WorkspaceID: "ws",
		Name:        "Home services",
		RTBEnabled:  true,
		RoutingType: campaigns.RoutingPriority,
		MinBid:      decimal.NewFromInt(1),
		MaxBid:      decimal.NewFromInt(50),
		Currency:    "USD",
		Active:      true,
	}
}

func open() targets.Schedule { return targets.Schedule{Active: true} }

func accepted(id string, amount string, dest string) bidding.BidResponse {
	return bidding.BidResponse{
		TargetID:          id,
		Outcome:           bidding.OutcomeAccepted,
		Accepted:          true,
		HasBid:            true,
		BidAmount:         decimal.RequireFromString(amount),
		DestinationNumber: dest,
		Latency:           40 * time.Millisecond,
	}
}

func equalStates(t *testing.T, got []string, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != string(want[i]) {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestRoutingEngine_RTBWinnerAssignedAndReleased(t *testing.T) {
	h := newHarness(t, baseCampaign())
	t1 := targets.BidTarget{ID: "t1", CampaignID: "camp", Schedule: open()}
	t2 := targets.BidTarget{ID: "t2", CampaignID: "camp", Schedule: open(), Capacity: targets.Capacity{MaxConcurrentCalls: 1}}
	h.auctions.res = auction.Result{
		RequestID: "req-1",
		Targets:   []targets.BidTarget{t1, t2},
		Responses: []bidding.BidResponse{accepted("t1", "4.00", "+18005550001"), accepted("t2", "8.75", "+18005550002")},
		Ranked:    []int{1, 0},
		Winner:    1,
	}

	d := h.route(t, "CA1")
	if d.Action != ActionConnect || d.ConnectTo != "+18005550002" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.TargetType != calllog.TargetRTB || d.TargetID != "t2" || d.State != StateAssigned {
		t.Fatalf("unexpected target: %+v", d)
	}
	if d.BidAmount == nil || !d.BidAmount.Equal(decimal.RequireFromString("8.75")) {
		t.Fatalf("expected bid amount 8.75, got %v", d.BidAmount)
	}
	equalStates(t, h.states(t, "CA1"), StateReceived, StateStrategySelected, StateAuctionRunning, StateDecided, StateAssigned)

	u, _ := h.capacity.Usage(context.Background(), t2.Ref(), testNow)
	if u.Concurrent != 1 {
		t.Fatalf("expected one concurrent call on t2, got %d", u.Concurrent)
	}

	released, err := h.engine.Complete(context.Background(), "CA1")
	if err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
	u, _ = h.capacity.Usage(context.Background(), t2.Ref(), testNow)
	if u.Concurrent != 0 || u.Daily != 1 {
		t.Fatalf("release must free only the concurrent slot: %+v", u)
	}
	if released, _ := h.engine.Complete(context.Background(), "CA1"); released {
		t.Fatalf("second completion must be a no-op")
	}
}

func TestRoutingEngine_ZeroEligibleTargetsFallsBackToPriorityBuyer(t *testing.T) {
	camp := baseCampaign()
	camp.StaticFallback = true
	h := newHarness(t, camp)

	daily := targets.Capacity{DailyCap: 1}
	for _, id := range []string{"t1", "t2"} {
		tg := targets.BidTarget{ID: id, CampaignID: "camp", Schedule: open(), Capacity: daily}
		h.source.PutTarget(tg)
		h.reserve(t, tg.Ref(), daily)
	}
	h.source.PutBuyer(targets.Buyer{ID: "low", CampaignID: "camp", Destination: "+18005550010", Priority: 1, Schedule: open()})
	h.source.PutBuyer(targets.Buyer{ID: "high", CampaignID: "camp", Destination: "+18005550020", Priority: 5, Schedule: open()})

	h.engine.Auctions = auction.NewCoordinator(h.registry, panicBidder{}, auction.WithClock(h.clk))

	d := h.route(t, "CA2")
	if d.Action != ActionConnect || d.TargetID != "high" || d.TargetType != calllog.TargetBuyer {
		t.Fatalf("expected fallback to the high priority buyer, got %+v", d)
	}
	equalStates(t, h.states(t, "CA2"),
		StateReceived, StateStrategySelected, StateAuctionRunning, StateStaticSelect, StateDecided, StateAssigned)

	flow, _ := h.log.Flow(context.Background(), "CA2")
	if r := flow.Decisions[2].Reason; r != ReasonNoEligibleTargets {
		t.Fatalf("expected auction record reason %q, got %q", ReasonNoEligibleTargets, r)
	}
	if r := flow.Decisions[3].Reason; r != ReasonFallback {
		t.Fatalf("expected static select reason %q, got %q", ReasonFallback, r)
	}
}

type panicBidder struct{}

func (panicBidder) Bid(context.Context, targets.BidTarget, bidding.BidRequest, time.Duration) bidding.BidResponse {
	panic("no target is eligible, so no bid may be sent")
}

func (panicBidder) Timeout(targets.BidTarget) time.Duration { return time.Second }

func TestRoutingEngine_LostReservationFallsThroughToRunnerUp(t *testing.T) {
	h := newHarness(t, baseCampaign())
	single := targets.Capacity{MaxConcurrentCalls: 1}
	top := targets.BidTarget{ID: "top", CampaignID: "camp", Schedule: open(), Capacity: single}
	next := targets.BidTarget{ID: "next", CampaignID: "camp", Schedule: open()}
	h.reserve(t, top.Ref(), single)

	h.auctions.res = auction.Result{
		Targets:   []targets.BidTarget{top, next},
		Responses: []bidding.BidResponse{accepted("top", "12.00", "+18005550001"), accepted("next", "9.00", "+18005550002")},
		Ranked:    []int{0, 1},
		Winner:    0,
	}

	d := h.route(t, "CA3")
	if d.TargetID != "next" || d.ConnectTo != "+18005550002" {
		t.Fatalf("expected runner-up, got %+v", d)
	}
	equalStates(t, h.states(t, "CA3"),
		StateReceived, StateStrategySelected, StateAuctionRunning, StateDecided, StateDecided, StateAssigned)

	flow, _ := h.log.Flow(context.Background(), "CA3")
	lost := flow.Decisions[3]
	if lost.TargetID != "top" || lost.Outcome != calllog.OutcomeRejected || lost.Reason != ReasonCapacityLost {
		t.Fatalf("unexpected lost reservation record: %+v", lost)
	}

	if len(flow.Auctions) != 2 {
		t.Fatalf("expected two auction rows, got %d", len(flow.Auctions))
	}
	for _, a := range flow.Auctions {
		if a.Winner != (a.TargetID == "next") {
			t.Fatalf("winner flag must follow the assigned bid: %+v", a)
		}
	}
}

func TestRoutingEngine_TopBidWithoutDestinationIsNotStoredAsWinner(t *testing.T) {
	h := newHarness(t, baseCampaign())
	top := targets.BidTarget{ID: "top", CampaignID: "camp", Schedule: open()}
	h.auctions.res = auction.Result{
		Targets:   []targets.BidTarget{top},
		Responses: []bidding.BidResponse{accepted("top", "12.00", "")},
		Ranked:    []int{0},
		Winner:    0,
	}

	d := h.route(t, "CA3b")
	if d.State != StateExhausted {
		t.Fatalf("expected exhausted, got %+v", d)
	}
	flow, _ := h.log.Flow(context.Background(), "CA3b")
	if len(flow.Auctions) != 1 || flow.Auctions[0].Winner {
		t.Fatalf("unroutable bid stored as winner: %+v", flow.Auctions)
	}
}

func TestRoutingEngine_RetriedCallReusesAssignment(t *testing.T) {
	h := newHarness(t, baseCampaign())
	t1 := targets.BidTarget{ID: "t1", CampaignID: "camp", Schedule: open(), Capacity: targets.Capacity{MaxConcurrentCalls: 5}}
	h.auctions.res = auction.Result{
		Targets:   []targets.BidTarget{t1},
		Responses: []bidding.BidResponse{accepted("t1", "6.00", "+18005550001")},
		Ranked:    []int{0},
		Winner:    0,
	}

	first := h.route(t, "CA-dup")
	again := h.route(t, "CA-dup")
	if again.State != StateAssigned || again.ConnectTo != first.ConnectTo || again.TargetID != "t1" {
		t.Fatalf("retry must connect to the held destination: first=%+v again=%+v", first, again)
	}
	if again.Reason != ReasonRetry || again.TargetType != calllog.TargetRTB {
		t.Fatalf("unexpected retry decision: %+v", again)
	}
	if h.auctions.calls != 1 {
		t.Fatalf("retry must not run another auction, ran %d", h.auctions.calls)
	}

	u, _ := h.capacity.Usage(context.Background(), t1.Ref(), testNow)
	if u.Concurrent != 1 {
		t.Fatalf("retry reserved a second slot: %+v", u)
	}
	if released, err := h.engine.Complete(context.Background(), "CA-dup"); err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
	u, _ = h.capacity.Usage(context.Background(), t1.Ref(), testNow)
	if u.Concurrent != 0 {
		t.Fatalf("slot leaked after the call ended: %+v", u)
	}
}

// racingAssignments lets a concurrent retry store its assignment between the
// engine's lookup and its own Put.
type racingAssignments struct {
	*calls.MemoryAssignments
	rival calls.Assignment
	armed bool
}

func (r *racingAssignments) Put(ctx context.Context, a calls.Assignment) error {
	if r.armed {
		r.armed = false
		if err := r.MemoryAssignments.Put(ctx, r.rival); err != nil {
			return err
		}
	}
	return r.MemoryAssignments.Put(ctx, a)
}

func TestRoutingEngine_ConcurrentRetryReleasesLosingSlot(t *testing.T) {
	h := newHarness(t, baseCampaign())
	t1 := targets.BidTarget{ID: "t1", CampaignID: "camp", Schedule: open(), Capacity: targets.Capacity{MaxConcurrentCalls: 5}}
	h.auctions.res = auction.Result{
		Targets:   []targets.BidTarget{t1},
		Responses: []bidding.BidResponse{accepted("t1", "6.00", "+18005550001")},
		Ranked:    []int{0},
		Winner:    0,
	}
	// The rival holds its own slot on t1.
	h.reserve(t, t1.Ref(), t1.Capacity)
	store := &racingAssignments{
		MemoryAssignments: h.assignments,
		rival:             calls.Assignment{CallID: "CA-race", CampaignID: "camp", Ref: t1.Ref(), Destination: "+18005550001"},
		armed:             true,
	}
	h.engine.Assignments = store

	d := h.route(t, "CA-race")
	if d.Reason != ReasonRetry || d.ConnectTo != "+18005550001" {
		t.Fatalf("expected the rival's assignment, got %+v", d)
	}
	u, _ := h.capacity.Usage(context.Background(), t1.Ref(), testNow)
	if u.Concurrent != 1 {
		t.Fatalf("losing slot not released: %+v", u)
	}
}

func TestRoutingEngine_NoWinnerWithoutFallbackIsExhausted(t *testing.T) {
	h := newHarness(t, baseCampaign())
	tg := targets.BidTarget{ID: "t1", CampaignID: "camp", Schedule: open()}
	h.auctions.res = auction.Result{
		Targets:     []targets.BidTarget{tg},
		Responses:   []bidding.BidResponse{{TargetID: "t1", Outcome: bidding.OutcomeTimeout}},
		Winner:      -1,
		DeadlineHit: true,
	}

	d := h.route(t, "CA4")
	if d.Action != ActionReject || d.State != StateExhausted {
		t.Fatalf("expected exhausted reject, got %+v", d)
	}
	if !errors.Is(d.Err, ErrAllTargetsExhausted) || d.Reason != ReasonAllTargetsExhausted {
		t.Fatalf("unexpected failure: %v / %q", d.Err, d.Reason)
	}
	flow, _ := h.log.Flow(context.Background(), "CA4")
	if flow.Decisions[2].Outcome != calllog.OutcomeTimeout {
		t.Fatalf("expected the auction record to be a timeout, got %+v", flow.Decisions[2])
	}

	res, err := ToInboundCallResult(d)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if res.Action != telephony.InboundCallActionReject || res.RejectReason != telephony.RejectReasonBusy {
		t.Fatalf("unexpected provider result: %+v", res)
	}
}

func TestRoutingEngine_RoundRobinSkipsBuyerAtCapacity(t *testing.T) {
	camp := baseCampaign()
	camp.RTBEnabled = false
	camp.RoutingType = campaigns.RoutingRoundRobin
	h := newHarness(t, camp)

	single := targets.Capacity{MaxConcurrentCalls: 1}
	for _, id := range []string{"a", "b", "c"} {
		b := targets.Buyer{ID: id, CampaignID: "camp", Destination: "+1800555000" + id, Schedule: open()}
		if id == "b" {
			b.Capacity = single
			h.reserve(t, b.Ref(), single)
		}
		h.source.PutBuyer(b)
	}

	var got []string
	for _, call := range []string{"CA5", "CA6", "CA7"} {
		got = append(got, h.route(t, call).TargetID)
	}
	if got[0] != "a" || got[1] != "c" || got[2] != "a" {
		t.Fatalf("expected a, c, a; got %v", got)
	}
	if h.auctions.calls != 0 {
		t.Fatalf("static campaigns must not run auctions")
	}
	equalStates(t, h.states(t, "CA5"), StateReceived, StateStrategySelected, StateStaticSelect, StateDecided, StateAssigned)
}

func TestRoutingEngine_RoundRobinVisitsEveryBuyerOncePerCycle(t *testing.T) {
	camp := baseCampaign()
	camp.RTBEnabled = false
	camp.RoutingType = campaigns.RoutingRoundRobin
	h := newHarness(t, camp)

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		h.source.PutBuyer(targets.Buyer{ID: id, CampaignID: "camp", Destination: "sip:" + id + "@pbx", Schedule: open()})
	}

	for cycle := 0; cycle < 2; cycle++ {
		seen := map[string]bool{}
		for i := range ids {
			d := h.route(t, "CYC"+string(rune('0'+cycle))+string(rune('0'+i)))
			if seen[d.TargetID] {
				t.Fatalf("buyer %s repeated within cycle %d", d.TargetID, cycle)
			}
			seen[d.TargetID] = true
		}
		if len(seen) != len(ids) {
			t.Fatalf("cycle %d visited %d buyers", cycle, len(seen))
		}
	}
}

func TestRoutingEngine_PriorityWithEveryBuyerFull(t *testing.T) {
	camp := baseCampaign()
	camp.RTBEnabled = false
	h := newHarness(t, camp)

	single := targets.Capacity{MaxConcurrentCalls: 1}
	b := targets.Buyer{ID: "only", CampaignID: "camp", Destination: "+18005550030", Capacity: single, Schedule: open()}
	h.source.PutBuyer(b)
	h.reserve(t, b.Ref(), single)

	d := h.route(t, "CA8")
	if d.State != StateExhausted || !errors.Is(d.Err, ErrNoEligibleTargets) || d.Reason != ReasonNoEligibleTargets {
		t.Fatalf("unexpected decision: %+v", d)
	}
	equalStates(t, h.states(t, "CA8"), StateReceived, StateStrategySelected, StateStaticSelect, StateDecided, StateExhausted)
}

func TestRoutingEngine_PoolRoutesToPoolNumber(t *testing.T) {
	camp := baseCampaign()
	camp.RTBEnabled = false
	camp.RoutingType = campaigns.RoutingPool
	camp.PoolNumber = "+18005559999"
	h := newHarness(t, camp)

	d := h.route(t, "CA9")
	if d.ConnectTo != "+18005559999" || d.TargetType != calllog.TargetExternal {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if released, _ := h.engine.Complete(context.Background(), "CA9"); released {
		t.Fatalf("pool routing holds no capacity")
	}
}

func TestRoutingEngine_UnknownOrForeignCampaignRejects(t *testing.T) {
	h := newHarness(t, baseCampaign())

	d, err := h.engine.Route(context.Background(), RouteInput{WorkspaceID: "ws", CampaignID: "missing", CallID: "CA10"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Action != ActionReject || d.Reason != ReasonCampaignNotFound {
		t.Fatalf("unexpected decision: %+v", d)
	}

	d, err = h.engine.Route(context.Background(), RouteInput{WorkspaceID: "other-ws", CampaignID: "camp", CallID: "CA11"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Reason != ReasonCampaignNotFound {
		t.Fatalf("campaign of another workspace must not route, got %+v", d)
	}
	res, _ := ToInboundCallResult(d)
	if res.RejectReason != telephony.RejectReasonRejected {
		t.Fatalf("expected plain rejection, got %q", res.RejectReason)
	}
}

func TestRoutingEngine_OverrideWinsSilently(t *testing.T) {
	h := newHarness(t, baseCampaign())
	h.engine.Overrides = NewAdminOverrideEngine(NewMemoryOverrides(Override{
		ID:          "ov1",
		WorkspaceID: "ws",
		CampaignID:  "camp",
		ConnectTo:   "sip:ops@pbx",
		ExpiresAt:   testNow.Add(time.Hour),
		CreatedBy:   "u-ops",
	}), h.log, h.clk)

	d, err := h.engine.Route(context.Background(), RouteInput{
		WorkspaceID: "ws",
		CampaignID:  "camp",
		CallID:      "CA12",
		Inbound:     telephony.InboundCallRequest{WorkspaceID: "ws", ProviderCallID: "CA12"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ConnectTo != "sip:ops@pbx" || d.Reason != "" || d.TargetID != "" {
		t.Fatalf("expected silent override, got %+v", d)
	}
	if h.auctions.calls != 0 {
		t.Fatalf("override must short-circuit the auction")
	}

	flow, _ := h.log.Flow(context.Background(), "CA12")
	var overrides int
	for _, e := range flow.Events {
		if e.Kind == calllog.EventKindOverride {
			overrides++
			if e.ActorUserID != "u-ops" {
				t.Fatalf("expected actor on override event, got %+v", e)
			}
		}
	}
	if overrides != 1 {
		t.Fatalf("expected one override event, got %d", overrides)
	}
}

type brokenRepo struct{}

func (brokenRepo) AppendEvent(context.Context, calllog.CallEvent) error { return errors.New("db down") }
func (brokenRepo) AppendDecision(_ context.Context, d calllog.RoutingDecision) (calllog.RoutingDecision, error) {
	return d, errors.New("db down")
}
func (brokenRepo) AppendAuction(context.Context, []calllog.AuctionDetail) error { return errors.New("db down") }
func (brokenRepo) Flow(context.Context, string) (calllog.CallFlow, error) {
	return calllog.CallFlow{}, errors.New("db down")
}

func TestRoutingEngine_LogFailuresDoNotChangeRouting(t *testing.T) {
	camp := baseCampaign()
	camp.RTBEnabled = false
	h := newHarness(t, camp)
	h.engine.Log = calllog.NewService(brokenRepo{})
	h.source.PutBuyer(targets.Buyer{ID: "b1", CampaignID: "camp", Destination: "+18005550040", Schedule: open()})

	d := h.route(t, "CA13")
	if d.Action != ActionConnect || d.TargetID != "b1" {
		t.Fatalf("routing must ignore log failures, got %+v", d)
	}
}

func TestRoutingEngine_RequiresWorkspaceAndCall(t *testing.T) {
	h := newHarness(t, baseCampaign())
	if _, err := h.engine.Route(context.Background(), RouteInput{CallID: "x"}); err == nil {
		t.Fatalf("expected error without workspace")
	}
	if _, err := h.engine.Route(context.Background(), RouteInput{WorkspaceID: "ws"}); err == nil {
		t.Fatalf("expected error without call id")
	}
}
