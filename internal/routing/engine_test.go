package routing

import (
	"context"
	"testing"
	"time"

	"telecom-rtb/internal/auction"
	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/targets"
	"telecom-rtb/internal/telephony"
)

func TestNoopEngine_Rejects(t *testing.T) {
	e := NewNoopEngine()
	if _, err := e.RouteInboundCall(context.Background(), telephony.InboundCallRequest{}); err == nil {
		t.Fatalf("expected workspace error")
	}
	res, err := e.RouteInboundCall(context.Background(), telephony.InboundCallRequest{WorkspaceID: "w", ProviderCallID: "CA1"})
	if err != nil || res.Action != telephony.InboundCallActionReject {
		t.Fatalf("unexpected result: %+v err=%v", res, err)
	}
}

func TestEngineAdapter_RoutesAndReleasesOnCompletion(t *testing.T) {
	camp := baseCampaign()
	h := newHarness(t, camp)
	tg := targets.BidTarget{ID: "t1", CampaignID: "camp", Schedule: open(), Capacity: targets.Capacity{MaxConcurrentCalls: 1}}
	h.auctions.res = auction.Result{
		Targets:   []targets.BidTarget{tg},
		Responses: []bidding.BidResponse{accepted("t1", "5.00", "+18005550001")},
		Ranked:    []int{0},
		Winner:    0,
	}

	var seenCustom map[string]string
	adapter := NewEngineAdapter(h.engine, AdapterOptions{
		CampaignIDResolver: func(context.Context, telephony.InboundCallRequest) (string, error) { return "camp", nil },
		CustomFields: func(context.Context, telephony.InboundCallRequest) map[string]string {
			return map[string]string{"vertical": "solar"}
		},
	})
	h.engine.Auctions = auctioneerFunc(func(ctx context.Context, req auction.Request) (auction.Result, error) {
		seenCustom = req.Custom
		return h.auctions.res, nil
	})

	res, err := adapter.RouteInboundCall(context.Background(), telephony.InboundCallRequest{
		WorkspaceID:    "ws",
		ProviderCallID: "CA20",
		From:           "+15550001111",
		To:             "+18005550100",
		OccurredAt:     testNow,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Action != telephony.InboundCallActionConnect || res.ConnectTo != "+18005550001" || res.CallID != "CA20" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if seenCustom["vertical"] != "solar" || seenCustom["dialedNumber"] != "+18005550100" || seenCustom["callId"] != "CA20" {
		t.Fatalf("unexpected custom fields: %v", seenCustom)
	}

	ctx := context.Background()
	if err := adapter.HandleCallStatus(ctx, telephony.CallStatusEvent{ProviderCallID: "CA20", Status: "in-progress", OccurredAt: testNow}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if u, _ := h.capacity.Usage(ctx, tg.Ref(), testNow); u.Concurrent != 1 {
		t.Fatalf("live call must keep its slot, usage=%+v", u)
	}

	if err := adapter.HandleCallStatus(ctx, telephony.CallStatusEvent{ProviderCallID: "CA20", Status: "completed", DurationSeconds: 61, OccurredAt: testNow.Add(time.Minute)}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if u, _ := h.capacity.Usage(ctx, tg.Ref(), testNow); u.Concurrent != 0 {
		t.Fatalf("completed call must release its slot, usage=%+v", u)
	}
	if err := adapter.HandleCallStatus(ctx, telephony.CallStatusEvent{ProviderCallID: "CA20", Status: "completed", OccurredAt: testNow}); err != nil {
		t.Fatalf("duplicate callback must be harmless: %v", err)
	}
	if err := adapter.HandleCallStatus(ctx, telephony.CallStatusEvent{ProviderCallID: "CA20", Status: "answered"}); err != nil {
		t.Fatalf("unknown status must be ignored: %v", err)
	}

	flow, err := h.log.Flow(ctx, "CA20")
	if err != nil {
		t.Fatalf("flow: %v", err)
	}
	var statuses []string
	for _, e := range flow.Events {
		if e.Kind == calllog.EventKindCallStatus {
			statuses = append(statuses, e.Name)
		}
	}
	if len(statuses) != 3 || statuses[0] != "in_progress" || statuses[1] != "completed" {
		t.Fatalf("unexpected status events: %v", statuses)
	}
}

type auctioneerFunc func(ctx context.Context, req auction.Request) (auction.Result, error)

func (f auctioneerFunc) Run(ctx context.Context, req auction.Request) (auction.Result, error) {
	return f(ctx, req)
}
