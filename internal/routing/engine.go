package routing

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/calls"
	"telecom-rtb/internal/telephony"
	"telecom-rtb/pkg/logger"
)

// Engine decides what to do with an inbound call and observes how it ends.
//
// Provider adapters depend only on this interface (as telephony.CallRouter);
// business rules stay in RoutingEngine. req.WorkspaceID must always be set.
type Engine interface {
	RouteInboundCall(ctx context.Context, req telephony.InboundCallRequest) (telephony.InboundCallResult, error)
	HandleCallStatus(ctx context.Context, ev telephony.CallStatusEvent) error
}

// NewNoopEngine returns an engine that always rejects.
func NewNoopEngine() Engine { return noopEngine{} }

type noopEngine struct{}

func (noopEngine) RouteInboundCall(ctx context.Context, req telephony.InboundCallRequest) (telephony.InboundCallResult, error) {
	if req.WorkspaceID == "" {
		return telephony.InboundCallResult{}, errors.New("routing: workspace_id required")
	}
	return telephony.InboundCallResult{
		WorkspaceID:  req.WorkspaceID,
		CallID:       req.ProviderCallID,
		Action:       telephony.InboundCallActionReject,
		RejectReason: telephony.RejectReasonRejected,
	}, nil
}

func (noopEngine) HandleCallStatus(context.Context, telephony.CallStatusEvent) error { return nil }

// NewEngineAdapter adapts the Decision-based RoutingEngine to the provider-facing
// Engine interface.
func NewEngineAdapter(engine *RoutingEngine, opts AdapterOptions) Engine {
	return engineAdapter{engine: engine, opts: opts}
}

type AdapterOptions struct {
	// CampaignIDResolver resolves the campaign when the provider handler did not,
	// e.g. by mapping the dialed number.
	CampaignIDResolver func(ctx context.Context, req telephony.InboundCallRequest) (campaignID string, err error)

	// CustomFields adds template fields to every bid request of the call.
	CustomFields func(ctx context.Context, req telephony.InboundCallRequest) map[string]string
}

type engineAdapter struct {
	engine *RoutingEngine
	opts   AdapterOptions
}

func (a engineAdapter) RouteInboundCall(ctx context.Context, req telephony.InboundCallRequest) (telephony.InboundCallResult, error) {
	if a.engine == nil {
		return telephony.InboundCallResult{}, errors.New("routing: engine is nil")
	}

	campaignID := req.CampaignID
	if campaignID == "" && a.opts.CampaignIDResolver != nil {
		cid, err := a.opts.CampaignIDResolver(ctx, req)
		if err != nil {
			return telephony.InboundCallResult{}, err
		}
		campaignID = cid
	}

	custom := map[string]string{
		"callId":       req.ProviderCallID,
		"dialedNumber": req.To,
	}
	if a.opts.CustomFields != nil {
		for k, v := range a.opts.CustomFields(ctx, req) {
			custom[k] = v
		}
	}

	d, err := a.engine.Route(ctx, RouteInput{
		WorkspaceID: req.WorkspaceID,
		CampaignID:  campaignID,
		CallID:      req.ProviderCallID,
		CallerID:    req.From,
		Dialed:      req.To,
		StartedAt:   req.OccurredAt,
		Custom:      custom,
		Inbound:     req,
	})
	if err != nil {
		return telephony.InboundCallResult{}, err
	}
	return ToInboundCallResult(d)
}

// HandleCallStatus logs a call_status event and releases the call's capacity
// once the status is terminal. Unknown statuses are logged and ignored.
func (a engineAdapter) HandleCallStatus(ctx context.Context, ev telephony.CallStatusEvent) error {
	if a.engine == nil {
		return errors.New("routing: engine is nil")
	}
	ctx = logger.WithCall(ctx, ev.ProviderCallID, "")

	status, ok := calls.ParseStatus(ev.Status)
	if !ok {
		logger.From(ctx).Warn("routing ignored unknown call status", slog.String("status", ev.Status))
		return nil
	}

	if a.engine.Log != nil {
		e := calllog.CallEvent{
			CallID:      ev.ProviderCallID,
			WorkspaceID: ev.WorkspaceID,
			Kind:        calllog.EventKindCallStatus,
			Name:        string(status),
			Metadata:    ev.RawPayload,
			CreatedAt:   ev.OccurredAt.UTC(),
		}
		if ev.DurationSeconds > 0 {
			e.Message = "duration " + strconv.Itoa(ev.DurationSeconds) + "s"
		}
		_ = a.engine.Log.RecordEvent(ctx, e)
	}

	if !status.Terminal() {
		return nil
	}
	_, err := a.engine.Complete(ctx, ev.ProviderCallID)
	return err
}

// ToInboundCallResult maps a Decision to the provider boundary. Exhausted
// routing reads as "busy" to the caller; anything else rejected reads as "rejected".
func ToInboundCallResult(d Decision) (telephony.InboundCallResult, error) {
	res := telephony.InboundCallResult{WorkspaceID: d.WorkspaceID, CallID: d.CallID}
	switch d.Action {
	case ActionReject:
		res.Action = telephony.InboundCallActionReject
		res.RejectReason = telephony.RejectReasonRejected
		if errors.Is(d.Err, ErrAllTargetsExhausted) || d.Reason == ReasonNoEligibleTargets {
			res.RejectReason = telephony.RejectReasonBusy
		}
	case ActionHangup:
		res.Action = telephony.InboundCallActionHangup
	case ActionConnect:
		res.Action = telephony.InboundCallActionConnect
		res.ConnectTo = d.ConnectTo
	default:
		return telephony.InboundCallResult{}, errors.New("routing: unknown decision action")
	}
	return res, nil
}
