package telephony

import (
	"context"
	"errors"
)

// TwilioProvider adapts Twilio webhooks to the call router. Twilio drives the
// call through webhooks only, so there is no REST client here.
type TwilioProvider struct {
	router CallRouter
}

func NewTwilioProvider(router CallRouter) *TwilioProvider {
	return &TwilioProvider{router: router}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	if p.router == nil {
		return errors.New("telephony: twilio router is nil")
	}
	return nil
}

func (p *TwilioProvider) HandleInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error) {
	if p.router == nil {
		return InboundCallResult{}, errors.New("telephony: twilio router is nil")
	}
	if req.WorkspaceID == "" {
		return InboundCallResult{}, errors.New("telephony: workspace_id required")
	}
	return p.router.RouteInboundCall(ctx, req)
}

func (p *TwilioProvider) HandleCallStatus(ctx context.Context, ev CallStatusEvent) error {
	if p.router == nil {
		return errors.New("telephony: twilio router is nil")
	}
	if ev.ProviderCallID == "" {
		return errors.New("telephony: provider_call_id required")
	}
	return p.router.HandleCallStatus(ctx, ev)
}
