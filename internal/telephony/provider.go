package telephony

import (
	"context"
	"time"
)

// TelephonyProvider defines the provider-agnostic interface used by webhook handlers.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - All requests must be workspace-scoped (workspace_id required).
// - Keep request/response types provider-agnostic; store provider raw payloads in metadata if needed.
type TelephonyProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	HandleInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error)
	HandleCallStatus(ctx context.Context, ev CallStatusEvent) error
}

// CallRouter makes the routing decision for a provider. routing.Engine satisfies it;
// providers depend on this interface so routing can import telephony types.
type CallRouter interface {
	RouteInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error)
	HandleCallStatus(ctx context.Context, ev CallStatusEvent) error
}

// InboundCallRequest represents an inbound call event received from a provider.
type InboundCallRequest struct {
	WorkspaceID string `json:"workspace_id"`
	// CampaignID is set when the handler resolved it from the dialed number.
	CampaignID string `json:"campaign_id,omitempty"`

	// ProviderCallID is the provider's unique identifier for this call.
	ProviderCallID string `json:"provider_call_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	// OccurredAt is the provider event time.
	OccurredAt time.Time `json:"occurred_at"`

	// RawPayload is optional for debugging/audit; store as JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}

// InboundCallResult is the provider adapter response used to drive next steps.
type InboundCallResult struct {
	WorkspaceID string `json:"workspace_id"`
	CallID      string `json:"call_id"`

	// Action describes what should happen next at the provider boundary.
	Action InboundCallAction `json:"action"`

	// ConnectTo is used when Action == "connect".
	ConnectTo string `json:"connect_to,omitempty"`

	// RejectReason is used when Action == "reject": "busy" or "rejected".
	RejectReason string `json:"reject_reason,omitempty"`
}

type InboundCallAction string

const (
	InboundCallActionReject  InboundCallAction = "reject"
	InboundCallActionConnect InboundCallAction = "connect"
	InboundCallActionHangup  InboundCallAction = "hangup"
)

const (
	RejectReasonBusy     = "busy"
	RejectReasonRejected = "rejected"
)

// CallStatusEvent is a call progress callback (ringing, completed, failed...).
type CallStatusEvent struct {
	WorkspaceID    string `json:"workspace_id,omitempty"`
	ProviderCallID string `json:"provider_call_id"`

	// Status is the raw provider status, e.g. "in-progress" or "no-answer".
	Status string `json:"status"`

	DurationSeconds int       `json:"duration_seconds,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	RawPayload      string    `json:"raw_payload,omitempty"`
}
