package routing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/telephony"

	"github.com/benbjohnson/clock"
)

// AdminOverrideEngine applies silent, expiry-based routing overrides.
//
// Requirements:
//   - Silent routing: callers must not be able to infer that an override was used,
//     so the Decision carries no reason and no target id.
//   - Expiry based: overrides are time-bounded.
//   - Every applied override is recorded as an internal routing_override event.
//
// It is placed ahead of strategy selection and never calls providers.
type AdminOverrideEngine struct {
	Store OverrideStore
	Audit EventRecorder
	Clock clock.Clock
}

// OverrideStore resolves currently-active overrides.
//
// SECURITY NOTE:
// Keep this data plane accessible only to privileged internal services.
type OverrideStore interface {
	// GetActiveOverride returns an active override if one exists for this request.
	// If none exists, it returns (Override{}, false, nil).
	GetActiveOverride(ctx context.Context, workspaceID, campaignID string, req telephony.InboundCallRequest, now time.Time) (Override, bool, error)
}

// EventRecorder is the slice of calllog.Service the override engine writes to.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e calllog.CallEvent) error
}

type Override struct {
	ID          string `json:"id" yaml:"id"`
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	// CampaignID empty applies to every campaign of the workspace.
	CampaignID string `json:"campaign_id,omitempty" yaml:"campaign_id"`

	// ConnectTo is the forced dial target.
	ConnectTo string    `json:"connect_to" yaml:"connect_to"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`

	// CreatedBy is the operator who set the override.
	CreatedBy     string `json:"created_by,omitempty" yaml:"created_by"`
	CreatedByRole string `json:"created_by_role,omitempty" yaml:"created_by_role"`

	// Metadata is optional JSON for internal audit correlation.
	Metadata string `json:"metadata,omitempty" yaml:"metadata"`
}

func NewAdminOverrideEngine(store OverrideStore, audit EventRecorder, clk clock.Clock) *AdminOverrideEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &AdminOverrideEngine{Store: store, Audit: audit, Clock: clk}
}

// Decide returns (decision, true, nil) if an active override was applied.
// Returns (Decision{}, false, nil) if no override applies.
func (e *AdminOverrideEngine) Decide(ctx context.Context, workspaceID, campaignID string, req telephony.InboundCallRequest) (Decision, bool, error) {
	if workspaceID == "" {
		return Decision{}, false, errors.New("routing: workspace_id required")
	}
	if e.Store == nil {
		return Decision{}, false, nil
	}
	if e.Clock == nil {
		e.Clock = clock.New()
	}

	now := e.Clock.Now()
	o, ok, err := e.Store.GetActiveOverride(ctx, workspaceID, campaignID, req, now)
	if err != nil {
		return Decision{}, false, err
	}
	if !ok {
		return Decision{}, false, nil
	}
	if !o.ExpiresAt.After(now) {
		// Treat as not found; store should ideally filter these out.
		return Decision{}, false, nil
	}
	if o.ConnectTo == "" {
		return Decision{}, false, errors.New("routing: override connect_to empty")
	}

	// Silent routing: do NOT expose any special Reason.
	d := Decision{
		WorkspaceID: workspaceID,
		CampaignID:  campaignID,
		CallID:      req.ProviderCallID,
		Action:      ActionConnect,
		ConnectTo:   o.ConnectTo,
		State:       StateAssigned,
		TargetType:  calllog.TargetExternal,
	}

	if e.Audit != nil {
		meta, _ := json.Marshal(map[string]any{
			"override_id": o.ID,
			"connect_to":  o.ConnectTo,
			"expires_at":  o.ExpiresAt.UTC(),
			"from":        req.From,
			"to":          req.To,
			"metadata":    o.Metadata,
		})
		_ = e.Audit.RecordEvent(ctx, calllog.CallEvent{
			CallID:      req.ProviderCallID,
			WorkspaceID: workspaceID,
			CampaignID:  campaignID,
			Kind:        calllog.EventKindOverride,
			Name:        o.ID,
			Message:     "routing override applied",
			ActorUserID: o.CreatedBy,
			ActorRole:   o.CreatedByRole,
			IPAddress:   telephony.ClientIPFromContext(ctx),
			Metadata:    string(meta),
			CreatedAt:   now.UTC(),
		})
	}

	return d, true, nil
}
