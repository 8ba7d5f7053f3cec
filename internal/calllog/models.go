package calllog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Records are append-only. Nothing in this package updates or deletes them.

type EventKind string

const (
	// EventKindNode is an IVR or call-flow node visit.
	EventKindNode       EventKind = "node"
	EventKindCallStatus EventKind = "call_status"
	EventKindOverride   EventKind = "routing_override"
	EventKindSummary    EventKind = "summary"
)

type CallEvent struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Kind        EventKind `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Message     string    `json:"message,omitempty"`

	// Actor fields are set for operator-driven events such as overrides.
	ActorUserID string `json:"actor_user_id,omitempty"`
	ActorRole   string `json:"actor_role,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`

	// Metadata is optional JSON.
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type TargetType string

const (
	TargetBuyer    TargetType = "buyer"
	TargetRTB      TargetType = "rtb_target"
	TargetExternal TargetType = "external"
)

type DecisionOutcome string

const (
	OutcomeSelected DecisionOutcome = "selected"
	OutcomeRejected DecisionOutcome = "rejected"
	OutcomeTimeout  DecisionOutcome = "timeout"
	OutcomeError    DecisionOutcome = "error"
)

// RoutingDecision is one state transition of a call's routing. Sequence is
// assigned by the repository: 1, 2, 3... per call with no gaps.
type RoutingDecision struct {
	ID           string           `json:"id"`
	CallID       string           `json:"call_id"`
	Sequence     int              `json:"sequence"`
	State        string           `json:"state"`
	TargetType   TargetType       `json:"target_type,omitempty"`
	TargetID     string           `json:"target_id,omitempty"`
	Outcome      DecisionOutcome  `json:"outcome"`
	Reason       string           `json:"reason,omitempty"`
	ResponseTime time.Duration    `json:"response_time"`
	BidAmount    *decimal.Decimal `json:"bid_amount,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// AuctionDetail is one bid response of one auction.
type AuctionDetail struct {
	ID                string           `json:"id"`
	CallID            string           `json:"call_id"`
	RequestID         string           `json:"request_id"`
	CampaignID        string           `json:"campaign_id"`
	TargetID          string           `json:"target_id"`
	Outcome           string           `json:"outcome"`
	Reason            string           `json:"reason,omitempty"`
	StatusCode        int              `json:"status_code,omitempty"`
	BidAmount         *decimal.Decimal `json:"bid_amount,omitempty"`
	DestinationNumber string           `json:"destination_number,omitempty"`
	Currency          string           `json:"currency,omitempty"`
	Latency           time.Duration    `json:"latency"`
	Winner            bool             `json:"winner"`
	RawResponse       string           `json:"raw_response,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Summary closes a call's routing trail. It is stored as a summary event.
type Summary struct {
	CallID      string        `json:"call_id"`
	WorkspaceID string        `json:"workspace_id,omitempty"`
	CampaignID  string        `json:"campaign_id,omitempty"`
	FinalState  string        `json:"final_state"`
	TargetType  TargetType    `json:"target_type,omitempty"`
	TargetID    string        `json:"target_id,omitempty"`
	Destination string        `json:"destination,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Decisions   int           `json:"decisions"`
	Elapsed     time.Duration `json:"elapsed"`
}

// CallFlow is every record for one call. Events and auctions are ordered by
// time, decisions by sequence.
type CallFlow struct {
	CallID    string            `json:"call_id"`
	Events    []CallEvent       `json:"events"`
	Decisions []RoutingDecision `json:"decisions"`
	Auctions  []AuctionDetail   `json:"auctions"`
}
