package routing

import (
	"errors"

	"telecom-rtb/internal/calllog"

	"github.com/shopspring/decimal"
)

// Decision is the provider-agnostic output of the routing engine.
//
// It must contain only what the provider adapter boundary (e.g. the TwiML
// builder) needs to execute the decision, plus the internal reason code.
type Decision struct {
	WorkspaceID string `json:"workspace_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
	CallID      string `json:"call_id"`

	Action    Action `json:"action"`
	ConnectTo string `json:"connect_to,omitempty"`

	// State is the terminal state: ASSIGNED or EXHAUSTED.
	State      State              `json:"state"`
	TargetType calllog.TargetType `json:"target_type,omitempty"`
	TargetID   string             `json:"target_id,omitempty"`
	BidAmount  *decimal.Decimal   `json:"bid_amount,omitempty"`

	// Reason is a machine code for logs and metrics. Overrides leave it empty.
	Reason string `json:"reason,omitempty"`

	// Err carries ErrNoEligibleTargets or ErrAllTargetsExhausted on EXHAUSTED
	// decisions so callers can errors.Is them. It is never returned as an error.
	Err error `json:"-"`
}

type Action string

const (
	ActionReject  Action = "reject"
	ActionConnect Action = "connect"
	ActionHangup  Action = "hangup"
)

// State is one step of the per-call routing state machine:
//
//	RECEIVED → STRATEGY_SELECTED → {AUCTION_RUNNING | STATIC_SELECT} → DECIDED → {ASSIGNED | EXHAUSTED}
type State string

const (
	StateReceived         State = "RECEIVED"
	StateStrategySelected State = "STRATEGY_SELECTED"
	StateAuctionRunning   State = "AUCTION_RUNNING"
	StateStaticSelect     State = "STATIC_SELECT"
	StateDecided          State = "DECIDED"
	StateAssigned         State = "ASSIGNED"
	StateExhausted        State = "EXHAUSTED"
)

var (
	ErrNoEligibleTargets   = errors.New("routing: no eligible targets")
	ErrAllTargetsExhausted = errors.New("routing: all targets exhausted")
)

// Reason codes written to decisions, summaries and metrics.
const (
	ReasonInbound             = "inbound"
	ReasonStrategyRTB         = "rtb"
	ReasonFallback            = "static_fallback"
	ReasonWinner              = "auction_winner"
	ReasonNoEligibleTargets   = "no_eligible_targets"
	ReasonNoAcceptedBids      = "no_accepted_bids"
	ReasonAuctionDeadline     = "auction_deadline"
	ReasonAuctionFailed       = "auction_failed"
	ReasonCapacityLost        = "capacity_lost"
	ReasonCapacityError       = "capacity_error"
	ReasonNoDestination       = "no_destination"
	ReasonAllTargetsExhausted = "all_targets_exhausted"
	ReasonCampaignNotFound    = "campaign_not_found"
	ReasonCampaignInactive    = "campaign_inactive"
	ReasonCampaignError       = "campaign_error"
	ReasonReserved            = "reserved"
	ReasonPool                = "pool_number"
	ReasonRetry               = "provider_retry"
)
