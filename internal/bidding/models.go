package bidding

import (
	"errors"
	"fmt"
	"time"

	"telecom-rtb/internal/extract"

	"github.com/shopspring/decimal"
)

// Target-level failure classes. A BidResponse carries at most one of them in Err.
var (
	ErrTargetUnreachable = errors.New("bidding: target unreachable")
	ErrTargetTimeout     = errors.New("bidding: target timeout")
	ErrTargetRejected    = errors.New("bidding: target rejected")
	ErrTargetMalformed   = errors.New("bidding: target response malformed")

	ErrBadStatus        = fmt.Errorf("%w: non-2xx status", ErrTargetUnreachable)
	ErrCurrencyMismatch = fmt.Errorf("%w: currency mismatch", ErrTargetMalformed)
)

type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeError     Outcome = "error"
)

// Reason codes recorded on non-accepted responses.
const (
	ReasonNoBid         = "no bid"
	ReasonDeclined      = "declined"
	ReasonAmountMissing = "bid amount unresolved"
	ReasonBelowMinimum  = "bid below minimum"
	ReasonAboveMaximum  = "bid above maximum"
	ReasonDeadline      = "auction deadline exceeded"
	ReasonTimeout       = "bid timeout"
	ReasonTransport     = "transport error"
	ReasonStatus        = "non-2xx status"
	ReasonMalformed     = "malformed response"
	ReasonCurrency      = "currency mismatch"
	ReasonAuth          = "auth configuration"
	ReasonRequest       = "request build failed"
	ReasonPanic         = "bidder panic"
)

// BidRequest is the per-call request shared by every target in one auction.
type BidRequest struct {
	RequestID     string
	CampaignID    string
	CallID        string
	CallerID      string
	CallStartTime time.Time
	MinBid        decimal.Decimal
	MaxBid        decimal.Decimal
	Currency      string
	Custom        map[string]string
}

// Vars exposes the request as template placeholders. Custom fields never shadow
// the standard keys.
func (r BidRequest) Vars(now time.Time) extract.Vars {
	v := make(extract.Vars, len(r.Custom)+8)
	for k, val := range r.Custom {
		v[k] = val
	}
	v["requestId"] = r.RequestID
	v["campaignId"] = r.CampaignID
	v["callerId"] = r.CallerID
	if !r.CallStartTime.IsZero() {
		v["callStartTime"] = r.CallStartTime.UTC().Format(time.RFC3339)
	}
	v["minBid"] = r.MinBid.StringFixed(2)
	v["maxBid"] = r.MaxBid.StringFixed(2)
	v["currency"] = r.Currency
	v["timestamp"] = now.UTC().Format(time.RFC3339)
	return v
}

// BidResponse is the classified result of one bid call. Immutable once returned.
type BidResponse struct {
	RequestID string
	TargetID  string
	Priority  int

	Outcome    Outcome
	Reason     string
	Err        error
	StatusCode int
	RawBody    []byte

	BidAmount         decimal.Decimal
	HasBid            bool
	DestinationNumber string
	Accepted          bool
	Currency          string
	RequiredDuration  int

	Latency    time.Duration
	ReceivedAt time.Time
}

// Bounds is an inclusive bid range. A zero Max is unbounded.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

func (b Bounds) Contains(d decimal.Decimal) bool {
	if d.LessThan(b.Min) {
		return false
	}
	return b.Max.IsZero() || !d.GreaterThan(b.Max)
}

// Narrow intersects b with a target's own bounds.
func (b Bounds) Narrow(min, max decimal.Decimal) Bounds {
	out := b
	if min.GreaterThan(out.Min) {
		out.Min = min
	}
	if !max.IsZero() && (out.Max.IsZero() || max.LessThan(out.Max)) {
		out.Max = max
	}
	return out
}
