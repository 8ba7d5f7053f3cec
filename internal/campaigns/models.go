package campaigns

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("campaigns: campaign not found")
	ErrInvalidCampaign = errors.New("campaigns: invalid campaign")
)

// RoutingType selects how a campaign picks a static destination.
type RoutingType string

const (
	RoutingPriority   RoutingType = "priority"
	RoutingRoundRobin RoutingType = "round_robin"
	RoutingPool       RoutingType = "pool"
)

// Campaign is the routing configuration of one tracked campaign.
//
// Campaign rows are owned by the admin service; this package only reads them.
type Campaign struct {
	ID          string `json:"id" yaml:"id"`
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	Name        string `json:"name" yaml:"name"`

	// Numbers are the dialed numbers that resolve to this campaign.
	Numbers []string `json:"numbers,omitempty" yaml:"numbers"`

	RTBEnabled  bool        `json:"rtb_enabled" yaml:"rtb_enabled"`
	RoutingType RoutingType `json:"routing_type" yaml:"routing_type"`

	MinBid   decimal.Decimal `json:"min_bid" yaml:"min_bid"`
	MaxBid   decimal.Decimal `json:"max_bid" yaml:"max_bid"`
	Currency string          `json:"currency" yaml:"currency"`

	// AuctionTimeout shortens the global auction deadline when positive.
	AuctionTimeout time.Duration `json:"auction_timeout" yaml:"auction_timeout"`

	// StaticFallback routes to buyers when an auction produces no winner.
	StaticFallback bool   `json:"static_fallback" yaml:"static_fallback"`
	PoolNumber     string `json:"pool_number,omitempty" yaml:"pool_number"`

	Active bool `json:"active" yaml:"active"`
}

func (c Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidCampaign)
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("%w: %s: workspace_id required", ErrInvalidCampaign, c.ID)
	}
	switch c.RoutingType {
	case RoutingPriority, RoutingRoundRobin:
	case RoutingPool:
		if strings.TrimSpace(c.PoolNumber) == "" {
			return fmt.Errorf("%w: %s: pool routing requires pool_number", ErrInvalidCampaign, c.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown routing_type %q", ErrInvalidCampaign, c.ID, c.RoutingType)
	}
	if c.MinBid.IsNegative() || c.MaxBid.IsNegative() {
		return fmt.Errorf("%w: %s: negative bid bounds", ErrInvalidCampaign, c.ID)
	}
	if !c.MaxBid.IsZero() && c.MaxBid.LessThan(c.MinBid) {
		return fmt.Errorf("%w: %s: max_bid below min_bid", ErrInvalidCampaign, c.ID)
	}
	if c.AuctionTimeout < 0 {
		return fmt.Errorf("%w: %s: negative auction_timeout", ErrInvalidCampaign, c.ID)
	}
	return nil
}

// NormalizeNumber strips formatting so "+1 (800) 555-0100" and "+18005550100"
// resolve to the same campaign. sip: URIs are lower-cased and kept as is.
func NormalizeNumber(n string) string {
	n = strings.TrimSpace(n)
	if strings.HasPrefix(strings.ToLower(n), "sip:") {
		return strings.ToLower(n)
	}
	var b strings.Builder
	for i, r := range n {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
