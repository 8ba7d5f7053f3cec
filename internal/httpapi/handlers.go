package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"telecom-rtb/internal/auth"
	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/campaigns"
	"telecom-rtb/internal/rbac"
	"telecom-rtb/internal/targets"
	"telecom-rtb/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type FlowReader interface {
	Flow(ctx context.Context, callID string) (calllog.CallFlow, error)
}

type CampaignReader interface {
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
}

type TargetLister interface {
	EligibleTargets(ctx context.Context, campaignID string, now time.Time) ([]targets.BidTarget, error)
	EligibleBuyers(ctx context.Context, campaignID string, now time.Time) ([]targets.Buyer, error)
}

// Handlers serves the read API. Keep these thin: check tenancy, read, return JSON.
type Handlers struct {
	Flows     FlowReader
	Campaigns CampaignReader
	Targets   TargetLister
	Clock     clock.Clock
}

// GetCallFlow returns every routing record for one call.
// Override events are only shown to super_admin.
func (h Handlers) GetCallFlow(c *gin.Context) {
	if h.Flows == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	workspaceID, role, ok := identity(c)
	if !ok {
		return
	}
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	flow, err := h.Flows.Flow(c.Request.Context(), callID)
	if errors.Is(err, calllog.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("call flow read failed", "call_id", callID, "err", err.Error())
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call flow read failed"})
		return
	}
	// Calls of other tenants are reported as missing, not forbidden.
	if !rbac.CanAccessWorkspace(role, workspaceID, flowWorkspace(flow)) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if !rbac.CanSeeOverrides(role) {
		flow = withoutOverrides(flow)
	}
	c.JSON(http.StatusOK, flow)
}

type targetView struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Priority int             `json:"priority"`
	MinBid   decimal.Decimal `json:"min_bid"`
	MaxBid   decimal.Decimal `json:"max_bid"`
	Currency string          `json:"currency,omitempty"`
}

type buyerView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

type eligibleResponse struct {
	CampaignID string       `json:"campaign_id"`
	At         time.Time    `json:"at"`
	Targets    []targetView `json:"rtb_targets"`
	Buyers     []buyerView  `json:"buyers"`
}

// GetEligibleTargets lists what a call arriving now could be offered to, in auction
// and static order. Endpoint credentials are never returned.
func (h Handlers) GetEligibleTargets(c *gin.Context) {
	if h.Campaigns == nil || h.Targets == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registry not configured"})
		return
	}
	workspaceID, role, ok := identity(c)
	if !ok {
		return
	}
	campaignID := c.Param("campaign_id")
	ctx := c.Request.Context()

	camp, err := h.Campaigns.Get(ctx, campaignID)
	if errors.Is(err, campaigns.ErrNotFound) || (err == nil && !rbac.CanAccessWorkspace(role, workspaceID, camp.WorkspaceID)) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("campaign read failed", "campaign_id", campaignID, "err", err.Error())
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "campaign read failed"})
		return
	}

	clk := h.Clock
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	bidTargets, err := h.Targets.EligibleTargets(ctx, camp.ID, now)
	if err == nil {
		var buyers []targets.Buyer
		buyers, err = h.Targets.EligibleBuyers(ctx, camp.ID, now)
		if err == nil {
			c.JSON(http.StatusOK, toEligibleResponse(camp.ID, now, bidTargets, buyers))
			return
		}
	}
	logger.FromGin(c).Error("eligible targets read failed", "campaign_id", camp.ID, "err", err.Error())
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "registry unavailable"})
}

func identity(c *gin.Context) (workspaceID, role string, ok bool) {
	ctx := c.Request.Context()
	workspaceID, err := auth.WorkspaceID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", "", false
	}
	role, err = auth.Role(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
		return "", "", false
	}
	return workspaceID, role, true
}

func flowWorkspace(f calllog.CallFlow) string {
	for _, e := range f.Events {
		if e.WorkspaceID != "" {
			return e.WorkspaceID
		}
	}
	return ""
}

func withoutOverrides(f calllog.CallFlow) calllog.CallFlow {
	events := make([]calllog.CallEvent, 0, len(f.Events))
	for _, e := range f.Events {
		if e.Kind != calllog.EventKindOverride {
			events = append(events, e)
		}
	}
	f.Events = events
	return f
}

func toEligibleResponse(campaignID string, at time.Time, ts []targets.BidTarget, bs []targets.Buyer) eligibleResponse {
	out := eligibleResponse{
		CampaignID: campaignID,
		At:         at.UTC(),
		Targets:    make([]targetView, 0, len(ts)),
		Buyers:     make([]buyerView, 0, len(bs)),
	}
	for _, t := range ts {
		out.Targets = append(out.Targets, targetView{
			ID:       t.ID,
			Name:     t.Name,
			Priority: t.Priority,
			MinBid:   t.MinBid,
			MaxBid:   t.MaxBid,
			Currency: t.Currency,
		})
	}
	for _, b := range bs {
		out.Buyers = append(out.Buyers, buyerView{ID: b.ID, Name: b.Name, Priority: b.Priority})
	}
	return out
}

// Convenience middleware bundles.

func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}
