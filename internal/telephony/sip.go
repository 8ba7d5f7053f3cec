package telephony

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"telecom-rtb/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SIPProvider adapts SIP gateway hooks (e.g. a FreeSWITCH HTTP hook) to the call
// router. The gateway posts JSON and executes the returned InboundCallResult.
//
// Keep this adapter free of business logic: it only translates boundary events
// into internal types and delegates decisions to the router.
type SIPProvider struct {
	router CallRouter
}

func NewSIPProvider(router CallRouter) *SIPProvider {
	return &SIPProvider{router: router}
}

func (p *SIPProvider) Name() string { return "sip" }

func (p *SIPProvider) HealthCheck(ctx context.Context) error {
	if p.router == nil {
		return errors.New("telephony: sip router is nil")
	}
	return nil
}

func (p *SIPProvider) HandleInboundCall(ctx context.Context, req InboundCallRequest) (InboundCallResult, error) {
	if p.router == nil {
		return InboundCallResult{}, errors.New("telephony: sip router is nil")
	}
	if req.WorkspaceID == "" {
		return InboundCallResult{}, errors.New("telephony: workspace_id required")
	}
	return p.router.RouteInboundCall(ctx, req)
}

func (p *SIPProvider) HandleCallStatus(ctx context.Context, ev CallStatusEvent) error {
	if p.router == nil {
		return errors.New("telephony: sip router is nil")
	}
	return p.router.HandleCallStatus(ctx, ev)
}

// SIPInboundPayload is the gateway's inbound hook body.
type SIPInboundPayload struct {
	CallID string `json:"call_id" binding:"required"`
	From   string `json:"from"`
	To     string `json:"to" binding:"required"`
}

// SIPStatusPayload is the gateway's call state hook body.
type SIPStatusPayload struct {
	CallID          string `json:"call_id" binding:"required"`
	To              string `json:"to"`
	Status          string `json:"status" binding:"required"`
	DurationSeconds int    `json:"duration_seconds"`
}

// SIPGatewayHandler serves the JSON hooks of a SIP gateway.
type SIPGatewayHandler struct {
	Provider TelephonyProvider
	Resolver NumberResolver
	Now      func() time.Time
}

func (h SIPGatewayHandler) HandleInbound(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Provider == nil || h.Resolver == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sip gateway not configured"})
		return
	}

	var p SIPInboundPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	workspaceID, campaignID, err := h.Resolver(c.Request.Context(), p.To)
	if err != nil {
		log.Warn("sip number resolution failed", "to", p.To, "err", err)
		c.JSON(http.StatusOK, InboundCallResult{CallID: p.CallID, Action: InboundCallActionReject, RejectReason: RejectReasonRejected})
		return
	}

	ctx := WithClientIP(c.Request.Context(), c.ClientIP())
	res, err := h.Provider.HandleInboundCall(ctx, InboundCallRequest{
		WorkspaceID:    workspaceID,
		CampaignID:     campaignID,
		ProviderCallID: p.CallID,
		From:           strings.TrimSpace(p.From),
		To:             strings.TrimSpace(p.To),
		OccurredAt:     h.Now(),
	})
	if err != nil {
		log.Error("sip inbound routing failed", "err", err)
		res = InboundCallResult{WorkspaceID: workspaceID, CallID: p.CallID, Action: InboundCallActionReject, RejectReason: RejectReasonBusy}
	}
	c.JSON(http.StatusOK, res)
}

func (h SIPGatewayHandler) HandleStatus(c *gin.Context) {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Provider == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sip gateway not configured"})
		return
	}

	var p SIPStatusPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ev := CallStatusEvent{
		ProviderCallID:  p.CallID,
		Status:          p.Status,
		DurationSeconds: p.DurationSeconds,
		OccurredAt:      h.Now(),
	}
	if h.Resolver != nil && p.To != "" {
		ev.WorkspaceID, _, _ = h.Resolver(c.Request.Context(), p.To)
	}
	if err := h.Provider.HandleCallStatus(c.Request.Context(), ev); err != nil {
		logger.FromGin(c).Error("sip status handling failed", "call_id", p.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
