package telephony

import (
	"context"
	"net/http"
	"time"

	"telecom-rtb/pkg/logger"

	"github.com/gin-gonic/gin"
)

// NumberResolver maps a dialed number to the workspace and campaign that own it.
type NumberResolver func(ctx context.Context, toNumber string) (workspaceID, campaignID string, err error)

// TwilioWebhookHandler converts Twilio webhooks to internal types,
// delegates routing to the provider adapter, and writes TwiML.
//
// No business logic here.
//
// Once a number resolves, the caller always gets TwiML: routing failures become
// a <Reject>, never a 5xx that would make Twilio play its error message.
type TwilioWebhookHandler struct {
	Provider TelephonyProvider
	Resolver NumberResolver
	Now      func() time.Time
}

func (h TwilioWebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Provider == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "telephony provider not configured"})
		return
	}
	if h.Resolver == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "number resolver not configured"})
		return
	}

	form, err := ParseTwilioInboundCall(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	workspaceID, campaignID, err := h.Resolver(c.Request.Context(), form.To)
	if err != nil {
		log.Warn("number resolution failed", "to", form.To, "err", err)
		h.writeTwiML(c, InboundCallResult{CallID: form.CallSid, Action: InboundCallActionReject, RejectReason: RejectReasonRejected})
		return
	}

	in := form.ToInboundCallRequest(workspaceID, campaignID, h.Now())
	ctx := WithClientIP(c.Request.Context(), c.ClientIP())

	res, err := h.Provider.HandleInboundCall(ctx, in)
	if err != nil {
		log.Error("inbound call routing failed", "call_sid", form.CallSid, "err", err)
		res = InboundCallResult{WorkspaceID: workspaceID, CallID: form.CallSid, Action: InboundCallActionReject, RejectReason: RejectReasonBusy}
	}
	h.writeTwiML(c, res)
}

func (h TwilioWebhookHandler) writeTwiML(c *gin.Context, res InboundCallResult) {
	twiml, err := RenderTwiML(res)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// HandleCallStatus accepts Twilio status callbacks. Terminal statuses release
// the capacity the call holds.
func (h TwilioWebhookHandler) HandleCallStatus(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Provider == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "telephony provider not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil || form.CallSid == "" || form.CallStatus == "" {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	workspaceID := ""
	if h.Resolver != nil && form.To != "" {
		workspaceID, _, _ = h.Resolver(c.Request.Context(), form.To)
	}

	if err := h.Provider.HandleCallStatus(c.Request.Context(), form.ToCallStatusEvent(workspaceID, h.Now())); err != nil {
		log.Error("call status handling failed", "call_sid", form.CallSid, "status", form.CallStatus, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
