package main

import (
	"context"
	"net/http"

	"telecom-rtb/internal/httpapi"
	"telecom-rtb/internal/rbac"
	"telecom-rtb/internal/telephony"
	"telecom-rtb/pkg/logger"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	twilio  telephony.TwilioWebhookHandler
	sip     telephony.SIPGatewayHandler
	api     httpapi.Handlers
	authMW  gin.HandlerFunc
	metrics http.Handler
	health  func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.health != nil {
			if err := d.health(c.Request.Context()); err != nil {
				logger.FromGin(c).Warn("health check failed", "err", err.Error())
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.metrics != nil {
		r.GET("/metrics", gin.WrapH(d.metrics))
	}

	// Provider webhooks (public).
	// NOTE: Twilio signature validation belongs in front of these in production.
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/twilio/voice", d.twilio.HandleInboundCall)
		webhooks.POST("/twilio/status", d.twilio.HandleCallStatus)
		webhooks.POST("/sip/inbound", d.sip.HandleInbound)
		webhooks.POST("/sip/status", d.sip.HandleStatus)
	}

	// protected read API
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	v1.Use(httpapi.RequireWorkspaceAndAnyRole(rbac.CallFlowReaders...)...)
	{
		v1.GET("/calls/:call_id/flow", d.api.GetCallFlow)
		v1.GET("/campaigns/:campaign_id/eligible-targets", d.api.GetEligibleTargets)
	}
}
