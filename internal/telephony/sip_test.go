package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSIPProvider_ImplementsTelephonyProvider(t *testing.T) {
	var _ TelephonyProvider = (*SIPProvider)(nil)
	var _ TelephonyProvider = (*TwilioProvider)(nil)
}

func TestSIPProvider_Delegates(t *testing.T) {
	r := &stubRouter{res: InboundCallResult{Action: InboundCallActionConnect, ConnectTo: "sip:a@pbx"}}
	p := NewSIPProvider(r)
	ctx := context.Background()

	res, err := p.HandleInboundCall(ctx, InboundCallRequest{WorkspaceID: "w", ProviderCallID: "c", From: "+1", To: "+2"})
	if err != nil || res.ConnectTo != "sip:a@pbx" {
		t.Fatalf("unexpected result: %+v err=%v", res, err)
	}
	if _, err := p.HandleInboundCall(ctx, InboundCallRequest{ProviderCallID: "c"}); err == nil {
		t.Fatalf("expected workspace error")
	}
	if err := p.HandleCallStatus(ctx, CallStatusEvent{ProviderCallID: "c", Status: "completed"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(r.statuses) != 1 {
		t.Fatalf("expected status delegated")
	}
	if err := NewSIPProvider(nil).HealthCheck(ctx); err == nil {
		t.Fatalf("expected health error without router")
	}
}

func TestSIPGatewayHandler_Inbound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := &stubRouter{res: InboundCallResult{Action: InboundCallActionConnect, ConnectTo: "+18005550100"}}
	h := SIPGatewayHandler{Provider: NewSIPProvider(r), Resolver: fixedResolver("w1", "c1", nil)}

	engine := gin.New()
	engine.POST("/webhooks/sip/inbound", h.HandleInbound)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sip/inbound", strings.NewReader(`{"call_id":"sip-1","from":"+15550001111","to":"+18005550000"}`))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"connect_to":"+18005550100"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if len(r.inbound) != 1 || r.inbound[0].CampaignID != "c1" || r.inbound[0].WorkspaceID != "w1" {
		t.Fatalf("unexpected routed request: %+v", r.inbound)
	}
}
