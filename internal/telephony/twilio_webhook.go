package telephony

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TwilioInboundForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type TwilioInboundForm struct {
	CallSid       string
	AccountSid    string
	From          string
	To            string
	Direction     string
	CallStatus    string
	CallerName    string
	FromState     string
	FromCountry   string
	ToState       string
	ToCountry     string
	ForwardedFrom string
}

func ParseTwilioInboundCall(r *http.Request) (TwilioInboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioInboundForm{}, err
	}
	f := TwilioInboundForm{
		CallSid:       r.PostFormValue("CallSid"),
		AccountSid:    r.PostFormValue("AccountSid"),
		From:          normalizePhone(r.PostFormValue("From")),
		To:            normalizePhone(r.PostFormValue("To")),
		Direction:     r.PostFormValue("Direction"),
		CallStatus:    r.PostFormValue("CallStatus"),
		CallerName:    r.PostFormValue("CallerName"),
		FromState:     r.PostFormValue("FromState"),
		FromCountry:   r.PostFormValue("FromCountry"),
		ToState:       r.PostFormValue("ToState"),
		ToCountry:     r.PostFormValue("ToCountry"),
		ForwardedFrom: normalizePhone(r.PostFormValue("ForwardedFrom")),
	}
	return f, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

func (f TwilioInboundForm) ToInboundCallRequest(workspaceID, campaignID string, occurredAt time.Time) InboundCallRequest {
	raw, _ := json.Marshal(f)
	return InboundCallRequest{
		WorkspaceID:    workspaceID,
		CampaignID:     campaignID,
		ProviderCallID: f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
		RawPayload:     string(raw),
	}
}

// TwilioStatusForm is the status callback subset.
type TwilioStatusForm struct {
	CallSid      string
	To           string
	CallStatus   string
	CallDuration int
	Timestamp    string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:    r.PostFormValue("CallSid"),
		To:         normalizePhone(r.PostFormValue("To")),
		CallStatus: strings.TrimSpace(r.PostFormValue("CallStatus")),
		Timestamp:  r.PostFormValue("Timestamp"),
	}
	if d := r.PostFormValue("CallDuration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return TwilioStatusForm{}, err
		}
		f.CallDuration = n
	}
	return f, nil
}

// ToCallStatusEvent uses the callback Timestamp (RFC1123Z) when present.
func (f TwilioStatusForm) ToCallStatusEvent(workspaceID string, now time.Time) CallStatusEvent {
	at := now
	if ts, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
		at = ts
	}
	raw, _ := json.Marshal(f)
	return CallStatusEvent{
		WorkspaceID:     workspaceID,
		ProviderCallID:  f.CallSid,
		Status:          f.CallStatus,
		DurationSeconds: f.CallDuration,
		OccurredAt:      at,
		RawPayload:      string(raw),
	}
}
