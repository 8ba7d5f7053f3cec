package calls

import (
	"strings"
	"time"

	"telecom-rtb/internal/targets"
)

// Call is the routing context of one inbound call.
//
// CallID is the provider call id (Twilio CallSid). Status callbacks carry the
// same id, so no mapping table is needed to release an assignment.
type Call struct {
	CallID      string `json:"call_id"`
	WorkspaceID string `json:"workspace_id"`
	CampaignID  string `json:"campaign_id,omitempty"`

	From string `json:"from"`
	To   string `json:"to"`

	Status CallStatus `json:"status"`

	// StartedAt is the provider event time of the inbound webhook.
	StartedAt time.Time `json:"started_at"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// ParseStatus maps a provider status ("in-progress", "no-answer", ...) to a CallStatus.
func ParseStatus(v string) (CallStatus, bool) {
	s := CallStatus(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "_"))
	switch s {
	case CallStatusQueued, CallStatusRinging, CallStatusInProgress, CallStatusCompleted,
		CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return s, true
	}
	return "", false
}

// Terminal reports whether the call has ended and its capacity can be released.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	}
	return false
}

// Assignment is the destination a call was connected to. It holds one unit of
// the destination's concurrent capacity until the call ends.
type Assignment struct {
	CallID      string      `json:"call_id"`
	CampaignID  string      `json:"campaign_id"`
	Ref         targets.Ref `json:"ref"`
	Destination string      `json:"destination"`
	AssignedAt  time.Time   `json:"assigned_at"`
}
