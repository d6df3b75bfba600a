package domain

import "time"

// CallStatus is the outcome recorded in the call log.
type CallStatus string

const (
	CallCompleted CallStatus = "completed"
	CallMissed    CallStatus = "missed"
	CallRejected  CallStatus = "rejected"
	CallBusy      CallStatus = "busy"
)

// CallLogEntry is the non-authoritative audit record written once per
// terminated session. Duration is only meaningful for completed calls.
type CallLogEntry struct {
	ID         string     `json:"id,omitempty"`
	CallerID   UserID     `json:"caller_id"`
	ReceiverID UserID     `json:"receiver_id"`
	CallType   MediaKind  `json:"call_type"`
	Status     CallStatus `json:"status"`
	Duration   int64      `json:"duration"` // seconds
	StartTime  time.Time  `json:"start_time"`
	EndTime    time.Time  `json:"end_time"`
}

// StatusForReason maps a terminal end reason to the logged call status.
func StatusForReason(reason EndReason, connected bool) CallStatus {
	if connected {
		return CallCompleted
	}
	switch reason {
	case ReasonRejected, ReasonRejectedLocally:
		return CallRejected
	case ReasonBusy:
		return CallBusy
	default:
		return CallMissed
	}
}
