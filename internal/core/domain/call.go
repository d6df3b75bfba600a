package domain

import "time"

type UserID string
type CallID string
type SessionID string

// CallDirection tells which side of the handshake this device is on.
type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// MediaKind is the media profile requested for a call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CallState is the lifecycle state of a call session. At most one session
// may be in a non-terminal state per coordinator.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateDialing    CallState = "dialing"
	StateRinging    CallState = "ringing"
	StateConnecting CallState = "connecting"
	StateActive     CallState = "active"
	StateEnding     CallState = "ending"
	StateEnded      CallState = "ended"
)

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// InCall reports whether the state counts as an occupied line for the
// single-active-session invariant.
func (s CallState) InCall() bool {
	switch s {
	case StateDialing, StateRinging, StateConnecting, StateActive, StateEnding:
		return true
	}
	return false
}

// EndReason explains why a session reached Ended. Delivered with the
// terminal state-change notification.
type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonRemoteHangup      EndReason = "remote_hangup"
	ReasonRejected          EndReason = "rejected"
	ReasonRejectedLocally   EndReason = "rejected_locally"
	ReasonBusy              EndReason = "busy"
	ReasonCancelled         EndReason = "cancelled"
	ReasonMediaUnavailable  EndReason = "media_unavailable"
	ReasonNegotiationFailed EndReason = "negotiation_failed"
	ReasonPeerUnreachable   EndReason = "peer_unreachable"
)

// TrackState mirrors the enabled flags of the local capture tracks. Toggling
// never recreates the capture pipeline.
type TrackState struct {
	Audio bool
	Video bool
}

// CallSession is the central call entity. It is created and mutated only by
// the coordinator; everyone else sees copies.
type CallSession struct {
	ID          CallID
	PeerID      UserID
	Direction   CallDirection
	Media       MediaKind
	State       CallState
	StartedAt   time.Time
	ConnectedAt *time.Time
	LocalTracks TrackState
}

// Duration returns the connected duration of the session, zero if media was
// never established.
func (s *CallSession) Duration(endedAt time.Time) time.Duration {
	if s.ConnectedAt == nil {
		return 0
	}
	return endedAt.Sub(*s.ConnectedAt)
}

// CallStateChange is the single notification emitted to observers on every
// transition. Reason is set only on terminal transitions.
type CallStateChange struct {
	CallID CallID
	PeerID UserID
	State  CallState
	Reason EndReason
}
