package domain

import (
	"encoding/json"
	"time"
)

type MessageID string

// MessageType enumerates the signaling message types exchanged between
// peers. Presence events are server-originated.
type MessageType string

const (
	MessageOffer        MessageType = "call-offer"
	MessageAnswer       MessageType = "call-answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageReject       MessageType = "call-reject"
	MessageEnd          MessageType = "call-end"
	MessagePresence     MessageType = "presence"
)

// SignalingMessage is the transport envelope. Payload is opaque negotiation
// data produced by the media engine; the coordinator never inspects it.
// No ordering is guaranteed across message types.
type SignalingMessage struct {
	ID      MessageID       `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	From    UserID          `json:"from,omitempty"`
	To      UserID          `json:"to,omitempty"`
	Media   MediaKind       `json:"media,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at,omitempty"`
}

// SessionDescription carries one half of the offer/answer handshake.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a network path descriptor discovered during negotiation.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// RejectReason distinguishes an explicit decline from an automatic busy
// signal and from relay-reported unreachable peers.
type RejectReason string

const (
	RejectDeclined    RejectReason = "declined"
	RejectBusy        RejectReason = "busy"
	RejectUnreachable RejectReason = "unreachable"
)

type RejectPayload struct {
	Reason RejectReason `json:"reason"`
}

// PresencePayload announces a peer going online or offline.
type PresencePayload struct {
	UserID UserID `json:"user_id"`
	Online bool   `json:"online"`
}

// MediaConnectionState is the media engine's view of the underlying
// transport. Connected means media actually flows, which is a stronger
// statement than the descriptions being exchanged.
type MediaConnectionState string

const (
	MediaConnectionNew          MediaConnectionState = "new"
	MediaConnectionConnecting   MediaConnectionState = "connecting"
	MediaConnectionConnected    MediaConnectionState = "connected"
	MediaConnectionDisconnected MediaConnectionState = "disconnected"
	MediaConnectionFailed       MediaConnectionState = "failed"
	MediaConnectionClosed       MediaConnectionState = "closed"
)

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID    string
	Kind  MediaKind
	Codec string
}
