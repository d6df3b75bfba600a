package ports

import (
	"context"

	"passpot/internal/core/domain"
)

// SignalingHandler receives every message delivered to this peer. Handlers
// must not block; slow consumers should hand off to their own goroutine.
type SignalingHandler func(msg domain.SignalingMessage)

// SignalingChannel is the bidirectional message bus keyed by remote user id.
// It owns no call semantics. Multiple subscribers may coexist; each Subscribe
// returns its own unsubscribe function.
type SignalingChannel interface {
	Send(ctx context.Context, msg domain.SignalingMessage) error
	Subscribe(handler SignalingHandler) (unsubscribe func())
	Close() error
}

// MediaEventHandler receives media engine callbacks. The coordinator is the
// primary consumer.
type MediaEventHandler interface {
	OnICECandidate(candidate domain.ICECandidate)
	OnRemoteTrack(track domain.RemoteTrack)
	OnConnectionStateChanged(state domain.MediaConnectionState)
}

// MediaEngine abstracts the real-time media stack: local capture, the peer
// negotiation object and track control.
//
// AddICECandidate must tolerate being called before ApplyRemoteDescription
// completes; implementations queue and flush in arrival order. Release is
// idempotent and tears down capture, remote tracks and the negotiation
// object on every call path.
type MediaEngine interface {
	AcquireLocalTracks(ctx context.Context, kind domain.MediaKind) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context, remoteOffer domain.SessionDescription) (domain.SessionDescription, error)
	ApplyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error

	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	SwitchCamera() error

	SetEventHandler(handler MediaEventHandler)
	Release()
}

// CallObserver is notified of every session state transition. Observers are
// fan-out; registering a second observer never displaces the first.
type CallObserver interface {
	OnCallStateChanged(change domain.CallStateChange)
}

// CallOfferSink is the gate-facing slice of the coordinator.
type CallOfferSink interface {
	HandleIncomingOffer(ctx context.Context, from domain.UserID, offer domain.SessionDescription, kind domain.MediaKind) error
}

// CallLogRecorder persists call outcomes. Record is fire-and-forget: it
// returns immediately and failures must never reach the call teardown path.
type CallLogRecorder interface {
	Record(entry domain.CallLogEntry)
}
