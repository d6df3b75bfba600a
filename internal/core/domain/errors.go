package domain

import "errors"

var (
	ErrAlreadyInCall     = errors.New("already in call")
	ErrMediaUnavailable  = errors.New("media unavailable")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrBusy              = errors.New("peer busy")
	ErrInvalidState      = errors.New("invalid call state")
	ErrNoActiveSession   = errors.New("no active session")
	ErrCaptureHeld       = errors.New("capture already held")
	ErrLogEntryNotFound  = errors.New("call log entry not found")
)
