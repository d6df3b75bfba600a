package push

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"passpot/internal/core/domain"
)

// Data payload keys as sent by the push sender. Values are all strings;
// the offer is a JSON-encoded session description.
const (
	keyType       = "type"
	keyCallerID   = "callerId"
	keyCallerName = "callerName"
	keyOffer      = "offer"
	keyMessageID  = "messageId"
	keySentAt     = "sentAt"
)

const (
	typeAudioCall = "call"
	typeVideoCall = "video_call"
)

// CallerName is carried for notification display only; it never feeds call
// semantics, so ParseDataPayload returns it separately from the envelope.
type Notification struct {
	Message    domain.SignalingMessage
	CallerName string
}

// ParseDataPayload converts a push notification's data map into the same
// signaling envelope the socket delivers, so the gate can deduplicate the
// two paths against each other. Non-call payloads return ErrNotCallPayload.
func ParseDataPayload(data map[string]string) (Notification, error) {
	var n Notification

	var media domain.MediaKind
	switch data[keyType] {
	case typeAudioCall:
		media = domain.MediaAudio
	case typeVideoCall:
		media = domain.MediaVideo
	default:
		return n, ErrNotCallPayload
	}

	callerID := data[keyCallerID]
	if callerID == "" {
		return n, fmt.Errorf("push payload missing callerId")
	}

	rawOffer := data[keyOffer]
	if rawOffer == "" {
		return n, fmt.Errorf("push payload missing offer")
	}
	var offer domain.SessionDescription
	if err := json.Unmarshal([]byte(rawOffer), &offer); err != nil {
		return n, fmt.Errorf("malformed offer in push payload: %w", err)
	}
	if offer.SDP == "" {
		return n, fmt.Errorf("push payload offer has empty sdp")
	}

	sentAt := parseSentAt(data[keySentAt])

	n.CallerName = data[keyCallerName]
	n.Message = domain.SignalingMessage{
		ID:      domain.MessageID(data[keyMessageID]),
		Type:    domain.MessageOffer,
		From:    domain.UserID(callerID),
		Media:   media,
		Payload: json.RawMessage(rawOffer),
		SentAt:  sentAt,
	}
	return n, nil
}

// parseSentAt accepts RFC 3339 or unix milliseconds; senders have used both.
// A missing or unparseable value leaves SentAt zero so staleness checks are
// skipped rather than guessed.
func parseSentAt(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
