package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"passpot/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink counts offers that make it past the gate.
type fakeSink struct {
	mu     sync.Mutex
	offers []domain.UserID
	err    error
}

func (s *fakeSink) HandleIncomingOffer(ctx context.Context, from domain.UserID, offer domain.SessionDescription, kind domain.MediaKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, from)
	return s.err
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

func newTestGate(t *testing.T, window time.Duration) (*IncomingCallGate, *fakeChannel, *fakeSink, *fakeRecorder) {
	t.Helper()
	channel := newFakeChannel()
	sink := &fakeSink{}
	recorder := &fakeRecorder{}
	gate := NewIncomingCallGate("alice", channel, sink, recorder, window)
	t.Cleanup(gate.Close)
	return gate, channel, sink, recorder
}

func offerMessage(id domain.MessageID, from domain.UserID) domain.SignalingMessage {
	payload, _ := json.Marshal(domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"})
	return domain.SignalingMessage{
		ID:      id,
		Type:    domain.MessageOffer,
		From:    from,
		To:      "alice",
		Media:   domain.MediaAudio,
		Payload: payload,
		SentAt:  time.Now(),
	}
}

func TestGate_ForwardsFreshOffer(t *testing.T) {
	_, channel, sink, _ := newTestGate(t, time.Minute)

	channel.deliver(offerMessage("msg-1", "bob"))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, domain.UserID("bob"), sink.offers[0])
}

func TestGate_DuplicateIDDropped(t *testing.T) {
	gate, channel, sink, _ := newTestGate(t, time.Minute)

	msg := offerMessage("msg-1", "bob")
	channel.deliver(msg)
	// Same offer arriving again via the push path.
	gate.HandlePushPayload(context.Background(), msg)

	assert.Equal(t, 1, sink.count())
}

func TestGate_DuplicateByContentDropped(t *testing.T) {
	gate, _, sink, _ := newTestGate(t, time.Minute)

	// No message ID: the fallback key is sender plus payload digest.
	msg := offerMessage("", "bob")
	gate.HandleOffer(context.Background(), msg)
	gate.HandleOffer(context.Background(), msg)

	assert.Equal(t, 1, sink.count())
}

func TestGate_DistinctOffersBothForwarded(t *testing.T) {
	_, channel, sink, _ := newTestGate(t, time.Minute)

	channel.deliver(offerMessage("msg-1", "bob"))
	channel.deliver(offerMessage("msg-2", "carol"))

	assert.Equal(t, 2, sink.count())
}

func TestGate_StaleOfferRecordedAsMissed(t *testing.T) {
	gate, _, sink, recorder := newTestGate(t, 30*time.Second)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return now }

	msg := offerMessage("msg-old", "bob")
	msg.SentAt = now.Add(-2 * time.Minute)
	gate.HandleOffer(context.Background(), msg)

	assert.Equal(t, 0, sink.count())

	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.CallMissed, entries[0].Status)
	assert.Equal(t, domain.UserID("bob"), entries[0].CallerID)
	assert.Equal(t, domain.UserID("alice"), entries[0].ReceiverID)
	assert.Equal(t, msg.SentAt, entries[0].StartTime)

	// The stale delivery still claims its dedup key.
	gate.HandleOffer(context.Background(), msg)
	assert.Len(t, recorder.all(), 1)
}

func TestGate_ZeroSentAtNeverStale(t *testing.T) {
	gate, _, sink, _ := newTestGate(t, time.Second)

	msg := offerMessage("msg-1", "bob")
	msg.SentAt = time.Time{}
	gate.HandleOffer(context.Background(), msg)

	assert.Equal(t, 1, sink.count())
}

func TestGate_MalformedPayloadDropped(t *testing.T) {
	gate, _, sink, recorder := newTestGate(t, time.Minute)

	msg := offerMessage("msg-1", "bob")
	msg.Payload = json.RawMessage(`{"type":`)
	gate.HandleOffer(context.Background(), msg)

	assert.Equal(t, 0, sink.count())
	assert.Empty(t, recorder.all())
}

func TestGate_NonOfferIgnored(t *testing.T) {
	gate, channel, sink, _ := newTestGate(t, time.Minute)

	channel.deliver(domain.SignalingMessage{Type: domain.MessagePresence, From: "bob"})
	gate.HandlePushPayload(context.Background(), domain.SignalingMessage{Type: domain.MessageEnd, From: "bob"})

	assert.Equal(t, 0, sink.count())
}

func TestGate_DefaultsMediaToAudio(t *testing.T) {
	channel := newFakeChannel()
	engine := newFakeEngine()
	coord := NewCallCoordinator("alice", channel, engine, &fakeRecorder{}, nil)
	gate := NewIncomingCallGate("alice", channel, coord, nil, time.Minute)
	t.Cleanup(gate.Close)

	msg := offerMessage("msg-1", "bob")
	msg.Media = ""
	gate.HandleOffer(context.Background(), msg)

	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.MediaAudio, session.Media)
	assert.Equal(t, domain.StateRinging, session.State)
}
