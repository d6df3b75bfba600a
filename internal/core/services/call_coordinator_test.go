package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel collects sent messages and lets tests inject inbound ones.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []domain.SignalingMessage
	handlers []ports.SignalingHandler
	sendErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (f *fakeChannel) Send(ctx context.Context, msg domain.SignalingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Subscribe(handler ports.SignalingHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
	return func() {}
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) deliver(msg domain.SignalingMessage) {
	f.mu.Lock()
	handlers := append([]ports.SignalingHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (f *fakeChannel) sentOfType(t domain.MessageType) []domain.SignalingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalingMessage
	for _, msg := range f.sent {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// fakeEngine is a scriptable media engine.
type fakeEngine struct {
	mu          sync.Mutex
	handler     ports.MediaEventHandler
	acquireErr  error
	offerErr    error
	answerErr   error
	applyErr    error
	acquired    int
	released    int
	applied     []domain.SessionDescription
	candidates  []domain.ICECandidate
	audioState  []bool
	videoState  []bool
	releaseHook func()
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (e *fakeEngine) AcquireLocalTracks(ctx context.Context, kind domain.MediaKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acquireErr != nil {
		return e.acquireErr
	}
	e.acquired++
	return nil
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if e.offerErr != nil {
		return domain.SessionDescription{}, e.offerErr
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"}, nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context, remoteOffer domain.SessionDescription) (domain.SessionDescription, error) {
	if e.answerErr != nil {
		return domain.SessionDescription{}, e.answerErr
	}
	e.mu.Lock()
	e.applied = append(e.applied, remoteOffer)
	e.mu.Unlock()
	return domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"}, nil
}

func (e *fakeEngine) ApplyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if e.applyErr != nil {
		return e.applyErr
	}
	e.mu.Lock()
	e.applied = append(e.applied, desc)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddICECandidate(candidate domain.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEngine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioState = append(e.audioState, enabled)
}

func (e *fakeEngine) SetVideoEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoState = append(e.videoState, enabled)
}

func (e *fakeEngine) SwitchCamera() error { return nil }

func (e *fakeEngine) SetEventHandler(handler ports.MediaEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *fakeEngine) Release() {
	e.mu.Lock()
	e.released++
	hook := e.releaseHook
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (e *fakeEngine) releaseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// fakeRecorder captures call log entries.
type fakeRecorder struct {
	mu      sync.Mutex
	entries []domain.CallLogEntry
}

func (r *fakeRecorder) Record(entry domain.CallLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *fakeRecorder) all() []domain.CallLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CallLogEntry(nil), r.entries...)
}

// stateRecorder collects observer notifications.
type stateRecorder struct {
	mu      sync.Mutex
	changes []domain.CallStateChange
}

func (s *stateRecorder) OnCallStateChanged(change domain.CallStateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
}

func (s *stateRecorder) states() []domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CallState, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.State)
	}
	return out
}

func (s *stateRecorder) lastReason() domain.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changes) == 0 {
		return ""
	}
	return s.changes[len(s.changes)-1].Reason
}

func newTestCoordinator(t *testing.T) (*CallCoordinator, *fakeChannel, *fakeEngine, *fakeRecorder, *stateRecorder) {
	t.Helper()
	channel := newFakeChannel()
	engine := newFakeEngine()
	recorder := &fakeRecorder{}
	coord := NewCallCoordinator("alice", channel, engine, recorder, NewCallMetricsService())
	observer := &stateRecorder{}
	coord.Subscribe(observer)
	return coord, channel, engine, recorder, observer
}

func incomingOffer() domain.SessionDescription {
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"}
}

func TestStartCall_HappyPath(t *testing.T) {
	coord, channel, engine, _, observer := newTestCoordinator(t)

	callID, err := coord.StartCall(context.Background(), "bob", domain.MediaVideo)
	require.NoError(t, err)
	assert.NotEmpty(t, callID)

	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StateDialing, session.State)
	assert.Equal(t, domain.DirectionOutgoing, session.Direction)
	assert.True(t, session.LocalTracks.Audio)
	assert.True(t, session.LocalTracks.Video)

	offers := channel.sentOfType(domain.MessageOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("bob"), offers[0].To)
	assert.Equal(t, domain.MediaVideo, offers[0].Media)
	assert.Equal(t, 1, engine.acquired)

	assert.Equal(t, []domain.CallState{domain.StateDialing}, observer.states())
}

func TestStartCall_SecondCallRejected(t *testing.T) {
	coord, _, _, _, _ := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	_, err = coord.StartCall(context.Background(), "carol", domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrAlreadyInCall)

	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("bob"), session.PeerID)
}

func TestStartCall_MediaUnavailable(t *testing.T) {
	coord, channel, engine, recorder, observer := newTestCoordinator(t)
	engine.acquireErr = errors.New("camera in use")

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaVideo)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)

	// No offer must leave the device when media acquisition fails.
	assert.Empty(t, channel.sentOfType(domain.MessageOffer))

	_, ok := coord.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, 1, engine.releaseCount())

	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.CallMissed, entries[0].Status)
	assert.Equal(t, domain.ReasonMediaUnavailable, observer.lastReason())
}

func TestStartCall_SendFailureIsPeerUnreachable(t *testing.T) {
	coord, channel, engine, _, _ := newTestCoordinator(t)
	channel.sendErr = errors.New("socket closed")

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)

	_, ok := coord.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, 1, engine.releaseCount())
}

func TestIncomingOffer_RingsAndAccepts(t *testing.T) {
	coord, channel, engine, _, observer := newTestCoordinator(t)

	err := coord.HandleIncomingOffer(context.Background(), "bob", incomingOffer(), domain.MediaAudio)
	require.NoError(t, err)

	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StateRinging, session.State)
	assert.Equal(t, domain.DirectionIncoming, session.Direction)

	require.NoError(t, coord.AcceptIncoming(context.Background()))

	session, ok = coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StateConnecting, session.State)

	answers := channel.sentOfType(domain.MessageAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.UserID("bob"), answers[0].To)

	// The remote offer reached the engine before answering.
	require.Len(t, engine.applied, 1)
	assert.Equal(t, "offer", engine.applied[0].Type)

	assert.Equal(t, []domain.CallState{domain.StateRinging, domain.StateConnecting}, observer.states())
}

func TestIncomingOffer_BusyAutoReject(t *testing.T) {
	coord, channel, _, _, observer := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	err = coord.HandleIncomingOffer(context.Background(), "carol", incomingOffer(), domain.MediaAudio)
	require.NoError(t, err)

	rejects := channel.sentOfType(domain.MessageReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.UserID("carol"), rejects[0].To)

	var payload domain.RejectPayload
	require.NoError(t, json.Unmarshal(rejects[0].Payload, &payload))
	assert.Equal(t, domain.RejectBusy, payload.Reason)

	// The active dialing session is untouched.
	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("bob"), session.PeerID)
	assert.Equal(t, domain.StateDialing, session.State)
	assert.NotContains(t, observer.states(), domain.StateEnded)
}

func TestRejectIncoming(t *testing.T) {
	coord, channel, _, recorder, observer := newTestCoordinator(t)

	require.NoError(t, coord.HandleIncomingOffer(context.Background(), "bob", incomingOffer(), domain.MediaAudio))
	require.NoError(t, coord.RejectIncoming(context.Background()))

	rejects := channel.sentOfType(domain.MessageReject)
	require.Len(t, rejects, 1)
	var payload domain.RejectPayload
	require.NoError(t, json.Unmarshal(rejects[0].Payload, &payload))
	assert.Equal(t, domain.RejectDeclined, payload.Reason)

	_, ok := coord.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonRejectedLocally, observer.lastReason())

	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.CallRejected, entries[0].Status)
	// Incoming call: the peer dialed us.
	assert.Equal(t, domain.UserID("bob"), entries[0].CallerID)
	assert.Equal(t, domain.UserID("alice"), entries[0].ReceiverID)
}

func TestAnswerDrivesConnectingThenActive(t *testing.T) {
	coord, _, engine, _, observer := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	coord.HandleAnswer(context.Background(), "bob", domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"})

	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StateConnecting, session.State)
	require.Len(t, engine.applied, 1)

	coord.OnConnectionStateChanged(domain.MediaConnectionConnected)

	session, ok = coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, session.State)
	require.NotNil(t, session.ConnectedAt)

	assert.Equal(t,
		[]domain.CallState{domain.StateDialing, domain.StateConnecting, domain.StateActive},
		observer.states())
}

func TestAnswer_OutOfStateDropped(t *testing.T) {
	coord, _, engine, _, _ := newTestCoordinator(t)

	// No session at all: the answer must be ignored.
	coord.HandleAnswer(context.Background(), "bob", domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"})
	assert.Empty(t, engine.applied)

	_, ok := coord.ActiveSession()
	assert.False(t, ok)
}

func TestEndCall_Idempotent(t *testing.T) {
	coord, channel, engine, recorder, _ := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	require.NoError(t, coord.EndCall(context.Background()))
	require.NoError(t, coord.EndCall(context.Background()))
	require.NoError(t, coord.EndCall(context.Background()))

	assert.Equal(t, 1, engine.releaseCount())
	assert.Len(t, channel.sentOfType(domain.MessageEnd), 1)
	assert.Len(t, recorder.all(), 1)
}

func TestEndCall_WhileDialingIsCancelled(t *testing.T) {
	coord, _, _, recorder, observer := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)
	require.NoError(t, coord.EndCall(context.Background()))

	assert.Equal(t, domain.ReasonCancelled, observer.lastReason())
	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.CallMissed, entries[0].Status)
	assert.Zero(t, entries[0].Duration)
}

func TestRemoteEnd_AuthoritativeOverRinging(t *testing.T) {
	coord, _, _, recorder, observer := newTestCoordinator(t)

	require.NoError(t, coord.HandleIncomingOffer(context.Background(), "bob", incomingOffer(), domain.MediaAudio))
	coord.HandleRemoteEnd("bob")

	_, ok := coord.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonRemoteHangup, observer.lastReason())

	// Accept after the remote end finds no ringing session.
	assert.ErrorIs(t, coord.AcceptIncoming(context.Background()), domain.ErrInvalidState)
	assert.Len(t, recorder.all(), 1)
}

func TestRemoteEnd_FromStrangerIgnored(t *testing.T) {
	coord, _, _, _, _ := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	coord.HandleRemoteEnd("carol")

	session, ok := coord.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, domain.StateDialing, session.State)
}

func TestRejectSignal_MapsReasons(t *testing.T) {
	cases := []struct {
		name   string
		reason domain.RejectReason
		want   domain.EndReason
		status domain.CallStatus
	}{
		{"declined", domain.RejectDeclined, domain.ReasonRejected, domain.CallRejected},
		{"busy", domain.RejectBusy, domain.ReasonBusy, domain.CallBusy},
		{"unreachable", domain.RejectUnreachable, domain.ReasonPeerUnreachable, domain.CallMissed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coord, channel, _, recorder, observer := newTestCoordinator(t)

			_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
			require.NoError(t, err)

			payload, _ := json.Marshal(domain.RejectPayload{Reason: tc.reason})
			channel.deliver(domain.SignalingMessage{
				Type:    domain.MessageReject,
				From:    "bob",
				To:      "alice",
				Payload: payload,
			})

			_, ok := coord.ActiveSession()
			assert.False(t, ok)
			assert.Equal(t, tc.want, observer.lastReason())

			entries := recorder.all()
			require.Len(t, entries, 1)
			assert.Equal(t, tc.status, entries[0].Status)
		})
	}
}

func TestICECandidate_ForwardedOnlyDuringCall(t *testing.T) {
	coord, channel, engine, _, _ := newTestCoordinator(t)

	candidatePayload, _ := json.Marshal(domain.ICECandidate{Candidate: "candidate:1"})

	// No session: discarded.
	channel.deliver(domain.SignalingMessage{
		Type:    domain.MessageICECandidate,
		From:    "bob",
		Payload: candidatePayload,
	})
	assert.Empty(t, engine.candidates)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	channel.deliver(domain.SignalingMessage{
		Type:    domain.MessageICECandidate,
		From:    "bob",
		Payload: candidatePayload,
	})
	assert.Len(t, engine.candidates, 1)

	// Candidate from an unrelated peer is discarded.
	channel.deliver(domain.SignalingMessage{
		Type:    domain.MessageICECandidate,
		From:    "carol",
		Payload: candidatePayload,
	})
	assert.Len(t, engine.candidates, 1)
}

func TestLocalCandidateRelayedToPeer(t *testing.T) {
	coord, channel, _, _, _ := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	coord.OnICECandidate(domain.ICECandidate{Candidate: "candidate:local"})

	relayed := channel.sentOfType(domain.MessageICECandidate)
	require.Len(t, relayed, 1)
	assert.Equal(t, domain.UserID("bob"), relayed[0].To)
}

func TestDurationAccounting(t *testing.T) {
	coord, _, _, recorder, _ := newTestCoordinator(t)

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	coord.now = func() time.Time { return clock }

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	coord.HandleAnswer(context.Background(), "bob", domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"})

	clock = clock.Add(3 * time.Second)
	coord.OnConnectionStateChanged(domain.MediaConnectionConnected)

	clock = clock.Add(95 * time.Second)
	require.NoError(t, coord.EndCall(context.Background()))

	entries := recorder.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.CallCompleted, entries[0].Status)
	// Duration counts from media connected, not from dialing.
	assert.Equal(t, int64(95), entries[0].Duration)
	assert.Equal(t, domain.UserID("alice"), entries[0].CallerID)
	assert.Equal(t, domain.UserID("bob"), entries[0].ReceiverID)
}

func TestTransportLossBeforeConnectTearsDownAsNegotiationFailed(t *testing.T) {
	coord, _, _, _, observer := newTestCoordinator(t)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)
	coord.HandleAnswer(context.Background(), "bob", domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"})

	coord.OnConnectionStateChanged(domain.MediaConnectionFailed)

	_, ok := coord.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, domain.ReasonNegotiationFailed, observer.lastReason())
}

func TestReleaseCallbackDoesNotReenterTeardown(t *testing.T) {
	coord, _, engine, recorder, _ := newTestCoordinator(t)

	// Engine close events fire synchronously from Release, like the real one.
	engine.releaseHook = func() {
		coord.OnConnectionStateChanged(domain.MediaConnectionClosed)
	}

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)
	require.NoError(t, coord.EndCall(context.Background()))

	assert.Equal(t, 1, engine.releaseCount())
	assert.Len(t, recorder.all(), 1)
}

func TestMuteAndCameraToggles(t *testing.T) {
	coord, _, engine, _, _ := newTestCoordinator(t)

	// Not in a call: toggles are invalid.
	assert.ErrorIs(t, coord.SetMuted(true), domain.ErrInvalidState)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaVideo)
	require.NoError(t, err)
	coord.HandleAnswer(context.Background(), "bob", domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"})

	require.NoError(t, coord.SetMuted(true))
	require.NoError(t, coord.SetCameraEnabled(false))

	session, _ := coord.ActiveSession()
	assert.False(t, session.LocalTracks.Audio)
	assert.False(t, session.LocalTracks.Video)
	assert.Equal(t, []bool{false}, engine.audioState)
	assert.Equal(t, []bool{false}, engine.videoState)

	require.NoError(t, coord.SetMuted(false))
	session, _ = coord.ActiveSession()
	assert.True(t, session.LocalTracks.Audio)
}

func TestMetricsTrackOutcomes(t *testing.T) {
	channel := newFakeChannel()
	engine := newFakeEngine()
	metrics := NewCallMetricsService()
	coord := NewCallCoordinator("alice", channel, engine, &fakeRecorder{}, metrics)

	_, err := coord.StartCall(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)
	coord.HandleAnswer(context.Background(), "bob", domain.SessionDescription{Type: "answer", SDP: "v=0\r\n"})
	coord.OnConnectionStateChanged(domain.MediaConnectionConnected)
	require.NoError(t, coord.EndCall(context.Background()))

	snapshot := metrics.Snapshot()
	assert.Equal(t, int64(1), snapshot.Connected)
	assert.Equal(t, int64(1), snapshot.TotalsByStatus[domain.CallCompleted])
}
