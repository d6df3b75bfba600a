package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	rlog "passpot/pkg/logger"
	"passpot/pkg/utils"

	"go.uber.org/zap"
)

// CallCoordinator owns the lifecycle of the single active call session. All
// transitions go through one mutex-protected section, so signaling events,
// user actions and media callbacks never interleave mid-transition. Engine
// and channel calls happen outside the lock; a per-session generation
// counter invalidates async work that outlives its session.
type CallCoordinator struct {
	selfID domain.UserID

	signaling ports.SignalingChannel
	engine    ports.MediaEngine
	recorder  ports.CallLogRecorder
	metrics   *CallMetricsService

	mu           sync.Mutex
	session      *domain.CallSession
	gen          uint64
	pendingOffer *domain.SessionDescription

	obsMu     sync.RWMutex
	observers map[int]ports.CallObserver
	nextObs   int

	unsubscribe func()
	now         func() time.Time

	logger *zap.SugaredLogger
}

// NewCallCoordinator wires the coordinator to its signaling channel and
// media engine. It subscribes itself for answer/candidate/reject/end
// messages; offers are routed in by the IncomingCallGate.
func NewCallCoordinator(
	selfID domain.UserID,
	signaling ports.SignalingChannel,
	engine ports.MediaEngine,
	recorder ports.CallLogRecorder,
	metrics *CallMetricsService,
) *CallCoordinator {
	c := &CallCoordinator{
		selfID:    selfID,
		signaling: signaling,
		engine:    engine,
		recorder:  recorder,
		metrics:   metrics,
		observers: make(map[int]ports.CallObserver),
		now:       time.Now,
		logger:    rlog.New("info").Sugar().With("user_id", selfID),
	}

	engine.SetEventHandler(c)
	c.unsubscribe = signaling.Subscribe(c.handleSignal)
	return c
}

// Subscribe registers an observer for session state changes. The returned
// function removes it; other observers are unaffected.
func (c *CallCoordinator) Subscribe(obs ports.CallObserver) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = obs
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// ActiveSession returns a snapshot of the current session, if any.
func (c *CallCoordinator) ActiveSession() (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.CallSession{}, false
	}
	return *c.session, true
}

// Close detaches the coordinator from its signaling channel and tears down
// any in-flight session.
func (c *CallCoordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.teardown(context.Background(), domain.ReasonHangup, true)
}

// StartCall initiates an outgoing call. It blocks through local media
// acquisition and offer creation; the session holds in Dialing for the
// whole window, so a concurrent second StartCall fails with ErrAlreadyInCall
// rather than racing.
func (c *CallCoordinator) StartCall(ctx context.Context, peerID domain.UserID, kind domain.MediaKind) (domain.CallID, error) {
	c.mu.Lock()
	if c.session != nil && c.session.State.InCall() {
		c.mu.Unlock()
		return "", domain.ErrAlreadyInCall
	}

	session := &domain.CallSession{
		ID:        domain.CallID(utils.GenerateCallID()),
		PeerID:    peerID,
		Direction: domain.DirectionOutgoing,
		Media:     kind,
		State:     domain.StateDialing,
		StartedAt: c.now(),
		LocalTracks: domain.TrackState{
			Audio: true,
			Video: kind == domain.MediaVideo,
		},
	}
	c.session = session
	c.gen++
	gen := c.gen
	change := c.stateChangeLocked("")
	c.mu.Unlock()

	c.notify(change)
	c.logger.Infow("starting call", "call_id", session.ID, "peer_id", peerID, "media", kind)

	if err := c.engine.AcquireLocalTracks(ctx, kind); err != nil {
		c.logger.Warnw("local media acquisition failed", "call_id", session.ID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonMediaUnavailable, false)
		return "", fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	offer, err := c.engine.CreateOffer(ctx)
	if err != nil {
		c.logger.Warnw("offer creation failed", "call_id", session.ID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonNegotiationFailed, false)
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	if !c.sessionAlive(gen, domain.StateDialing) {
		// Cancelled while we were setting up. Teardown released the engine,
		// and the engine closes any capture still being opened at that point.
		return "", domain.ErrNoActiveSession
	}

	if err := c.send(ctx, domain.MessageOffer, peerID, kind, offer); err != nil {
		c.logger.Warnw("offer delivery failed", "call_id", session.ID, "peer_id", peerID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonPeerUnreachable, false)
		return "", fmt.Errorf("%w: %v", domain.ErrPeerUnreachable, err)
	}

	return session.ID, nil
}

// HandleIncomingOffer routes a deduplicated offer into the state machine.
// If a call is already in progress the offer is answered with an immediate
// busy reject and local state is untouched.
func (c *CallCoordinator) HandleIncomingOffer(ctx context.Context, from domain.UserID, offer domain.SessionDescription, kind domain.MediaKind) error {
	c.mu.Lock()
	if c.session != nil && c.session.State.InCall() {
		c.mu.Unlock()
		c.logger.Infow("busy, auto-rejecting incoming offer", "peer_id", from)
		if err := c.send(ctx, domain.MessageReject, from, "", domain.RejectPayload{Reason: domain.RejectBusy}); err != nil {
			c.logger.Warnw("busy reject delivery failed", "peer_id", from, "error", err)
		}
		if c.metrics != nil {
			c.metrics.RecordBusyReject()
		}
		return nil
	}

	session := &domain.CallSession{
		ID:        domain.CallID(utils.GenerateCallID()),
		PeerID:    from,
		Direction: domain.DirectionIncoming,
		Media:     kind,
		State:     domain.StateRinging,
		StartedAt: c.now(),
	}
	c.session = session
	c.gen++
	offerCopy := offer
	c.pendingOffer = &offerCopy
	change := c.stateChangeLocked("")
	c.mu.Unlock()

	c.notify(change)
	c.logger.Infow("incoming call ringing", "call_id", session.ID, "peer_id", from, "media", kind)
	return nil
}

// AcceptIncoming answers a ringing call. Valid only from Ringing; the
// session moves to Connecting immediately so the line stays occupied while
// media acquisition and answer creation are pending.
func (c *CallCoordinator) AcceptIncoming(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.State != domain.StateRinging {
		c.mu.Unlock()
		return domain.ErrInvalidState
	}
	session := c.session
	session.State = domain.StateConnecting
	session.LocalTracks = domain.TrackState{
		Audio: true,
		Video: session.Media == domain.MediaVideo,
	}
	remoteOffer := *c.pendingOffer
	c.pendingOffer = nil
	gen := c.gen
	peerID := session.PeerID
	change := c.stateChangeLocked("")
	c.mu.Unlock()

	c.notify(change)

	if err := c.engine.AcquireLocalTracks(ctx, session.Media); err != nil {
		c.logger.Warnw("local media acquisition failed on accept", "call_id", session.ID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonMediaUnavailable, true)
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	answer, err := c.engine.CreateAnswer(ctx, remoteOffer)
	if err != nil {
		c.logger.Warnw("answer creation failed", "call_id", session.ID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonNegotiationFailed, true)
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	if !c.sessionAlive(gen, domain.StateConnecting) {
		return domain.ErrNoActiveSession
	}

	if err := c.send(ctx, domain.MessageAnswer, peerID, "", answer); err != nil {
		c.logger.Warnw("answer delivery failed", "call_id", session.ID, "peer_id", peerID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonPeerUnreachable, false)
		return fmt.Errorf("%w: %v", domain.ErrPeerUnreachable, err)
	}

	return nil
}

// RejectIncoming declines a ringing call and discards the session.
func (c *CallCoordinator) RejectIncoming(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.State != domain.StateRinging {
		c.mu.Unlock()
		return domain.ErrInvalidState
	}
	peerID := c.session.PeerID
	c.mu.Unlock()

	if err := c.send(ctx, domain.MessageReject, peerID, "", domain.RejectPayload{Reason: domain.RejectDeclined}); err != nil {
		c.logger.Warnw("reject delivery failed", "peer_id", peerID, "error", err)
	}
	c.teardown(ctx, domain.ReasonRejectedLocally, false)
	return nil
}

// EndCall terminates the current session from any non-terminal state. The
// peer is always notified, including during Dialing so the remote Ringing
// state does not linger. Calling it with no session in flight is a no-op.
func (c *CallCoordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || !c.session.State.InCall() {
		c.mu.Unlock()
		return nil
	}
	reason := domain.ReasonHangup
	switch c.session.State {
	case domain.StateDialing:
		reason = domain.ReasonCancelled
	case domain.StateRinging:
		reason = domain.ReasonCancelled
	}
	c.mu.Unlock()

	c.teardown(ctx, reason, true)
	return nil
}

// SetMuted toggles the local audio track. Valid only while Connecting or
// Active; capture is never recreated.
func (c *CallCoordinator) SetMuted(muted bool) error {
	if err := c.mutateTracks(func(t *domain.TrackState) { t.Audio = !muted }); err != nil {
		return err
	}
	c.engine.SetAudioEnabled(!muted)
	return nil
}

// SetCameraEnabled toggles the local video track.
func (c *CallCoordinator) SetCameraEnabled(enabled bool) error {
	if err := c.mutateTracks(func(t *domain.TrackState) { t.Video = enabled }); err != nil {
		return err
	}
	c.engine.SetVideoEnabled(enabled)
	return nil
}

// SwitchCamera flips the capture facing. Session state is untouched.
func (c *CallCoordinator) SwitchCamera() error {
	c.mu.Lock()
	ok := c.session != nil &&
		(c.session.State == domain.StateConnecting || c.session.State == domain.StateActive)
	c.mu.Unlock()
	if !ok {
		return domain.ErrInvalidState
	}
	return c.engine.SwitchCamera()
}

// --- signaling events ---

func (c *CallCoordinator) handleSignal(msg domain.SignalingMessage) {
	switch msg.Type {
	case domain.MessageAnswer:
		var answer domain.SessionDescription
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			c.logger.Warnw("malformed answer payload", "from", msg.From, "error", err)
			return
		}
		c.HandleAnswer(context.Background(), msg.From, answer)

	case domain.MessageICECandidate:
		var candidate domain.ICECandidate
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			c.logger.Warnw("malformed candidate payload", "from", msg.From, "error", err)
			return
		}
		c.HandleICECandidate(msg.From, candidate)

	case domain.MessageReject:
		var payload domain.RejectPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				payload.Reason = domain.RejectDeclined
			}
		}
		c.handleReject(msg.From, payload.Reason)

	case domain.MessageEnd:
		c.HandleRemoteEnd(msg.From)
	}
}

// HandleAnswer applies the remote answer. Valid only from Dialing; an
// out-of-state answer (call already ended) is logged and dropped.
func (c *CallCoordinator) HandleAnswer(ctx context.Context, from domain.UserID, answer domain.SessionDescription) {
	c.mu.Lock()
	if c.session == nil || c.session.State != domain.StateDialing || c.session.PeerID != from {
		c.mu.Unlock()
		c.logger.Infow("dropping out-of-state answer", "from", from)
		return
	}
	session := c.session
	session.State = domain.StateConnecting
	gen := c.gen
	change := c.stateChangeLocked("")
	c.mu.Unlock()

	c.notify(change)

	if err := c.engine.ApplyRemoteDescription(ctx, answer); err != nil {
		c.logger.Warnw("applying remote answer failed", "call_id", session.ID, "error", err)
		c.teardownGen(ctx, gen, domain.ReasonNegotiationFailed, true)
	}
}

// HandleICECandidate forwards a remote candidate to the media engine, which
// buffers it until the remote description is set. Candidates arriving after
// teardown are silently discarded.
func (c *CallCoordinator) HandleICECandidate(from domain.UserID, candidate domain.ICECandidate) {
	c.mu.Lock()
	ok := c.session != nil && c.session.State.InCall() &&
		c.session.State != domain.StateEnding && c.session.PeerID == from
	c.mu.Unlock()

	if !ok {
		c.logger.Debugw("discarding stale candidate", "from", from)
		return
	}
	if err := c.engine.AddICECandidate(candidate); err != nil {
		c.logger.Warnw("adding remote candidate failed", "from", from, "error", err)
	}
}

func (c *CallCoordinator) handleReject(from domain.UserID, reason domain.RejectReason) {
	c.mu.Lock()
	ok := c.session != nil && c.session.State.InCall() && c.session.PeerID == from
	c.mu.Unlock()
	if !ok {
		c.logger.Infow("dropping out-of-state reject", "from", from)
		return
	}

	endReason := domain.ReasonRejected
	switch reason {
	case domain.RejectBusy:
		endReason = domain.ReasonBusy
	case domain.RejectUnreachable:
		endReason = domain.ReasonPeerUnreachable
	}
	c.teardown(context.Background(), endReason, false)
}

// HandleRemoteEnd tears the session down on a peer-initiated end. End is
// authoritative: it interrupts any non-terminal state, including an accept
// the local side was concurrently sending.
func (c *CallCoordinator) HandleRemoteEnd(from domain.UserID) {
	c.mu.Lock()
	ok := c.session != nil && c.session.State.InCall() && c.session.PeerID == from
	c.mu.Unlock()
	if !ok {
		return
	}
	c.teardown(context.Background(), domain.ReasonRemoteHangup, false)
}

// --- media engine events (ports.MediaEventHandler) ---

// OnICECandidate relays a locally discovered candidate to the peer.
func (c *CallCoordinator) OnICECandidate(candidate domain.ICECandidate) {
	c.mu.Lock()
	if c.session == nil || !c.session.State.InCall() {
		c.mu.Unlock()
		return
	}
	peerID := c.session.PeerID
	c.mu.Unlock()

	if err := c.send(context.Background(), domain.MessageICECandidate, peerID, "", candidate); err != nil {
		c.logger.Warnw("candidate delivery failed", "peer_id", peerID, "error", err)
	}
}

// OnRemoteTrack records the peer's track arrival. Rendering is the UI's
// concern; the coordinator only logs it.
func (c *CallCoordinator) OnRemoteTrack(track domain.RemoteTrack) {
	c.logger.Infow("remote track available", "track_id", track.ID, "kind", track.Kind, "codec", track.Codec)
}

// OnConnectionStateChanged drives Connecting→Active when media actually
// flows, and tears down on transport failure. Events after teardown are
// ignored; engine.Release closing the connection must not re-enter.
func (c *CallCoordinator) OnConnectionStateChanged(state domain.MediaConnectionState) {
	switch state {
	case domain.MediaConnectionConnected:
		c.mu.Lock()
		if c.session == nil || c.session.State != domain.StateConnecting {
			c.mu.Unlock()
			return
		}
		now := c.now()
		c.session.State = domain.StateActive
		c.session.ConnectedAt = &now
		change := c.stateChangeLocked("")
		setup := now.Sub(c.session.StartedAt)
		c.mu.Unlock()

		c.notify(change)
		if c.metrics != nil {
			c.metrics.RecordCallConnected(setup)
		}

	case domain.MediaConnectionFailed, domain.MediaConnectionDisconnected, domain.MediaConnectionClosed:
		c.mu.Lock()
		if c.session == nil || !c.session.State.InCall() || c.session.State == domain.StateEnding {
			c.mu.Unlock()
			return
		}
		reason := domain.ReasonNegotiationFailed
		if c.session.ConnectedAt != nil {
			reason = domain.ReasonRemoteHangup
		}
		c.mu.Unlock()

		c.logger.Warnw("media transport lost", "state", state)
		c.teardown(context.Background(), reason, false)
	}
}

// --- internals ---

func (c *CallCoordinator) mutateTracks(fn func(*domain.TrackState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil ||
		(c.session.State != domain.StateConnecting && c.session.State != domain.StateActive) {
		return domain.ErrInvalidState
	}
	fn(&c.session.LocalTracks)
	return nil
}

// sessionAlive reports whether the session that started generation gen is
// still in the expected state.
func (c *CallCoordinator) sessionAlive(gen uint64, state domain.CallState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.session != nil && c.session.State == state
}

func (c *CallCoordinator) send(ctx context.Context, msgType domain.MessageType, to domain.UserID, media domain.MediaKind, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}

	return c.signaling.Send(ctx, domain.SignalingMessage{
		ID:      domain.MessageID(utils.GenerateMessageID()),
		Type:    msgType,
		From:    c.selfID,
		To:      to,
		Media:   media,
		Payload: raw,
		SentAt:  c.now(),
	})
}

// teardownGen tears down only if the session generation still matches, so a
// failure from an abandoned async setup cannot kill a newer session.
func (c *CallCoordinator) teardownGen(ctx context.Context, gen uint64, reason domain.EndReason, notifyPeer bool) {
	c.mu.Lock()
	stale := c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.teardown(ctx, reason, notifyPeer)
}

func (c *CallCoordinator) teardown(ctx context.Context, reason domain.EndReason, notifyPeer bool) {
	c.mu.Lock()
	if c.session == nil || c.session.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	session := c.session
	endingChange := domain.CallStateChange{}
	if session.State != domain.StateEnding {
		session.State = domain.StateEnding
		endingChange = c.stateChangeLocked("")
	}

	endedAt := c.now()
	entry := c.logEntryLocked(session, reason, endedAt)

	session.State = domain.StateEnded
	endedChange := c.stateChangeLocked(reason)
	c.session = nil
	c.pendingOffer = nil
	c.gen++
	peerID := session.PeerID
	c.mu.Unlock()

	if endingChange.CallID != "" {
		c.notify(endingChange)
	}

	c.engine.Release()

	if notifyPeer {
		if err := c.send(ctx, domain.MessageEnd, peerID, "", nil); err != nil {
			c.logger.Infow("end notification delivery failed", "peer_id", peerID, "error", err)
		}
	}

	c.notify(endedChange)

	if c.recorder != nil {
		c.recorder.Record(entry)
	}
	if c.metrics != nil {
		c.metrics.RecordCallEnded(entry.Status, time.Duration(entry.Duration)*time.Second)
	}

	c.logger.Infow("call ended",
		"call_id", session.ID,
		"peer_id", peerID,
		"reason", reason,
		"status", entry.Status,
		"duration", utils.FormatDuration(time.Duration(entry.Duration)*time.Second),
	)
}

func (c *CallCoordinator) logEntryLocked(session *domain.CallSession, reason domain.EndReason, endedAt time.Time) domain.CallLogEntry {
	callerID, receiverID := c.selfID, session.PeerID
	if session.Direction == domain.DirectionIncoming {
		callerID, receiverID = session.PeerID, c.selfID
	}

	connected := session.ConnectedAt != nil
	status := domain.StatusForReason(reason, connected)
	var duration int64
	if connected {
		duration = int64(session.Duration(endedAt).Round(time.Second) / time.Second)
	}

	return domain.CallLogEntry{
		ID:         utils.GenerateEntryID(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   session.Media,
		Status:     status,
		Duration:   duration,
		StartTime:  session.StartedAt,
		EndTime:    endedAt,
	}
}

// stateChangeLocked snapshots the current session state for observers.
// Callers hold c.mu.
func (c *CallCoordinator) stateChangeLocked(reason domain.EndReason) domain.CallStateChange {
	return domain.CallStateChange{
		CallID: c.session.ID,
		PeerID: c.session.PeerID,
		State:  c.session.State,
		Reason: reason,
	}
}

func (c *CallCoordinator) notify(change domain.CallStateChange) {
	c.obsMu.RLock()
	observers := make([]ports.CallObserver, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.obsMu.RUnlock()

	for _, obs := range observers {
		obs.OnCallStateChanged(change)
	}
}
