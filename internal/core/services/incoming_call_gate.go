package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	"passpot/pkg/cache"
	rlog "passpot/pkg/logger"
	"passpot/pkg/utils"

	"go.uber.org/zap"
)

// DefaultDedupWindow covers the race between socket delivery and a
// push-triggered cold start without keeping keys around for a whole session.
const DefaultDedupWindow = 30 * time.Second

// IncomingCallGate funnels call offers from both delivery paths (live
// signaling socket and cold-start push payload) into exactly one
// HandleIncomingOffer invocation. Duplicate and stale offers are expected
// races, not faults: they are dropped silently.
type IncomingCallGate struct {
	selfID   domain.UserID
	sink     ports.CallOfferSink
	recorder ports.CallLogRecorder

	window time.Duration
	seen   *cache.Cache

	unsubscribe func()
	now         func() time.Time

	logger *zap.SugaredLogger
}

// NewIncomingCallGate wires the gate to the signaling channel for live
// offers. Push payloads enter through HandlePushPayload. window <= 0 picks
// DefaultDedupWindow.
func NewIncomingCallGate(
	selfID domain.UserID,
	signaling ports.SignalingChannel,
	sink ports.CallOfferSink,
	recorder ports.CallLogRecorder,
	window time.Duration,
) *IncomingCallGate {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	g := &IncomingCallGate{
		selfID:   selfID,
		sink:     sink,
		recorder: recorder,
		window:   window,
		seen:     cache.NewCache(window),
		now:      time.Now,
		logger:   rlog.New("info").Sugar().With("user_id", selfID),
	}

	g.unsubscribe = signaling.Subscribe(func(msg domain.SignalingMessage) {
		if msg.Type != domain.MessageOffer {
			return
		}
		g.HandleOffer(context.Background(), msg)
	})
	return g
}

// Close detaches the gate from the signaling channel and stops the dedup
// set's cleanup loop.
func (g *IncomingCallGate) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
	g.seen.Stop()
}

// HandlePushPayload feeds an offer delivered out-of-band via a push
// notification into the same dedup path as socket offers.
func (g *IncomingCallGate) HandlePushPayload(ctx context.Context, msg domain.SignalingMessage) {
	if msg.Type != domain.MessageOffer {
		g.logger.Debugw("ignoring non-offer push payload", "type", msg.Type)
		return
	}
	g.HandleOffer(ctx, msg)
}

// HandleOffer deduplicates and forwards a single offer. A second delivery of
// the same offer key within the window is discarded. An offer older than the
// window rang out while the app was unreachable: it is recorded as a missed
// call and never re-opened.
func (g *IncomingCallGate) HandleOffer(ctx context.Context, msg domain.SignalingMessage) {
	key := g.offerKey(msg)

	if _, dup := g.seen.Get(key); dup {
		g.logger.Debugw("duplicate offer discarded", "key", key, "from", msg.From)
		return
	}
	g.seen.Set(key, struct{}{})

	if !msg.SentAt.IsZero() && g.now().Sub(msg.SentAt) > g.window {
		g.logger.Infow("stale offer reported as missed call", "from", msg.From, "sent_at", msg.SentAt)
		g.recordMissed(msg)
		return
	}

	var offer domain.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		g.logger.Warnw("malformed offer payload", "from", msg.From, "error", err)
		return
	}

	kind := msg.Media
	if kind == "" {
		kind = domain.MediaAudio
	}

	if err := g.sink.HandleIncomingOffer(ctx, msg.From, offer, kind); err != nil {
		g.logger.Warnw("offer rejected by coordinator", "from", msg.From, "error", err)
	}
}

func (g *IncomingCallGate) offerKey(msg domain.SignalingMessage) string {
	if msg.ID != "" {
		return string(msg.ID)
	}
	sum := sha256.Sum256(msg.Payload)
	return fmt.Sprintf("%s:%s", msg.From, hex.EncodeToString(sum[:8]))
}

func (g *IncomingCallGate) recordMissed(msg domain.SignalingMessage) {
	if g.recorder == nil {
		return
	}

	kind := msg.Media
	if kind == "" {
		kind = domain.MediaAudio
	}
	startTime := msg.SentAt
	if startTime.IsZero() {
		startTime = g.now()
	}

	g.recorder.Record(domain.CallLogEntry{
		ID:         utils.GenerateEntryID(),
		CallerID:   msg.From,
		ReceiverID: g.selfID,
		CallType:   kind,
		Status:     domain.CallMissed,
		StartTime:  startTime,
		EndTime:    g.now(),
	})
}
