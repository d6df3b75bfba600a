package webrtc

import (
	"context"
	"fmt"
	"sync"

	"passpot/internal/core/domain"
	"passpot/internal/core/ports"
	rlog "passpot/pkg/logger"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EngineConfig holds the WebRTC transport configuration.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Engine implements ports.MediaEngine over pion. It owns the local capture
// sources, the peer connection and the pending-candidate queue; remote ICE
// candidates arriving before the remote description are buffered and flushed
// in order once the description is applied.
type Engine struct {
	config  EngineConfig
	capture CaptureProvider

	mu      sync.Mutex
	handler ports.MediaEventHandler

	pc          *webrtc.PeerConnection
	localAudio  *webrtc.TrackLocalStaticRTP
	localVideo  *webrtc.TrackLocalStaticRTP
	audioSource CaptureSource
	videoSource CaptureSource

	audioEnabled bool
	videoEnabled bool
	facing       CameraFacing

	acquired      bool
	remoteApplied bool
	pending       []domain.ICECandidate
	released      bool
	captureGen    uint64

	logger *zap.SugaredLogger
}

// NewEngine creates a media engine backed by the given capture provider.
func NewEngine(config EngineConfig, capture CaptureProvider) *Engine {
	return &Engine{
		config:  config,
		capture: capture,
		facing:  FacingFront,
		logger:  rlog.New("info").Sugar(),
	}
}

// SetEventHandler registers the single downstream consumer of engine events.
func (e *Engine) SetEventHandler(handler ports.MediaEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// AcquireLocalTracks opens capture for the requested media kind. Capture is
// an exclusive resource: a second acquire while one is held fails with
// ErrCaptureHeld.
func (e *Engine) AcquireLocalTracks(ctx context.Context, kind domain.MediaKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.acquired {
		e.mu.Unlock()
		return domain.ErrCaptureHeld
	}
	e.acquired = true
	e.released = false
	gen := e.captureGen
	facing := e.facing
	e.mu.Unlock()

	audioSource, err := e.capture.OpenAudio(ctx)
	if err != nil {
		e.resetAcquired()
		return fmt.Errorf("%w: audio capture: %v", domain.ErrMediaUnavailable, err)
	}

	var videoSource CaptureSource
	if kindHasVideo(kind) {
		videoSource, err = e.capture.OpenVideo(ctx, facing)
		if err != nil {
			audioSource.Close()
			e.resetAcquired()
			return fmt.Errorf("%w: video capture: %v", domain.ErrMediaUnavailable, err)
		}
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "passpot-audio",
	)
	if err != nil {
		audioSource.Close()
		if videoSource != nil {
			videoSource.Close()
		}
		e.resetAcquired()
		return err
	}

	var videoTrack *webrtc.TrackLocalStaticRTP
	if videoSource != nil {
		videoTrack, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "passpot-video",
		)
		if err != nil {
			audioSource.Close()
			videoSource.Close()
			e.resetAcquired()
			return err
		}
	}

	e.mu.Lock()
	if e.released || e.captureGen != gen {
		// Release ran while capture was opening. The sources were never
		// installed, so nobody else will close them.
		e.mu.Unlock()
		audioSource.Close()
		if videoSource != nil {
			videoSource.Close()
		}
		return fmt.Errorf("%w: released while acquiring capture", domain.ErrMediaUnavailable)
	}
	e.localAudio = audioTrack
	e.localVideo = videoTrack
	e.audioSource = audioSource
	e.videoSource = videoSource
	e.audioEnabled = true
	e.videoEnabled = videoTrack != nil
	e.mu.Unlock()

	go e.pumpTrack(audioSource, audioTrack, e.audioOn)
	if videoSource != nil {
		go e.pumpTrack(videoSource, videoTrack, e.videoOn)
	}

	e.logger.Infow("local tracks acquired", "media", kind)
	return nil
}

// CreateOffer builds the local half of the handshake for an outgoing call.
func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	pc, err := e.ensurePeerConnection()
	if err != nil {
		return domain.SessionDescription{}, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}

	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer and builds the answering half of the
// handshake for an incoming call.
func (e *Engine) CreateAnswer(ctx context.Context, remoteOffer domain.SessionDescription) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}

	pc, err := e.ensurePeerConnection()
	if err != nil {
		return domain.SessionDescription{}, err
	}

	if err := e.applyRemote(pc, remoteOffer); err != nil {
		return domain.SessionDescription{}, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}

	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyRemoteDescription applies the peer's answer on the offering side and
// flushes any candidates buffered before it arrived.
func (e *Engine) ApplyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return domain.ErrInvalidState
	}

	return e.applyRemote(pc, desc)
}

// AddICECandidate forwards a remote candidate, buffering it if the remote
// description is not set yet. Buffered candidates are applied exactly once,
// in arrival order.
func (e *Engine) AddICECandidate(candidate domain.ICECandidate) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	if e.pc == nil || !e.remoteApplied {
		e.pending = append(e.pending, candidate)
		e.mu.Unlock()
		return nil
	}
	pc := e.pc
	e.mu.Unlock()

	return pc.AddICECandidate(candidateInit(candidate))
}

// SetAudioEnabled gates the microphone pump without touching capture.
func (e *Engine) SetAudioEnabled(enabled bool) {
	e.mu.Lock()
	e.audioEnabled = enabled
	e.mu.Unlock()
}

// SetVideoEnabled gates the camera pump without touching capture.
func (e *Engine) SetVideoEnabled(enabled bool) {
	e.mu.Lock()
	e.videoEnabled = enabled
	e.mu.Unlock()
}

// SwitchCamera swaps the video source for the opposite facing. The local
// video track is kept, so the peer connection is untouched.
func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	if e.videoSource == nil {
		e.mu.Unlock()
		return domain.ErrInvalidState
	}
	old := e.videoSource
	next := FacingBack
	if e.facing == FacingBack {
		next = FacingFront
	}
	track := e.localVideo
	e.mu.Unlock()

	source, err := e.capture.OpenVideo(context.Background(), next)
	if err != nil {
		return fmt.Errorf("%w: switch camera: %v", domain.ErrMediaUnavailable, err)
	}
	old.Close()

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		source.Close()
		return domain.ErrInvalidState
	}
	e.videoSource = source
	e.facing = next
	e.mu.Unlock()

	go e.pumpTrack(source, track, e.videoOn)
	e.logger.Infow("camera switched", "facing", next)
	return nil
}

// Release tears down capture, remote tracks and the negotiation object.
// Idempotent; every session teardown path ends here.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	e.captureGen++
	pc := e.pc
	audioSource := e.audioSource
	videoSource := e.videoSource

	e.pc = nil
	e.localAudio = nil
	e.localVideo = nil
	e.audioSource = nil
	e.videoSource = nil
	e.acquired = false
	e.remoteApplied = false
	e.pending = nil
	e.mu.Unlock()

	if audioSource != nil {
		audioSource.Close()
	}
	if videoSource != nil {
		videoSource.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			e.logger.Warnw("error closing peer connection", "error", err)
		}
	}

	e.logger.Infow("media engine released")
}

// --- internals ---

func (e *Engine) resetAcquired() {
	e.mu.Lock()
	e.acquired = false
	e.mu.Unlock()
}

func (e *Engine) audioOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioEnabled && !e.released
}

func (e *Engine) videoOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoEnabled && !e.released
}

func (e *Engine) currentHandler() ports.MediaEventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	return e.handler
}

func (e *Engine) ensurePeerConnection() (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	if e.pc != nil {
		pc := e.pc
		e.mu.Unlock()
		return pc, nil
	}
	audioTrack := e.localAudio
	videoTrack := e.localVideo
	e.mu.Unlock()

	settingEngine := webrtc.SettingEngine{}
	if e.config.PortRange.Min > 0 && e.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.config.PortRange.Min, e.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if audioTrack != nil {
		if sender, err := pc.AddTrack(audioTrack); err == nil {
			go e.drainSenderRTCP(sender)
		} else {
			pc.Close()
			return nil, err
		}
	}
	if videoTrack != nil {
		if sender, err := pc.AddTrack(videoTrack); err == nil {
			go e.drainSenderRTCP(sender)
		} else {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		handler := e.currentHandler()
		if handler == nil {
			return
		}
		init := candidate.ToJSON()
		handler.OnICECandidate(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := domain.MediaAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.MediaVideo
		}
		e.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", kind,
			"codec", track.Codec().MimeType,
		)

		if handler := e.currentHandler(); handler != nil {
			handler.OnRemoteTrack(domain.RemoteTrack{
				ID:    track.ID(),
				Kind:  kind,
				Codec: track.Codec().MimeType,
			})
		}

		go e.drainRemoteTrack(track)
		go e.processReceiverRTCP(track.ID(), receiver)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("peer connection state changed", "state", state)
		handler := e.currentHandler()
		if handler == nil {
			return
		}
		handler.OnConnectionStateChanged(connectionState(state))
	})

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		pc.Close()
		return nil, domain.ErrInvalidState
	}
	e.pc = pc
	e.mu.Unlock()
	return pc, nil
}

func (e *Engine) applyRemote(pc *webrtc.PeerConnection, desc domain.SessionDescription) error {
	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrNegotiationFailed, err)
	}

	e.mu.Lock()
	e.remoteApplied = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidateInit(candidate)); err != nil {
			e.logger.Warnw("error applying buffered candidate", "error", err)
		}
	}
	if len(pending) > 0 {
		e.logger.Debugw("flushed buffered candidates", "count", len(pending))
	}
	return nil
}

// pumpTrack forwards capture packets into a local track until the source
// closes. Disabled tracks drop packets but keep reading, so mute never
// stalls the capture pipeline.
func (e *Engine) pumpTrack(source CaptureSource, track *webrtc.TrackLocalStaticRTP, enabled func() bool) {
	for {
		packet, err := source.ReadRTP()
		if err != nil {
			return
		}
		if !enabled() {
			continue
		}
		if err := track.WriteRTP(packet); err != nil {
			e.logger.Debugw("error writing local packet", "error", err)
		}
	}
}

func (e *Engine) drainRemoteTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// processReceiverRTCP extracts quality hints from receiver reports; the
// values only feed logs for now.
func (e *Engine) processReceiverRTCP(trackID string, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if report, ok := packet.(*rtcp.ReceiverReport); ok {
				for _, r := range report.Reports {
					e.logger.Debugw("receiver report",
						"track_id", trackID,
						"fraction_lost", r.FractionLost,
						"jitter", r.Jitter,
					)
				}
			}
		}
	}
}

func candidateInit(candidate domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
}

func connectionState(state webrtc.PeerConnectionState) domain.MediaConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return domain.MediaConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return domain.MediaConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.MediaConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.MediaConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.MediaConnectionFailed
	default:
		return domain.MediaConnectionClosed
	}
}
