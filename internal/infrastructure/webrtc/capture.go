package webrtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"passpot/internal/core/domain"

	"github.com/pion/rtp"
)

// CameraFacing selects which capture device feeds the video track.
type CameraFacing string

const (
	FacingFront CameraFacing = "front"
	FacingBack  CameraFacing = "back"
)

// CaptureSource produces RTP packets for one local track. ReadRTP blocks
// until a packet is available or the source is closed.
type CaptureSource interface {
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// CaptureProvider opens capture sources. The camera and microphone are
// exclusive resources: a provider may be asked for at most one source per
// kind at a time; the engine enforces this at the acquire level.
type CaptureProvider interface {
	OpenAudio(ctx context.Context) (CaptureSource, error)
	OpenVideo(ctx context.Context, facing CameraFacing) (CaptureSource, error)
}

var errSourceClosed = errors.New("capture source closed")

// SyntheticCapture is a CaptureProvider that emits placeholder packets at a
// fixed cadence. It stands in for platform capture in the example client and
// in tests.
type SyntheticCapture struct {
	Interval time.Duration
}

func NewSyntheticCapture() *SyntheticCapture {
	return &SyntheticCapture{Interval: 20 * time.Millisecond}
}

func (p *SyntheticCapture) OpenAudio(ctx context.Context) (CaptureSource, error) {
	return newTickerSource(p.Interval, 96), nil
}

func (p *SyntheticCapture) OpenVideo(ctx context.Context, facing CameraFacing) (CaptureSource, error) {
	return newTickerSource(p.Interval, 97), nil
}

type tickerSource struct {
	interval    time.Duration
	payloadType uint8

	mu       sync.Mutex
	seq      uint16
	ts       uint32
	closed   bool
	closedCh chan struct{}
}

func newTickerSource(interval time.Duration, payloadType uint8) *tickerSource {
	return &tickerSource{
		interval:    interval,
		payloadType: payloadType,
		closedCh:    make(chan struct{}),
	}
}

func (s *tickerSource) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-s.closedCh:
		return nil, errSourceClosed
	case <-time.After(s.interval):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSourceClosed
	}
	s.seq++
	s.ts += uint32(s.interval / time.Millisecond * 48) // 48kHz clock
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: make([]byte, 160),
	}, nil
}

func (s *tickerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	return nil
}

// kindHasVideo reports whether the media profile includes a camera track.
func kindHasVideo(kind domain.MediaKind) bool {
	return kind == domain.MediaVideo
}
