package webrtc

import (
	"context"
	"testing"
	"time"

	"passpot/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerSource_EmitsMonotonicPackets(t *testing.T) {
	src := newTickerSource(time.Millisecond, 96)
	defer src.Close()

	first, err := src.ReadRTP()
	require.NoError(t, err)
	second, err := src.ReadRTP()
	require.NoError(t, err)

	assert.Equal(t, uint8(96), first.PayloadType)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Len(t, first.Payload, 160)
}

func TestTickerSource_CloseUnblocksRead(t *testing.T) {
	src := newTickerSource(time.Hour, 96)

	done := make(chan error, 1)
	go func() {
		_, err := src.ReadRTP()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errSourceClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadRTP did not unblock on Close")
	}
}

func TestTickerSource_CloseIdempotent(t *testing.T) {
	src := newTickerSource(time.Millisecond, 96)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, err := src.ReadRTP()
	assert.ErrorIs(t, err, errSourceClosed)
}

func TestSyntheticCapture_OpensBothKinds(t *testing.T) {
	provider := NewSyntheticCapture()
	provider.Interval = time.Millisecond

	audio, err := provider.OpenAudio(context.Background())
	require.NoError(t, err)
	defer audio.Close()

	video, err := provider.OpenVideo(context.Background(), FacingFront)
	require.NoError(t, err)
	defer video.Close()

	pkt, err := audio.ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, uint8(96), pkt.PayloadType)

	pkt, err = video.ReadRTP()
	require.NoError(t, err)
	assert.Equal(t, uint8(97), pkt.PayloadType)
}

func TestKindHasVideo(t *testing.T) {
	assert.True(t, kindHasVideo(domain.MediaVideo))
	assert.False(t, kindHasVideo(domain.MediaAudio))
}
