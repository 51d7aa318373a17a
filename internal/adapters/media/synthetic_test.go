package media

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureAudio(t *testing.T) {
	clk := clock.NewMock()
	tracks, err := NewSource(clk).Capture(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.True(t, tracks[0].Enabled())

	clk.Add(100 * time.Millisecond)
	tracks[0].Stop()
	assert.Equal(t, rtc.TrackStateEnded, tracks[0].(*rtc.LocalTrack).State())
}

func TestCaptureStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tracks, err := NewSource(clock.NewMock()).Capture(ctx, Constraints{Audio: true})
	require.NoError(t, err)
	cancel()

	track := tracks[0].(*rtc.LocalTrack)
	select {
	case <-track.Ended():
	case <-time.After(time.Second):
		t.Fatal("track not stopped after cancel")
	}
}

func TestCaptureUnavailableKinds(t *testing.T) {
	_, err := NewSource(nil).Capture(context.Background(), Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = NewSource(nil).Capture(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNoDevice)
}
