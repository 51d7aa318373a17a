package rtc

import (
	"errors"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackEnded = errors.New("track ended")

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateEnded
)

// LocalTrack wraps a sample track with an enabled flag. Samples written while
// muted are dropped; once stopped the track refuses writes for good.
type LocalTrack struct {
	Track *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateLive)
	ended chan struct{}
}

func NewLocalTrack(track *webrtc.TrackLocalStaticSample) *LocalTrack {
	return &LocalTrack{Track: track, ended: make(chan struct{})}
}

func (t *LocalTrack) ID() string                    { return t.Track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType     { return t.Track.Kind() }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.Track }

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) Enabled() bool { return t.State() == TrackStateLive }

// SetEnabled is a no-op on an ended track.
func (t *LocalTrack) SetEnabled(on bool) {
	from, to := TrackStateMuted, TrackStateLive
	if !on {
		from, to = TrackStateLive, TrackStateMuted
	}
	t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *LocalTrack) Stop() {
	if prev := t.state.Swap(int32(TrackStateEnded)); prev != int32(TrackStateEnded) {
		close(t.ended)
	}
}

// Ended is closed once Stop has been called.
func (t *LocalTrack) Ended() <-chan struct{} { return t.ended }

func (t *LocalTrack) WriteSample(s media.Sample) error {
	switch t.State() {
	case TrackStateEnded:
		return ErrTrackEnded
	case TrackStateMuted:
		return nil
	}
	return t.Track.WriteSample(s)
}

var _ core.LocalTrack = (*LocalTrack)(nil)
