// Package media captures local tracks for a call. Without capture devices the
// source produces Opus silence so the peer still receives a live audio stream.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

var (
	ErrNoDevice = errors.New("no capture device for requested kind")

	opusSilence = []byte{0xf8, 0xff, 0xfe}
)

// Constraints mirror what a caller asks for when starting a call.
type Constraints struct {
	Audio bool
	Video bool
}

type Source struct {
	clock    clock.Clock
	streamID string
}

func NewSource(clk clock.Clock) *Source {
	if clk == nil {
		clk = clock.New()
	}
	return &Source{clock: clk, streamID: "peercall-" + uuid.NewString()}
}

// Capture returns one track per requested kind. Tracks stop producing samples
// when stopped or when ctx is done.
func (s *Source) Capture(ctx context.Context, c Constraints) ([]core.LocalTrack, error) {
	if c.Video {
		return nil, fmt.Errorf("%w: video", ErrNoDevice)
	}
	if !c.Audio {
		return nil, fmt.Errorf("%w: nothing requested", ErrNoDevice)
	}
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString()[:8], s.streamID,
	)
	if err != nil {
		return nil, err
	}
	track := rtc.NewLocalTrack(sample)
	go s.pump(ctx, track)
	return []core.LocalTrack{track}, nil
}

func (s *Source) pump(ctx context.Context, track *rtc.LocalTrack) {
	logger := log.With().Str("module", "media").Str("track_id", track.ID()).Logger()
	ticker := s.clock.Ticker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			track.Stop()
			return
		case <-track.Ended():
			logger.Debug().Msg("capture stopped")
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				if errors.Is(err, rtc.ErrTrackEnded) {
					return
				}
				logger.Warn().Err(err).Msg("write sample")
			}
		}
	}
}
