package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RemoteSink drains a remote track so its buffers never fill up. Playback is
// outside this process; Forward may tap the packets.
type RemoteSink struct {
	Src     *webrtc.TrackRemote
	Forward func(*rtp.Packet)

	packets atomic.Uint64
	bytes   atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRemoteSink(src *webrtc.TrackRemote) *RemoteSink {
	return &RemoteSink{Src: src, done: make(chan struct{})}
}

// Start reads until ctx is done or the track ends.
func (s *RemoteSink) Start(ctx context.Context, logger zerolog.Logger) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx, logger)
}

func (s *RemoteSink) loop(ctx context.Context, logger zerolog.Logger) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Uint64("packets", s.packets.Load()).Msg("sink ctx done")
			return
		default:
		}
		pkt, _, err := s.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Uint64("packets", s.packets.Load()).Msg("remote track ended")
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		if s.Forward != nil {
			s.Forward(pkt)
		}
	}
}

func (s *RemoteSink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Stats returns packets and payload bytes read so far.
func (s *RemoteSink) Stats() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}
