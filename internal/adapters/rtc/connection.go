package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 64

var ErrConnectionClosed = errors.New("peer connection closed")

// Connection is a pion-backed core.Engine. Pion callbacks are turned into
// events on a single channel; every other method is called by the call machine.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	events     chan core.EngineEvent
	done       chan struct{}
	closeOnce  sync.Once
	iceRestart atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	sinks  []*RemoteSink
}

// NewFactory returns an EngineFactory creating one Connection per call.
func NewFactory(api *webrtc.API, self domain.UserID) core.EngineFactory {
	return func(ctx context.Context, cfg core.EngineConfig) (core.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, err
		}
		logger := log.With().Str("module", "webrtc").Str("self", string(self)).Logger()
		return newConnection(pc, logger), nil
	}
}

func newConnection(pc *webrtc.PeerConnection, logger zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		logger: logger,
		events: make(chan core.EngineEvent, eventBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.bind()
	return c
}

func (c *Connection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if cand == nil {
			c.logger.Debug().Msg("candidate gathering complete")
			return
		}
		c.emit(core.CandidateGenerated{Candidate: cand.ToJSON()})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger := c.logger.With().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Logger()
		logger.Info().Msg("OnTrack received")

		sink := NewRemoteSink(track)
		c.mu.Lock()
		c.sinks = append(c.sinks, sink)
		c.mu.Unlock()
		sink.Start(c.ctx, logger)

		c.emit(core.TrackReceived{Track: track})
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		c.emit(core.ConnectivityChanged{State: s})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	c.pc.OnNegotiationNeeded(func() {
		c.emit(core.RenegotiationNeeded{})
	})
}

// emit blocks until the event is buffered or the connection is closed.
func (c *Connection) emit(ev core.EngineEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Connection) Events() <-chan core.EngineEvent { return c.events }

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.usable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	opts := &webrtc.OfferOptions{ICERestart: c.iceRestart.Swap(false)}
	if opts.ICERestart {
		c.logger.Info().Msg("creating ICE restart offer")
	}
	return c.pc.CreateOffer(opts)
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.usable(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(ctx context.Context, d webrtc.SessionDescription) error {
	if err := c.usable(ctx); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(ctx context.Context, d webrtc.SessionDescription) error {
	if err := c.usable(ctx); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ctx context.Context, ci webrtc.ICECandidateInit) error {
	if err := c.usable(ctx); err != nil {
		return err
	}
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and drains RTCP from its sender.
func (c *Connection) AddTrack(t core.LocalTrack) error {
	if err := c.usable(context.Background()); err != nil {
		return err
	}
	sender, err := c.pc.AddTrack(t.TrackLocal())
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	c.logger.Debug().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("local track added")
	return nil
}

// RestartConnectivity flags the next offer as an ICE restart and asks for renegotiation.
func (c *Connection) RestartConnectivity() error {
	if err := c.usable(context.Background()); err != nil {
		return err
	}
	c.iceRestart.Store(true)
	// called from the events consumer, so never block here
	select {
	case c.events <- core.RenegotiationNeeded{}:
	default:
		c.logger.Warn().Msg("event buffer full, ICE restart deferred to next negotiation")
	}
	return nil
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.mu.Lock()
		for _, s := range c.sinks {
			s.Stop()
		}
		c.mu.Unlock()
		if err = c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return err
}

func (c *Connection) usable(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return ctx.Err()
}

var _ core.Engine = (*Connection)(nil)
