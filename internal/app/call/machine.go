// Package call drives a two-party media session from first contact to teardown.
//
// A Machine owns exactly one session. Commands from the UI, frames from the
// signaling channel, events from the negotiation engine and deadline fires are
// all consumed by the goroutine running Machine.Run, so session state is never
// shared between goroutines. Readers observe it through immutable snapshots.
package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the per-identity call settings.
type Config struct {
	Self       domain.UserID
	ICEServers []webrtc.ICEServer
	// DisconnectTimeout is how long a disconnected session may recover before teardown.
	DisconnectTimeout time.Duration
	// RingTimeout ends unanswered calls. Zero disables it.
	RingTimeout time.Duration
	// MaxRenegotiationFailures tears the session down after that many consecutive
	// failed renegotiations. Zero disables the limit.
	MaxRenegotiationFailures int
}

const (
	DefaultDisconnectTimeout        = 5 * time.Second
	DefaultRingTimeout              = 45 * time.Second
	DefaultMaxRenegotiationFailures = 3

	hangupSendTimeout = time.Second
)

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(m *Machine) { m.logger = l } }

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

type Machine struct {
	cfg     Config
	channel core.SignalChannel
	engines core.EngineFactory
	clock   clock.Clock
	logger  zerolog.Logger

	commands chan command
	timers   chan timerFired
	done     chan struct{}
	running  atomic.Bool

	// owned by Run
	sess        *session
	lastError   error
	channelOpen bool
	timerGen    uint64

	snap   atomic.Pointer[Snapshot]
	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

func New(cfg Config, channel core.SignalChannel, engines core.EngineFactory, opts ...Option) *Machine {
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	m := &Machine{
		cfg:      cfg,
		channel:  channel,
		engines:  engines,
		clock:    clock.New(),
		logger:   log.With().Str("module", "app.call").Str("self", string(cfg.Self)).Logger(),
		commands: make(chan command),
		timers:   make(chan timerFired, 4),
		done:     make(chan struct{}),
		sess:     newSession(),
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish()
	return m
}

// Run consumes inputs until ctx is done. It must be called exactly once.
// A live call is hung up before Run returns.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrStopped
	}
	inbound, unsubscribe := m.channel.Subscribe()
	defer unsubscribe()
	defer close(m.done)
	defer func() {
		if m.sess.state != Idle || m.sess.engine != nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), hangupSendTimeout)
			m.teardown(sendCtx, nil, true)
			cancel()
			m.publish()
		}
	}()

	m.logger.Info().Msg("call machine started")
	for {
		var engineEvents <-chan core.EngineEvent
		if m.sess.engine != nil {
			engineEvents = m.sess.engine.Events()
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("call machine stopping")
			return ctx.Err()
		case cmd := <-m.commands:
			err := cmd.fn(ctx)
			m.publish()
			cmd.reply <- err
			continue
		case ev, ok := <-inbound:
			if !ok {
				inbound = nil
				m.channelOpen = false
				m.logger.Warn().Msg("signal subscription ended")
				break
			}
			m.handleChannelEvent(ctx, ev)
		case ev := <-engineEvents:
			m.handleEngineEvent(ctx, ev)
		case t := <-m.timers:
			m.handleTimer(ctx, t)
		}
		m.publish()
	}
}

// do runs fn on the Run goroutine and waits for its result.
func (m *Machine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// InitiateCall starts an outgoing call to peer with the given local tracks.
func (m *Machine) InitiateCall(ctx context.Context, peer domain.UserID, tracks []core.LocalTrack) error {
	return m.do(ctx, func(ctx context.Context) error { return m.initiate(ctx, peer, tracks) })
}

// AnswerCall accepts the incoming call.
func (m *Machine) AnswerCall(ctx context.Context, tracks []core.LocalTrack) error {
	return m.do(ctx, func(ctx context.Context) error { return m.answer(ctx, tracks) })
}

// HangUp ends the current call. It is a no-op while Idle.
func (m *Machine) HangUp(ctx context.Context) error {
	return m.do(ctx, func(ctx context.Context) error {
		if m.sess.state == Idle && m.sess.engine == nil {
			m.sess.pending = candidateQueue{}
			return nil
		}
		m.logger.Info().Str("peer", string(m.sess.peer)).Msg("hanging up")
		m.teardown(ctx, nil, true)
		return nil
	})
}

// ToggleAudioMute flips every local audio track and returns the new muted flag.
func (m *Machine) ToggleAudioMute(ctx context.Context) (bool, error) {
	return m.toggleMute(ctx, webrtc.RTPCodecTypeAudio)
}

// ToggleVideoMute flips every local video track and returns the new muted flag.
func (m *Machine) ToggleVideoMute(ctx context.Context) (bool, error) {
	return m.toggleMute(ctx, webrtc.RTPCodecTypeVideo)
}

func (m *Machine) toggleMute(ctx context.Context, kind webrtc.RTPCodecType) (bool, error) {
	var muted bool
	err := m.do(ctx, func(context.Context) error {
		var err error
		muted, err = m.toggle(kind)
		return err
	})
	return muted, err
}

func (m *Machine) armDeadline(d *deadline, kind timerKind, after time.Duration) {
	d.disarm()
	m.timerGen++
	gen := m.timerGen
	d.gen = gen
	d.timer = m.clock.AfterFunc(after, func() {
		select {
		case m.timers <- timerFired{kind: kind, gen: gen}:
		case <-m.done:
		}
	})
}

func (m *Machine) handleTimer(ctx context.Context, t timerFired) {
	s := m.sess
	var d *deadline
	switch t.kind {
	case disconnectTimer:
		d = &s.disconnect
	case ringTimer:
		d = &s.ring
	}
	if !d.armed() || d.gen != t.gen {
		m.logger.Debug().Stringer("timer", t.kind).Msg("stale timer fire ignored")
		return
	}
	*d = deadline{}

	switch t.kind {
	case disconnectTimer:
		if s.connectivity != webrtc.ICEConnectionStateDisconnected {
			return
		}
		m.logger.Warn().Str("peer", string(s.peer)).Dur("after", m.cfg.DisconnectTimeout).Msg("connection did not recover")
		m.teardown(ctx, ErrConnectivityLost, true)
	case ringTimer:
		if s.state != Calling && s.state != Receiving {
			return
		}
		m.logger.Info().Str("peer", string(s.peer)).Stringer("state", s.state).Msg("call not answered in time")
		m.teardown(ctx, ErrRingTimeout, true)
	}
}

func (m *Machine) armRing() {
	if m.cfg.RingTimeout > 0 {
		m.armDeadline(&m.sess.ring, ringTimer, m.cfg.RingTimeout)
	}
}

// teardown destroys the session: deadlines disarmed, tracks stopped, engine
// closed and discarded. When notify is set the peer gets a best-effort hangup.
func (m *Machine) teardown(ctx context.Context, cause error, notify bool) {
	s := m.sess
	if notify && s.peer != "" {
		if err := m.send(ctx, domain.Hangup{From: m.cfg.Self, To: s.peer}); err != nil {
			m.logger.Debug().Err(err).Str("peer", string(s.peer)).Msg("hangup not delivered")
		}
	}
	s.disconnect.disarm()
	s.ring.disarm()
	for _, t := range s.localTracks {
		t.Stop()
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("engine close error")
		}
	}
	m.lastError = cause
	m.sess = newSession()
	ev := m.logger.Info()
	if cause != nil {
		ev = m.logger.Warn().Err(cause)
	}
	ev.Str("peer", string(s.peer)).Stringer("from", s.state).Msg("session ended")
}
