package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

func (m *Machine) handleChannelEvent(ctx context.Context, ev core.ChannelEvent) {
	switch ev.Kind {
	case core.ChannelOpened:
		m.channelOpen = true
		m.logger.Info().Msg("signal channel open")
	case core.ChannelClosed:
		m.channelOpen = false
		m.logger.Warn().Err(ev.Err).Stringer("state", m.sess.state).Msg("signal channel closed")
	case core.ChannelMessage:
		m.handleFrame(ctx, ev.Frame)
	}
}

func (m *Machine) handleFrame(ctx context.Context, frame core.Frame) {
	env, err := domain.DecodeEnvelope(frame)
	if errors.Is(err, domain.ErrUnsupportedKind) {
		m.logger.Debug().Err(err).Msg("frame ignored")
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("bad frame")
		return
	}
	route := env.Route()
	if route.ReceiverID != m.cfg.Self {
		m.logger.Debug().Str("receiver", string(route.ReceiverID)).Str("type", string(route.Type)).Msg("frame for another identity dropped")
		return
	}
	if route.SenderID == m.cfg.Self {
		m.logger.Warn().Str("type", string(route.Type)).Msg("frame from own identity dropped")
		return
	}
	if m.sess.state != Idle && route.SenderID != m.sess.peer {
		m.logger.Warn().
			Err(ErrPeerMismatch).
			Str("sender", string(route.SenderID)).
			Str("peer", string(m.sess.peer)).
			Str("type", string(route.Type)).
			Msg("frame dropped")
		return
	}
	env.Dispatch(inbound{m: m, ctx: ctx})
}

// inbound binds envelope variants to the machine for one dispatched frame.
type inbound struct {
	m   *Machine
	ctx context.Context
}

func (in inbound) HandleOffer(e domain.Offer)         { in.m.onOffer(in.ctx, e) }
func (in inbound) HandleAnswer(e domain.Answer)       { in.m.onAnswer(in.ctx, e) }
func (in inbound) HandleCandidate(e domain.Candidate) { in.m.onCandidate(in.ctx, e) }
func (in inbound) HandleHangup(e domain.Hangup)       { in.m.onHangup(in.ctx, e) }

func (m *Machine) onOffer(ctx context.Context, e domain.Offer) {
	s := m.sess
	switch {
	case s.state == Idle:
		m.acceptOffer(ctx, e)
	case s.state == Connected:
		m.applyRenegotiationOffer(ctx, e)
	default:
		m.logger.Warn().Str("sender", string(e.From)).Stringer("state", s.state).Msg("offer ignored while busy")
	}
}

func (m *Machine) acceptOffer(ctx context.Context, e domain.Offer) {
	if err := m.open(ctx, e.From); err != nil {
		m.lastError = err
		m.logger.Error().Err(err).Str("sender", string(e.From)).Msg("cannot take incoming call")
		return
	}
	s := m.sess
	if err := s.engine.SetRemoteDescription(ctx, e.SDP); err != nil {
		m.fail(ctx, "apply remote offer", engineError(err))
		return
	}
	s.remoteSet = true
	s.state = Receiving
	m.drainCandidates(ctx)
	m.armRing()
	m.logger.Info().Str("peer", string(e.From)).Msg("incoming call")
}

func (m *Machine) onAnswer(ctx context.Context, e domain.Answer) {
	s := m.sess
	switch {
	// connectivity may report connected before the answer arrives
	case s.state == Calling, s.state == Connected && !s.remoteSet:
		if err := s.engine.SetRemoteDescription(ctx, e.SDP); err != nil {
			m.fail(ctx, "apply remote answer", engineError(err))
			return
		}
		s.remoteSet = true
		s.state = Connected
		s.ring.disarm()
		m.drainCandidates(ctx)
		m.logger.Info().Str("peer", string(s.peer)).Msg("call answered")
	case s.state == Connected && s.engine.SignalingState() == webrtc.SignalingStateHaveLocalOffer:
		if err := s.engine.SetRemoteDescription(ctx, e.SDP); err != nil {
			m.renegotiationFailed(ctx, fmt.Errorf("apply renegotiation answer: %w", engineError(err)))
			return
		}
		s.renegotiationFailures = 0
		m.logger.Debug().Msg("renegotiation answer applied")
	default:
		m.logger.Warn().Str("sender", string(e.From)).Stringer("state", s.state).Msg("unexpected answer ignored")
	}
}

func (m *Machine) onCandidate(ctx context.Context, e domain.Candidate) {
	s := m.sess
	if s.engine != nil && s.remoteSet {
		m.applyCandidate(ctx, e.Candidate)
		return
	}
	s.pending.push(e.From, e.Candidate)
	m.logger.Debug().Str("sender", string(e.From)).Int("pending", s.pending.len()).Msg("candidate queued")
}

func (m *Machine) onHangup(ctx context.Context, e domain.Hangup) {
	if m.sess.state == Idle {
		m.logger.Debug().Str("sender", string(e.From)).Msg("hangup while idle ignored")
		return
	}
	m.logger.Info().Str("peer", string(e.From)).Msg("peer hung up")
	m.teardown(ctx, nil, false)
}

// drainCandidates applies queued candidates from the peer in arrival order
// and leaves the queue empty.
func (m *Machine) drainCandidates(ctx context.Context) {
	s := m.sess
	queued := s.pending.take(s.peer)
	for _, c := range queued {
		m.applyCandidate(ctx, c)
	}
	if len(queued) > 0 {
		m.logger.Debug().Int("applied", len(queued)).Msg("pending candidates drained")
	}
}

func (m *Machine) applyCandidate(ctx context.Context, c webrtc.ICECandidateInit) {
	if err := m.sess.engine.AddICECandidate(ctx, c); err != nil {
		m.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("add candidate failed")
	}
}

// send encodes env and hands it to the channel. Any failure is reported as
// ErrChannelUnavailable.
func (m *Machine) send(ctx context.Context, env domain.Envelope) error {
	frame, err := domain.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := m.channel.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	return nil
}
