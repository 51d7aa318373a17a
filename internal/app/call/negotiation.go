package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

func engineError(err error) error {
	if errors.Is(err, ErrEngineFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEngineFailure, err)
}

// open creates the engine for a new session with peer.
func (m *Machine) open(ctx context.Context, peer domain.UserID) error {
	engine, err := m.engines(ctx, core.EngineConfig{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("create engine: %w", engineError(err))
	}
	s := m.sess
	s.engine = engine
	s.peer = peer
	s.connectivity = webrtc.ICEConnectionStateNew
	m.lastError = nil
	return nil
}

// fail tears the session down after an operation error and returns the wrapped cause.
func (m *Machine) fail(ctx context.Context, op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	m.logger.Error().Err(err).Str("peer", string(m.sess.peer)).Msg("call operation failed")
	m.teardown(ctx, err, !errors.Is(err, ErrChannelUnavailable))
	return err
}

func (m *Machine) initiate(ctx context.Context, peer domain.UserID, tracks []core.LocalTrack) error {
	if m.sess.state != Idle {
		return &StateError{Op: "initiate call", State: m.sess.state}
	}
	if peer == "" {
		return ErrMissingPeer
	}
	if peer == m.cfg.Self {
		return ErrSelfCall
	}
	if len(tracks) == 0 {
		return fmt.Errorf("%w: no local tracks", ErrMediaUnavailable)
	}
	if err := m.open(ctx, peer); err != nil {
		return err
	}
	// candidates queued while idle belong to an offer that never came
	m.sess.pending = candidateQueue{}

	if err := m.attachTracks(tracks); err != nil {
		return m.fail(ctx, "add local tracks", err)
	}
	offer, err := m.createLocalOffer(ctx)
	if err != nil {
		return m.fail(ctx, "create offer", err)
	}
	if err := m.send(ctx, domain.Offer{From: m.cfg.Self, To: peer, SDP: offer}); err != nil {
		return m.fail(ctx, "send offer", err)
	}
	m.sess.state = Calling
	m.armRing()
	m.logger.Info().Str("peer", string(peer)).Msg("calling")
	return nil
}

func (m *Machine) answer(ctx context.Context, tracks []core.LocalTrack) error {
	s := m.sess
	if s.state != Receiving {
		return &StateError{Op: "answer call", State: s.state}
	}
	if len(tracks) == 0 {
		return fmt.Errorf("%w: no local tracks", ErrMediaUnavailable)
	}
	if err := m.attachTracks(tracks); err != nil {
		return m.fail(ctx, "add local tracks", err)
	}
	answer, err := s.engine.CreateAnswer(ctx)
	if err != nil {
		return m.fail(ctx, "create answer", engineError(err))
	}
	if err := s.engine.SetLocalDescription(ctx, answer); err != nil {
		return m.fail(ctx, "apply local answer", engineError(err))
	}
	if err := m.send(ctx, domain.Answer{From: m.cfg.Self, To: s.peer, SDP: answer}); err != nil {
		return m.fail(ctx, "send answer", err)
	}
	s.state = Connected
	s.ring.disarm()
	m.logger.Info().Str("peer", string(s.peer)).Msg("call accepted")
	return nil
}

// attachTracks hands ownership of tracks to the session before adding them to
// the engine, so a partial failure still stops every track on teardown.
func (m *Machine) attachTracks(tracks []core.LocalTrack) error {
	s := m.sess
	s.localTracks = append(s.localTracks, tracks...)
	for _, t := range tracks {
		if err := s.engine.AddTrack(t); err != nil {
			return engineError(fmt.Errorf("track %s: %w", t.ID(), err))
		}
	}
	s.refreshMuted()
	return nil
}

// createLocalOffer runs one create-offer/set-local round trip.
func (m *Machine) createLocalOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	s := m.sess
	if !s.negotiation.begin() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: negotiation already in flight", ErrEngineFailure)
	}
	defer s.negotiation.end()

	offer, err := s.engine.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, engineError(err)
	}
	if err := s.engine.SetLocalDescription(ctx, offer); err != nil {
		return webrtc.SessionDescription{}, engineError(err)
	}
	return offer, nil
}

func (m *Machine) handleEngineEvent(ctx context.Context, ev core.EngineEvent) {
	s := m.sess
	switch e := ev.(type) {
	case core.CandidateGenerated:
		if s.peer == "" {
			m.logger.Debug().Msg("local candidate without peer dropped")
			return
		}
		if err := m.send(ctx, domain.Candidate{From: m.cfg.Self, To: s.peer, Candidate: e.Candidate}); err != nil {
			m.fail(ctx, "send candidate", err)
		}
	case core.TrackReceived:
		s.addRemoteTrack(e.Track)
		m.logger.Info().
			Str("track_id", e.Track.ID()).
			Str("stream_id", e.Track.StreamID()).
			Str("kind", e.Track.Kind().String()).
			Msg("remote track")
	case core.ConnectivityChanged:
		m.onConnectivity(ctx, e.State)
	case core.RenegotiationNeeded:
		m.renegotiate(ctx)
	default:
		m.logger.Warn().Type("event", ev).Msg("unknown engine event")
	}
}

func (m *Machine) onConnectivity(ctx context.Context, state webrtc.ICEConnectionState) {
	s := m.sess
	s.connectivity = state
	m.logger.Info().Str("ice_state", state.String()).Str("peer", string(s.peer)).Msg("connectivity changed")
	if s.state == Idle {
		return
	}
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.disconnect.disarm()
		s.ring.disarm()
		s.state = Connected
	case webrtc.ICEConnectionStateDisconnected:
		m.armDeadline(&s.disconnect, disconnectTimer, m.cfg.DisconnectTimeout)
	case webrtc.ICEConnectionStateFailed:
		if err := s.engine.RestartConnectivity(); err != nil {
			m.lastError = fmt.Errorf("restart connectivity: %w", engineError(err))
			m.logger.Error().Err(err).Msg("connectivity restart failed")
		}
	case webrtc.ICEConnectionStateClosed:
		m.teardown(ctx, nil, true)
	}
}

// renegotiate answers the engine's request for a fresh offer. Failures keep
// the session up until the configured budget is exhausted.
func (m *Machine) renegotiate(ctx context.Context) {
	s := m.sess
	if s.state == Idle || s.peer == "" {
		m.logger.Debug().Msg("renegotiation without session skipped")
		return
	}
	if s.negotiation.inFlight() || s.engine.SignalingState() != webrtc.SignalingStateStable {
		m.logger.Debug().Str("signaling", s.engine.SignalingState().String()).Msg("renegotiation skipped")
		return
	}
	if !s.negotiation.begin() {
		return
	}
	defer s.negotiation.end()

	offer, err := s.engine.CreateOffer(ctx)
	if err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("create offer: %w", engineError(err)))
		return
	}
	// a remote offer may have landed while the offer was created
	if s.engine.SignalingState() != webrtc.SignalingStateStable {
		m.logger.Info().Msg("renegotiation aborted, signaling state moved")
		return
	}
	if err := s.engine.SetLocalDescription(ctx, offer); err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("apply local offer: %w", engineError(err)))
		return
	}
	if err := m.send(ctx, domain.Offer{From: m.cfg.Self, To: s.peer, SDP: offer}); err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("send offer: %w", err))
		return
	}
	s.renegotiationFailures = 0
	m.logger.Debug().Str("peer", string(s.peer)).Msg("renegotiation offer sent")
}

// applyRenegotiationOffer answers a mid-call offer from the active peer.
func (m *Machine) applyRenegotiationOffer(ctx context.Context, e domain.Offer) {
	s := m.sess
	if s.negotiation.inFlight() || s.engine.SignalingState() != webrtc.SignalingStateStable {
		m.logger.Warn().Str("signaling", s.engine.SignalingState().String()).Msg("renegotiation glare, remote offer ignored")
		return
	}
	if err := s.engine.SetRemoteDescription(ctx, e.SDP); err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("apply renegotiation offer: %w", engineError(err)))
		return
	}
	answer, err := s.engine.CreateAnswer(ctx)
	if err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("create answer: %w", engineError(err)))
		return
	}
	if err := s.engine.SetLocalDescription(ctx, answer); err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("apply local answer: %w", engineError(err)))
		return
	}
	if err := m.send(ctx, domain.Answer{From: m.cfg.Self, To: s.peer, SDP: answer}); err != nil {
		m.renegotiationFailed(ctx, fmt.Errorf("send answer: %w", err))
		return
	}
	s.renegotiationFailures = 0
	m.logger.Debug().Str("peer", string(s.peer)).Msg("renegotiation answered")
}

func (m *Machine) renegotiationFailed(ctx context.Context, err error) {
	s := m.sess
	s.renegotiationFailures++
	m.lastError = err
	m.logger.Error().Err(err).Int("consecutive", s.renegotiationFailures).Msg("renegotiation failed")
	if limit := m.cfg.MaxRenegotiationFailures; limit > 0 && s.renegotiationFailures >= limit {
		m.teardown(ctx, fmt.Errorf("%w: %d consecutive renegotiation failures: %w", ErrEngineFailure, s.renegotiationFailures, err), true)
	}
}
