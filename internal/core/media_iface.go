package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// EngineConfig is passed to the factory for every new call session.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
}

// EngineFactory creates a fresh engine per call session.
type EngineFactory func(ctx context.Context, cfg EngineConfig) (Engine, error)

// Engine is the peer-connection primitive driven by the call machine.
// It is only ever called from one goroutine.
type Engine interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, d webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, d webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	AddTrack(t LocalTrack) error
	// RestartConnectivity marks the next offer as an ICE restart and requests renegotiation.
	RestartConnectivity() error
	SignalingState() webrtc.SignalingState
	// Events is the single stream of engine notifications. It is never closed;
	// consumers stop reading after Close.
	Events() <-chan EngineEvent
	Close() error
}

// EngineEvent is one of CandidateGenerated, TrackReceived,
// ConnectivityChanged or RenegotiationNeeded.
type EngineEvent interface{ engineEvent() }

type CandidateGenerated struct {
	Candidate webrtc.ICECandidateInit
}

type TrackReceived struct {
	Track RemoteTrack
}

type ConnectivityChanged struct {
	State webrtc.ICEConnectionState
}

type RenegotiationNeeded struct{}

func (CandidateGenerated) engineEvent()  {}
func (TrackReceived) engineEvent()       {}
func (ConnectivityChanged) engineEvent() {}
func (RenegotiationNeeded) engineEvent() {}

// LocalTrack is a captured media track handed to a call session.
// Once accepted by the session it is stopped on teardown.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	Stop()
	TrackLocal() webrtc.TrackLocal
}

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}
