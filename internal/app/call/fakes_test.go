package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeRemoteTrack struct{ id, stream string }

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return t.stream }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// fakeEngine models the signaling-state transitions of a peer connection.
type fakeEngine struct {
	mu         sync.Mutex
	events     chan core.EngineEvent
	signaling  webrtc.SignalingState
	offers     int
	answers    int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []core.LocalTrack
	restarts   int
	closed     bool

	failCreateOffer error
	failSetRemote   error
	failAddTrack    error
	failCandidate   func(webrtc.ICECandidateInit) error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan core.EngineEvent), signaling: webrtc.SignalingStateStable}
}

func (e *fakeEngine) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreateOffer != nil {
		return webrtc.SessionDescription{}, e.failCreateOffer
	}
	e.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", e.offers)}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	e.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", e.answers)}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, d webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		e.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		e.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, d webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSetRemote != nil {
		return e.failSetRemote
	}
	e.remote = append(e.remote, d)
	switch d.Type {
	case webrtc.SDPTypeOffer:
		e.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		e.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCandidate != nil {
		if err := e.failCandidate(c); err != nil {
			return err
		}
	}
	e.candidates = append(e.candidates, c)
	return nil
}

func (e *fakeEngine) AddTrack(t core.LocalTrack) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAddTrack != nil {
		return e.failAddTrack
	}
	e.tracks = append(e.tracks, t)
	return nil
}

func (e *fakeEngine) RestartConnectivity() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarts++
	return nil
}

func (e *fakeEngine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaling
}

func (e *fakeEngine) Events() <-chan core.EngineEvent { return e.events }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) appliedCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.candidates))
	for _, c := range e.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// fakeChannel delivers inbound frames synchronously to the machine loop.
type fakeChannel struct {
	mu      sync.Mutex
	closed  bool
	sent    []domain.Envelope
	inbound chan core.ChannelEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan core.ChannelEvent)}
}

func (c *fakeChannel) Send(_ context.Context, f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	env, err := domain.DecodeEnvelope(f)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) Subscribe() (<-chan core.ChannelEvent, func()) {
	return c.inbound, func() {}
}

func (c *fakeChannel) setClosed(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = v
}

func (c *fakeChannel) envelopes() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Envelope(nil), c.sent...)
}

func (c *fakeChannel) kinds() []domain.Kind {
	var out []domain.Kind
	for _, env := range c.envelopes() {
		out = append(out, env.Route().Type)
	}
	return out
}

type harness struct {
	t       *testing.T
	m       *Machine
	ch      *fakeChannel
	clock   *clock.Mock
	mu      sync.Mutex
	engines []*fakeEngine
	prepare func(*fakeEngine)
}

func newHarness(t *testing.T, self domain.UserID, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, ch: newFakeChannel(), clock: clock.NewMock()}
	cfg := Config{
		Self:                     self,
		DisconnectTimeout:        5 * time.Second,
		RingTimeout:              45 * time.Second,
		MaxRenegotiationFailures: 3,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	factory := func(context.Context, core.EngineConfig) (core.Engine, error) {
		e := newFakeEngine()
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.prepare != nil {
			h.prepare(e)
		}
		h.engines = append(h.engines, e)
		return e, nil
	}
	h.m = New(cfg, h.ch, factory, WithClock(h.clock), WithLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) engine() *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.engines, "no engine created")
	return h.engines[len(h.engines)-1]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

// settle returns once every input delivered so far has been processed.
func (h *harness) settle() {
	h.t.Helper()
	require.NoError(h.t, h.m.do(context.Background(), func(context.Context) error { return nil }))
}

func (h *harness) deliver(env domain.Envelope) {
	h.t.Helper()
	frame, err := domain.EncodeEnvelope(env)
	require.NoError(h.t, err)
	h.ch.inbound <- core.ChannelEvent{Kind: core.ChannelMessage, Frame: frame}
	h.settle()
}

func (h *harness) emit(ev core.EngineEvent) {
	h.t.Helper()
	h.engine().events <- ev
	h.settle()
}

func (h *harness) state() State { return h.m.Snapshot().State }

func audioAndVideo() (*fakeTrack, *fakeTrack, []core.LocalTrack) {
	a := newFakeTrack("mic", webrtc.RTPCodecTypeAudio)
	v := newFakeTrack("cam", webrtc.RTPCodecTypeVideo)
	return a, v, []core.LocalTrack{a, v}
}

func offerFrom(from, to domain.UserID) domain.Offer {
	return domain.Offer{From: from, To: to, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}}
}

func answerFrom(from, to domain.UserID) domain.Answer {
	return domain.Answer{From: from, To: to, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}}
}

func candidateFrom(from, to domain.UserID, c string) domain.Candidate {
	return domain.Candidate{From: from, To: to, Candidate: webrtc.ICECandidateInit{Candidate: c}}
}
