package call

import (
	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// maxPendingCandidates bounds the queue kept while no remote description exists.
const maxPendingCandidates = 64

// RemoteMedia is the handle for media received from the peer.
type RemoteMedia struct {
	StreamID string
	Tracks   []core.RemoteTrack
}

type pendingCandidate struct {
	from      domain.UserID
	candidate webrtc.ICECandidateInit
}

// candidateQueue holds candidates that arrived before a remote description was applied.
type candidateQueue struct {
	items   []pendingCandidate
	dropped int
}

func (q *candidateQueue) push(from domain.UserID, c webrtc.ICECandidateInit) {
	if len(q.items) >= maxPendingCandidates {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, pendingCandidate{from: from, candidate: c})
}

// take empties the queue and returns the candidates sent by from, oldest first.
func (q *candidateQueue) take(from domain.UserID) []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, 0, len(q.items))
	for _, p := range q.items {
		if p.from == from {
			out = append(out, p.candidate)
		}
	}
	q.items = nil
	return out
}

func (q *candidateQueue) len() int { return len(q.items) }

type timerKind int

const (
	disconnectTimer timerKind = iota
	ringTimer
)

func (k timerKind) String() string {
	if k == ringTimer {
		return "ring"
	}
	return "disconnect"
}

type timerFired struct {
	kind timerKind
	gen  uint64
}

// deadline is an armed timer tagged with the generation it was armed under.
// Fires carrying another generation are stale.
type deadline struct {
	timer *clock.Timer
	gen   uint64
}

func (d *deadline) armed() bool { return d.timer != nil }

func (d *deadline) disarm() {
	if d.timer != nil {
		d.timer.Stop()
	}
	*d = deadline{}
}

// session is the state of the single call. It is owned by the Run goroutine.
type session struct {
	state        State
	peer         domain.UserID
	engine       core.Engine
	localTracks  []core.LocalTrack
	remote       *RemoteMedia
	pending      candidateQueue
	remoteSet    bool
	negotiation  negotiation
	connectivity webrtc.ICEConnectionState
	audioMuted   bool
	videoMuted   bool

	disconnect deadline
	ring       deadline

	renegotiationFailures int
}

func newSession() *session {
	return &session{state: Idle, connectivity: webrtc.ICEConnectionStateNew}
}

func (s *session) tracksOf(kind webrtc.RTPCodecType) []core.LocalTrack {
	var out []core.LocalTrack
	for _, t := range s.localTracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// mutedOf reports true when no track of the kind is enabled.
func (s *session) mutedOf(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracksOf(kind) {
		if t.Enabled() {
			return false
		}
	}
	return true
}

func (s *session) refreshMuted() {
	s.audioMuted = len(s.tracksOf(webrtc.RTPCodecTypeAudio)) > 0 && s.mutedOf(webrtc.RTPCodecTypeAudio)
	s.videoMuted = len(s.tracksOf(webrtc.RTPCodecTypeVideo)) > 0 && s.mutedOf(webrtc.RTPCodecTypeVideo)
}

func (s *session) addRemoteTrack(t core.RemoteTrack) {
	if s.remote == nil || s.remote.StreamID != t.StreamID() {
		s.remote = &RemoteMedia{StreamID: t.StreamID()}
	}
	for _, have := range s.remote.Tracks {
		if have.ID() == t.ID() {
			return
		}
	}
	s.remote.Tracks = append(s.remote.Tracks, t)
}
