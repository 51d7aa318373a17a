package call

import (
	"slices"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Snapshot is an immutable view of the session for UI consumers.
type Snapshot struct {
	State        State                     `json:"state"`
	Peer         domain.UserID             `json:"peer,omitempty"`
	Connectivity webrtc.ICEConnectionState `json:"-"`
	Remote       *RemoteMedia              `json:"-"`
	AudioMuted   bool                      `json:"audioMuted"`
	VideoMuted   bool                      `json:"videoMuted"`
	ChannelOpen  bool                      `json:"channelOpen"`
	LastError    error                     `json:"-"`
}

// Snapshot returns the latest published state. Safe for concurrent use.
func (m *Machine) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Subscribe delivers snapshots as they are published. Slow readers only see
// the most recent one. The returned func detaches the subscriber.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- m.Snapshot()

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) publish() {
	s := m.sess
	snap := &Snapshot{
		State:        s.state,
		Peer:         s.peer,
		Connectivity: s.connectivity,
		AudioMuted:   s.audioMuted,
		VideoMuted:   s.videoMuted,
		ChannelOpen:  m.channelOpen,
		LastError:    m.lastError,
	}
	if s.remote != nil {
		snap.Remote = &RemoteMedia{StreamID: s.remote.StreamID, Tracks: slices.Clone(s.remote.Tracks)}
	}
	m.snap.Store(snap)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- *snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- *snap
		}
	}
}
