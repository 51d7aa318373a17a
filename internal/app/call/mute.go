package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// toggle flips enabled on every local track of kind. The returned flag is
// derived from the tracks afterwards: muted means none of them is enabled.
func (m *Machine) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s := m.sess
	tracks := s.tracksOf(kind)
	if len(tracks) == 0 {
		return false, fmt.Errorf("%w: no local %s track", ErrMediaUnavailable, kind)
	}
	for _, t := range tracks {
		t.SetEnabled(!t.Enabled())
	}
	s.refreshMuted()
	muted := s.mutedOf(kind)
	m.logger.Debug().Str("kind", kind.String()).Bool("muted", muted).Msg("mute toggled")
	return muted, nil
}
