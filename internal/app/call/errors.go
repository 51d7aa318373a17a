package call

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrChannelUnavailable     = errors.New("signal channel unavailable")
	ErrEngineFailure          = errors.New("negotiation engine failure")
	ErrPeerMismatch           = errors.New("envelope from unexpected peer")
	ErrMediaUnavailable       = errors.New("local media unavailable")

	ErrSelfCall         = fmt.Errorf("%w: cannot call yourself", ErrInvalidStateTransition)
	ErrMissingPeer      = fmt.Errorf("%w: peer is required", ErrInvalidStateTransition)
	ErrConnectivityLost = errors.New("connectivity lost")
	ErrRingTimeout      = errors.New("call was not answered in time")
	ErrStopped          = errors.New("call machine stopped")
)

// StateError is returned when a command is not allowed in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidStateTransition }
