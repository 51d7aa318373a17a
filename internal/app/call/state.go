package call

// State is the lifecycle state of the call session.
type State int

const (
	Idle State = iota
	Calling
	Receiving
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Receiving:
		return "receiving"
	case Connected:
		return "connected"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// negotiation tracks whether a locally initiated offer round trip is in flight.
type negotiation int

const (
	negotiationIdle negotiation = iota
	negotiationInFlight
)

// begin reports false when a round trip is already running.
func (n *negotiation) begin() bool {
	if *n == negotiationInFlight {
		return false
	}
	*n = negotiationInFlight
	return true
}

func (n *negotiation) end() { *n = negotiationIdle }

func (n negotiation) inFlight() bool { return n == negotiationInFlight }
