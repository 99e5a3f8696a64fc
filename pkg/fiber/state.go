package fiber

// State is a fiber's position in the per-fiber connection state
// machine.
type State int

const (
	StateClosed State = iota
	StateListening
	StateConnecting
	StateAccepting
	StateEstablished
	StateHalfClosedLocal
	StateHalfClosedRemote
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateAccepting:
		return "accepting"
	case StateEstablished:
		return "established"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	default:
		return "unknown"
	}
}

// ShutdownDirection selects which half of a full-duplex fiber to close.
type ShutdownDirection int

const (
	ShutdownWrite ShutdownDirection = iota
	ShutdownRead
	ShutdownBoth
)

// canRead reports whether the state still permits receiving data from
// the peer.
func (s State) canRead() bool {
	return s == StateEstablished || s == StateHalfClosedLocal
}

// canWrite reports whether the state still permits sending data to the
// peer.
func (s State) canWrite() bool {
	return s == StateEstablished || s == StateHalfClosedRemote
}
