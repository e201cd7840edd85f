package session

// State is the lifecycle position of a call session.
type State int32

const (
	StateAwaitingStart State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
