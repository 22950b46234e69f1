package session

// State is the lifecycle state of an upstream session.
type State int

// Session lifecycle states. A session starts Disconnected, moves through
// Connecting to Connected, oscillates between Connected and Interrupted
// during barge-ins, and ends via Closing in Closed. Error is reached from
// Connecting or Connected on unrecoverable failure.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateInterrupted
	StateClosing
	StateClosed
	StateError
)

// String returns the lowercase wire name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInterrupted:
		return "interrupted"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions is the authoritative edge set of the session state
// machine. Closed permits Connecting so a reset can re-establish the
// upstream connection after tearing the old one down.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateClosing},
	StateConnected:    {StateInterrupted, StateError, StateClosing},
	StateInterrupted:  {StateConnected, StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {StateConnecting},
	StateError:        {StateConnecting, StateClosing},
}

// CanTransitionTo reports whether the state machine permits an edge from
// s to target.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
