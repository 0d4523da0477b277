package duplex

// State is the connection state of a [Client]. It is owned exclusively by
// the client: mutations happen only on the client's network-event path (plus
// the Connect/Disconnect entry points), and consumers observe it through the
// state callback, never by writing it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateListening
	StateProcessing
	StateSpeaking
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// stateFromWire maps a remote state name onto a [State]. Unknown names are
// reported as not ok and leave the current state untouched.
func stateFromWire(name string) (State, bool) {
	switch name {
	case "connected":
		return StateConnected, true
	case "listening":
		return StateListening, true
	case "processing":
		return StateProcessing, true
	case "speaking":
		return StateSpeaking, true
	case "disconnected":
		return StateDisconnected, true
	case "error":
		return StateError, true
	default:
		return StateDisconnected, false
	}
}
