package bridge

// State is the lifecycle state of a Session.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateAuthenticating
	StateShellRequested
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateShellRequested:
		return "shell_requested"
	case StateStreaming:
		return "streaming"
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

// MarshalText lets State appear by name in JSON status responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// establishing reports whether s is one of the establishment steps.
func (s State) establishing() bool {
	return s == StateConnecting || s == StateAuthenticating || s == StateShellRequested
}

// validTransition encodes the session state machine.
func validTransition(from, to State) bool {
	switch to {
	case StateConnecting:
		return from == StateInit
	case StateAuthenticating:
		return from == StateConnecting
	case StateShellRequested:
		return from == StateAuthenticating
	case StateStreaming:
		return from == StateShellRequested
	case StateError:
		return from.establishing()
	case StateClosing:
		return from == StateStreaming
	case StateClosed:
		return from == StateClosing || from == StateError || from == StateInit
	}
	return false
}
