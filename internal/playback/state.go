package playback

// State represents the lifecycle state of a controller
type State int

const (
	StateUninitialized State = iota // Backend not opened yet
	StateStopped                    // Ready, position at 0 or at a seek target
	StatePlaying                    // Backend running, sampler active
	StatePaused                     // Backend halted, position kept
	StateError                      // Last transport operation failed
)

// String returns the wire name of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseState converts a wire name back into a State
func ParseState(name string) (State, bool) {
	switch name {
	case "uninitialized":
		return StateUninitialized, true
	case "stopped":
		return StateStopped, true
	case "playing":
		return StatePlaying, true
	case "paused":
		return StatePaused, true
	case "error":
		return StateError, true
	default:
		return StateUninitialized, false
	}
}

// canPlay reports whether play is a legal transition from s
func (s State) canPlay() bool {
	return s == StateStopped || s == StatePaused || s == StateError
}
