package processor

// State represents where the result loop is in its lifecycle.
type State int32

const (
	// StateAwaitingInitial is the state before the first message arrives.
	StateAwaitingInitial State = iota

	// StateSteadyState indicates messages are being consumed.
	StateSteadyState

	// StateDraining indicates the stream ended and outstanding work such
	// as renormalization is being waited for.
	StateDraining

	// StateStopped indicates the loop has finished.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAwaitingInitial:
		return "awaiting_initial"
	case StateSteadyState:
		return "steady_state"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
