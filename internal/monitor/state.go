package monitor

// State is a group's position in the membership lifecycle.
type State string

const (
	// StatePending marks a candidate that has not been claimed by any worker.
	StatePending State = "pending"
	// StateJoining marks a group claimed by a worker whose join attempt is in flight.
	StateJoining State = "joining"
	// StateWaiting marks a group whose join request awaits admin approval.
	StateWaiting State = "waiting"
	// StateInside marks a joined group whose messages are being collected.
	StateInside State = "inside"
	// StateChecking marks a joined group with a refresh in flight.
	StateChecking State = "checking"
	// StateFailed is terminal.
	StateFailed State = "failed"
)

// NoWorker is the owner id of a group no worker has claimed.
const NoWorker = -1

var transitions = map[State][]State{
	StatePending:  {StateJoining},
	StateJoining:  {StateWaiting, StateInside, StateFailed},
	StateWaiting:  {StateInside, StateFailed},
	StateInside:   {StateChecking, StateFailed},
	StateChecking: {StateInside, StateFailed},
}

// CanTransition reports whether a group may move from one state to another.
// Re-entering the current state is allowed so that results can be re-applied.
func CanTransition(from, to State) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateJoining, StateWaiting, StateInside, StateChecking, StateFailed:
		return true
	default:
		return false
	}
}

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{StatePending, StateJoining, StateWaiting, StateInside, StateChecking, StateFailed}
}
