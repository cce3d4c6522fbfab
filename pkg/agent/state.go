package agent

// State of an agent session
type State string

const (
	StateIdle     State = "IDLE"
	StateActive   State = "ACTIVE"
	StateSleeping State = "SLEEPING"
	StateWaiting  State = "WAITING"
	StateStopped  State = "STOPPED"
)

// IsTerminal reports whether no transition can leave the state
func (s State) IsTerminal() bool {
	return s == StateStopped
}

var transitions = map[State]map[State]bool{
	StateIdle:     {StateActive: true, StateSleeping: true, StateStopped: true},
	StateActive:   {StateIdle: true, StateWaiting: true, StateSleeping: true, StateStopped: true},
	StateWaiting:  {StateActive: true, StateStopped: true},
	StateSleeping: {StateActive: true, StateStopped: true},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to State) bool {
	return transitions[from][to]
}
