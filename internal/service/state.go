package service

// State is the lifecycle state of a service instance.
type State string

const (
	StatePending  State = "pending"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
	StateRemoved  State = "removed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether the instance no longer holds runtime resources.
// Terminal instances do not pin volumes and may be removed.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateCrashed, StateRemoved:
		return true
	}
	return false
}

// validTransitions encodes the allowed state machine edges.
// Crashed->Starting is permitted; the controller gates it on restart policy.
var validTransitions = map[State][]State{
	StatePending:  {StateStarting, StateRemoved},
	StateStarting: {StateRunning, StateCrashed, StateStopping, StateStopped},
	StateRunning:  {StateStopping, StateStopped, StateCrashed, StateStarting},
	StateStopping: {StateStopped, StateCrashed},
	StateStopped:  {StateStarting, StateRemoved},
	StateCrashed:  {StateStarting, StateRemoved},
	StateRemoved:  {},
}

// CanTransition reports whether the edge s->to is allowed.
func (s State) CanTransition(to State) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
