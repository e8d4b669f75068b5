package plugin

// State is the lifecycle state of a plugin.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// TransitionHook is called after a plugin changes state.
type TransitionHook func(id string, from, to State)
