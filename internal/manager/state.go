package manager

import (
	"fmt"
	"strings"
)

// State is the supervisor's view of one service.
type State int32

const (
	NotRunning State = iota
	Starting
	Running
	PortConflict
	Crashed
)

var states = []State{NotRunning, Starting, Running, PortConflict, Crashed}

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case PortConflict:
		return "port_conflict"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	for _, st := range states {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", v)
}

// Action names a supervisor operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)
