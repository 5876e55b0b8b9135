package service

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle phase of a supervised instance.
//
//	Stopped -> Starting -> Running <-> Unhealthy -> Stopped
//
// Failed is a terminal Stopped flavor reached when the restart budget is
// exhausted; it carries no live process.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateUnhealthy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Live reports whether the state implies an owned child process.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateRunning, StateUnhealthy:
		return true
	default:
		return false
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "running":
		*s = StateRunning
	case "unhealthy":
		*s = StateUnhealthy
	case "failed":
		*s = StateFailed
	default:
		return fmt.Errorf("unknown state %q", v)
	}
	return nil
}
