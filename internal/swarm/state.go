package swarm

import (
	"fmt"
)

type State string

const (
	StateIdle      State = "idle"
	StateJoining   State = "joining"
	StateActive    State = "active"
	StateSwitching State = "switching"
	StateStopping  State = "stopping"
)

var transitions = map[State][]State{
	StateIdle:      {StateJoining, StateActive, StateStopping},
	StateJoining:   {StateJoining, StateActive, StateIdle, StateStopping},
	StateActive:    {StateActive, StateJoining, StateSwitching, StateStopping},
	StateSwitching: {StateSwitching, StateActive, StateStopping},
	StateStopping:  {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type transitionError struct{ from, to State }

func (e transitionError) Error() string {
	return fmt.Sprintf("swarm: illegal transition %s -> %s", e.from, e.to)
}
