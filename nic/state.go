package nic

import "fmt"

// State is the lifecycle state of a Device.
type State int32

const (
	Down State = iota
	Resetting
	Up
	Error
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Resetting:
		return "resetting"
	case Up:
		return "up"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
