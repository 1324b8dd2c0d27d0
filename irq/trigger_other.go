//go:build !linux

package irq

import (
	"errors"
	"runtime"
)

// NewTriggerFromName returns the trigger selected by name.
func NewTriggerFromName(name string) (Trigger, error) {
	switch name {
	case "", "channel":
		return NewChanTrigger(), nil
	case "eventfd":
		return nil, errors.New("eventfd interrupt delivery is not supported on " + runtime.GOOS)
	}
	return nil, errors.New("unknown interrupt trigger " + name)
}
