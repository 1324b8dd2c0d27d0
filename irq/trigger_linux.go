package irq

import "fmt"

// NewTriggerFromName returns the trigger selected by name.
func NewTriggerFromName(name string) (Trigger, error) {
	switch name {
	case "", "channel":
		return NewChanTrigger(), nil
	case "eventfd":
		t, err := NewEventFDTrigger()
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown interrupt trigger %q", name)
}
