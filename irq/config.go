package irq

import (
	"fmt"
	"time"

	"github.com/slackhq/r8139/config"
)

const DefaultPollInterval = time.Millisecond

// NewTriggerFromConfig returns the trigger named by irq.trigger.
func NewTriggerFromConfig(c *config.C) (Trigger, error) {
	name := c.GetString("irq.trigger", "channel")
	if name != "poll" {
		return NewTriggerFromName(name)
	}

	interval := c.GetDuration("irq.poll_interval", DefaultPollInterval)
	if interval <= 0 {
		return nil, fmt.Errorf("irq.poll_interval must be positive, got %v", interval)
	}
	return NewPollTrigger(interval), nil
}
