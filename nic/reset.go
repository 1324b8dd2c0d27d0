package nic

import (
	"context"
	"time"

	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/util"
)

// reset issues a software reset and waits for the adapter to clear the reset
// bit, polling every ResetPollInterval for at most ResetTimeout.
func (d *Device) reset(ctx context.Context) error {
	d.bus.Write8(hw.CR, uint8(hw.CmdReset))

	timeout := time.NewTimer(d.cfg.ResetTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(d.cfg.ResetPollInterval)
	defer poll.Stop()

	polls := 0
	for {
		polls++
		if !hw.Command(d.bus.Read8(hw.CR)).Resetting() {
			d.l.WithField("device", d.cfg.Name).WithField("polls", polls).Debug("Adapter reset complete")
			return nil
		}

		select {
		case <-ctx.Done():
			return util.NewContextualError("Gave up waiting for adapter reset", map[string]any{"device": d.cfg.Name, "polls": polls}, ctx.Err())
		case <-timeout.C:
			// One last look, the timer may have won against a poll that
			// would have succeeded.
			if !hw.Command(d.bus.Read8(hw.CR)).Resetting() {
				return nil
			}
			return util.NewContextualError(
				"Adapter did not come out of reset",
				map[string]any{"device": d.cfg.Name, "timeout": d.cfg.ResetTimeout, "polls": polls + 1},
				ErrHardwareResetTimeout,
			)
		case <-poll.C:
		}
	}
}
