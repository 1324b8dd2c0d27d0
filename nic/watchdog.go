package nic

import (
	"time"
)

// txWatchdog notices transmit slots that stop completing. It is only used
// by the poll goroutine.
type txWatchdog struct {
	completion uint32
	since      time.Time
	reported   bool
}

// checkTxStall reclaims whatever finished and reports a stall once in flight
// slots have made no progress for TxTimeout.
func (d *Device) checkTxStall(now time.Time) {
	d.serviceMu.Lock()
	defer d.serviceMu.Unlock()

	if d.State() != Up || d.tx == nil {
		return
	}

	d.tx.Reclaim()
	s, c := d.tx.Indices()
	w := &d.watchdog
	if s == c || c != w.completion || w.since.IsZero() {
		w.completion = c
		w.since = now
		w.reported = false
		return
	}

	if now.Sub(w.since) >= d.cfg.TxTimeout && !w.reported {
		w.reported = true
		slots := make([]string, d.tx.Size())
		for i := range slots {
			slots[i] = d.tx.SlotState(i).String()
		}
		d.l.WithField("device", d.cfg.Name).
			WithField("pending", s-c).
			WithField("slots", slots).
			WithField("stalled", now.Sub(w.since)).
			Warn("Transmit timed out")
	}
}
