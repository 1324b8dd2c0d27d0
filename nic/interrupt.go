package nic

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/irq"
)

// Interrupt services the adapter's interrupt causes. It implements
// irq.Handler.
//
// A zero ISR means the line was asserted by another device and nothing is
// written. Otherwise every latched bit is acknowledged first, then the
// enabled causes are handled: link change, then receive, then transmit.
func (d *Device) Interrupt() irq.Result {
	d.serviceMu.Lock()
	defer d.serviceMu.Unlock()

	raw := hw.Interrupt(d.bus.Read16(hw.ISR))
	if raw == 0 {
		return irq.None
	}
	d.bus.Write16(hw.ISR, uint16(raw))

	status := raw & hw.Interrupt(d.enabled.Load())
	if d.l.Level >= logrus.TraceLevel {
		d.l.WithField("device", d.cfg.Name).WithField("isr", raw).WithField("handling", status).Trace("Interrupt")
	}

	if status.Link() {
		d.checkLink()
	}

	if status.Rx() && d.serviceRx(status) {
		d.schedulePoll()
	}

	if status.Tx() && d.tx != nil {
		d.tx.Reclaim()
	}

	if status.SystemError() {
		d.systemError()
	}

	return irq.Handled
}

// serviceRx accounts receive error causes and drains one budget of frames.
// It reports whether frames are still waiting.
func (d *Device) serviceRx(status hw.Interrupt) bool {
	if d.rx == nil {
		return false
	}

	if status.Has(hw.IntRxOverflow) {
		d.stats.RxOver.Add(1)
	}
	if status.Has(hw.IntRxFifoOverflow) {
		d.stats.RxFifo.Add(1)
	}
	d.rx.AccountMissed()

	_, more, err := d.rx.Drain(d.cfg.RxBudget, d.deliverer())
	if err != nil {
		d.restartRx(err)
		return false
	}
	return more
}

// restartRx cycles the receiver after the ring was found corrupt. Whatever
// was in the buffer is lost.
func (d *Device) restartRx(cause error) {
	d.l.WithError(cause).WithField("device", d.cfg.Name).Warn("Receive ring is corrupt, restarting the receiver")

	cmd := hw.Command(d.bus.Read8(hw.CR)) & (hw.CmdTxEnable | hw.CmdRxEnable)
	d.bus.Write8(hw.CR, uint8(cmd&^hw.CmdRxEnable))
	d.bus.Write8(hw.CR, uint8(cmd|hw.CmdRxEnable))
	d.bus.Write32(hw.RCR, uint32(d.rcr))
	d.bus.Write32(hw.RBSTART, d.rxRegion.Addr)
	d.rx.Reset()
}

// systemError stops the device from taking interrupts after a bus error. The
// device stays in the Error state until it is closed or reopened.
func (d *Device) systemError() {
	d.l.WithField("device", d.cfg.Name).Error("Adapter reported a system error, disabling the device")
	d.enabled.Store(0)
	d.bus.Write16(hw.IMR, 0)
	d.carrier.Store(false)
	d.setState(Error)
}
