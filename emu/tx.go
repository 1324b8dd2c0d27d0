package emu

import (
	"github.com/slackhq/r8139/hw"
)

// startTx handles a write to a TSD register, which hands the slot to the
// adapter. It returns whether to assert the line and, if the frame completed
// successfully, a copy of it for the wire.
//
// A descriptor written out of turn is left owned by the driver and never
// sent, the way the adapter stalls waiting on the descriptor it expects.
func (a *Adapter) startTx(slot int, v hw.TxStatus) (bool, []byte) {
	status := v & (hw.TxSizeMask | hw.TxEarlyThreshold)
	a.set32(hw.TSD(slot), uint32(status))
	a.txFrames[slot] = nil

	if slot != a.txNext {
		a.l.WithField("slot", slot).WithField("expected", a.txNext).
			Warn("Emulated adapter got a transmit descriptor out of order")
		return false, nil
	}
	a.txNext = (slot + 1) % hw.TxSlots

	if !a.command().TxEnabled() {
		return false, nil
	}

	buf := a.dma.lookup(a.get32(hw.TSADn(slot)), status.Size())
	if buf == nil {
		a.l.WithField("slot", slot).Warn("Emulated adapter could not reach transmit buffer")
		a.set32(hw.TSD(slot), uint32(status|hw.TxOwn|hw.TxAborted))
		return a.raise(hw.IntTxErr | hw.IntSystemError), nil
	}
	a.txFrames[slot] = append([]byte(nil), buf...)

	if a.opts.ManualTx {
		a.set32(hw.TSD(slot), uint32(status|hw.TxOwn))
		return false, nil
	}

	if a.opts.LinkDown {
		return a.finishTx(slot, hw.TxCarrierLost|hw.TxAborted)
	}
	return a.finishTx(slot, hw.TxOK)
}

func (a *Adapter) finishTx(slot int, result hw.TxStatus) (bool, []byte) {
	st := hw.TxStatus(a.get32(hw.TSD(slot))) | hw.TxOwn | result
	a.set32(hw.TSD(slot), uint32(st))

	frame := a.txFrames[slot]
	a.txFrames[slot] = nil

	if st.OK() {
		return a.raise(hw.IntTxOK), frame
	}
	return a.raise(hw.IntTxErr), nil
}

// CompleteTx finishes a slot left in flight by Options.ManualTx with the
// given outcome, such as hw.TxOK or hw.TxAborted. It reports false if the
// slot was not in flight.
func (a *Adapter) CompleteTx(slot int, result hw.TxStatus) bool {
	slot %= hw.TxSlots
	a.mu.Lock()
	if a.txFrames[slot] == nil {
		a.mu.Unlock()
		return false
	}
	fire, frame := a.finishTx(slot, result)
	wire := a.wire
	a.mu.Unlock()

	a.assert(fire)
	if frame != nil {
		wire.Transmit(frame)
	}
	return true
}

// InFlight returns the slots handed to the adapter and not yet finished.
func (a *Adapter) InFlight() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var slots []int
	for i, f := range a.txFrames {
		if f != nil {
			slots = append(slots, i)
		}
	}
	return slots
}
