package emu

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/ring"
)

var broadcast = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (a *Adapter) rxCapacity() uint32 {
	return uint32(hw.RxConfig(a.get32(hw.RCR)).BufferCapacity())
}

// readPointer is where the driver will read next, recovered from CAPR.
func (a *Adapter) readPointer() uint32 {
	return (uint32(a.get16(hw.CAPR)) + 16) & (a.rxCapacity() - 1)
}

func (a *Adapter) rxEmpty() bool {
	if !a.command().RxEnabled() {
		return true
	}
	return a.readPointer() == a.cbr
}

// accept applies the RCR address filter and returns the status bits for a
// frame it lets through.
func (a *Adapter) accept(frame []byte) (hw.RxStatus, bool) {
	rcr := hw.RxConfig(a.get32(hw.RCR))
	if len(frame) < 6 {
		return 0, rcr&hw.RxAcceptAll != 0
	}

	dst := frame[:6]
	var st hw.RxStatus
	var ok bool
	switch {
	case bytes.Equal(dst, broadcast):
		st, ok = hw.RxBroadcast, rcr&hw.RxAcceptBroadcast != 0
	case dst[0]&1 != 0:
		// The MAR hash filter is not modeled, every multicast group matches.
		st, ok = hw.RxMulticast, rcr&hw.RxAcceptMulticast != 0
	case bytes.Equal(dst, a.regs[hw.IDR0:hw.IDR0+6]):
		st, ok = hw.RxPhysMatch, rcr&hw.RxAcceptMyPhys != 0
	}
	return st, ok || rcr&hw.RxAcceptAll != 0
}

// Receive puts frame on the adapter's receive side as if it arrived from the
// wire, without FCS. It reports whether the frame was written to the receive
// ring.
func (a *Adapter) Receive(frame []byte) bool {
	a.mu.Lock()
	if !a.command().RxEnabled() {
		a.mu.Unlock()
		return false
	}
	st, ok := a.accept(frame)
	if !ok {
		a.mu.Unlock()
		return false
	}

	// Frames longer than the adapter supports are only stored, flagged, when
	// the driver asked for error frames.
	status := hw.RxOK | st
	if len(frame)+ring.FCSLen > ring.MaxRxLength {
		if hw.RxConfig(a.get32(hw.RCR))&hw.RxAcceptErr == 0 {
			a.mu.Unlock()
			return false
		}
		status = hw.RxLong | st
	}

	fcs := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(frame))
	fire, ok := a.writeRx(status, uint16(len(frame)+ring.FCSLen), frame, fcs)
	a.mu.Unlock()
	a.assert(fire)
	return ok
}

// InjectRx writes frame into the receive ring with an arbitrary status, such
// as hw.RxCRC, bypassing the address filter.
func (a *Adapter) InjectRx(status hw.RxStatus, frame []byte) bool {
	a.mu.Lock()
	if !a.command().RxEnabled() {
		a.mu.Unlock()
		return false
	}
	fire, ok := a.writeRx(status, uint16(len(frame)+ring.FCSLen), frame, make([]byte, ring.FCSLen))
	a.mu.Unlock()
	a.assert(fire)
	return ok
}

// InjectHeader writes a bare frame header with the given fields. It is how a
// corrupted ring is produced.
func (a *Adapter) InjectHeader(status hw.RxStatus, length uint16) bool {
	a.mu.Lock()
	if !a.command().RxEnabled() {
		a.mu.Unlock()
		return false
	}
	fire, ok := a.writeRx(status, length, nil, nil)
	a.mu.Unlock()
	a.assert(fire)
	return ok
}

// writeRx copies a header and the given segments into the ring at cbr,
// wrapping at the end. cbr is only moved once everything is written.
func (a *Adapter) writeRx(status hw.RxStatus, length uint16, segs ...[]byte) (bool, bool) {
	capacity := a.rxCapacity()
	buf := a.dma.lookup(a.get32(hw.RBSTART), int(capacity))
	if buf == nil {
		a.l.Warn("Emulated adapter could not reach receive buffer")
		return a.raise(hw.IntSystemError), false
	}

	n := uint32(ring.HeaderLen)
	for _, s := range segs {
		n += uint32(len(s))
	}
	need := (n + 3) &^ 3

	used := (a.cbr - a.readPointer()) & (capacity - 1)
	if used+need >= capacity {
		a.set32(hw.MPC, (a.get32(hw.MPC)+1)&0xffffff)
		return a.raise(hw.IntRxOverflow), false
	}

	var hdr [ring.HeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(status))
	binary.LittleEndian.PutUint16(hdr[2:], length)

	off := a.cbr
	for _, s := range append([][]byte{hdr[:]}, segs...) {
		for _, b := range s {
			buf[off] = b
			off = (off + 1) & (capacity - 1)
		}
	}

	a.cbr = (a.cbr + need) & (capacity - 1)
	a.set16(hw.CBR, uint16(a.cbr))

	if status.OK() {
		return a.raise(hw.IntRxOK), true
	}
	return a.raise(hw.IntRxErr), true
}
