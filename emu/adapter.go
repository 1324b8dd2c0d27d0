// Package emu is a software model of an RTL8139 adapter. It implements the
// register interface and DMA memory the driver is written against, so the
// driver can be exercised without hardware.
package emu

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/hw"
)

// Asserter is the interrupt line the adapter asserts. *irq.Line satisfies it.
type Asserter interface {
	Raise()
}

type Options struct {
	// MAC is the station address loaded into IDR0..5 on reset.
	MAC net.HardwareAddr

	// Version is reported in TCR. Defaults to hw.VersionRTL8139B.
	Version hw.ChipVersion

	// ResetPolls is the number of CR reads it takes for a software reset to
	// complete. StuckReset makes the reset never complete.
	ResetPolls int
	StuckReset bool

	// ManualTx leaves transmit slots in flight until CompleteTx is called.
	ManualTx bool

	// LinkDown starts the adapter without a carrier.
	LinkDown bool

	// HalfDuplex and Speed10 shape what the phy reports.
	HalfDuplex bool
	Speed10    bool

	// MemoryLimit caps the bytes of DMA memory handed out. Zero is no limit.
	MemoryLimit int
}

// Adapter is an emulated RTL8139. The zero value is not usable; use New.
type Adapter struct {
	l    *logrus.Logger
	opts Options

	mu       sync.Mutex
	regs     [256]byte
	asserter Asserter
	wire     Wire

	resetLeft int
	resetting bool

	// cbr is the offset in the receive buffer the next frame is written at.
	cbr uint32

	txFrames [hw.TxSlots][]byte
	// txNext is the descriptor the adapter services next. Descriptors are
	// taken strictly in round robin order.
	txNext int

	dma dmaPool
}

// New creates an adapter in its power on state.
func New(l *logrus.Logger, opts Options) *Adapter {
	if opts.Version == 0 {
		opts.Version = hw.VersionRTL8139B
	}
	if len(opts.MAC) != 6 {
		opts.MAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	}

	a := &Adapter{
		l:    l,
		opts: opts,
		wire: Discard,
		dma:  newDMAPool(opts.MemoryLimit),
	}
	a.powerOn()
	return a
}

// SetAsserter connects the adapter's interrupt output.
func (a *Adapter) SetAsserter(as Asserter) {
	a.mu.Lock()
	a.asserter = as
	a.mu.Unlock()
}

// SetWire connects the transmit side of the adapter.
func (a *Adapter) SetWire(w Wire) {
	if w == nil {
		w = Discard
	}
	a.mu.Lock()
	a.wire = w
	a.mu.Unlock()
}

func (a *Adapter) get8(off hw.Offset) uint8 {
	return a.regs[off]
}

func (a *Adapter) get16(off hw.Offset) uint16 {
	return binary.LittleEndian.Uint16(a.regs[off:])
}

func (a *Adapter) get32(off hw.Offset) uint32 {
	return binary.LittleEndian.Uint32(a.regs[off:])
}

func (a *Adapter) set8(off hw.Offset, v uint8) {
	a.regs[off] = v
}

func (a *Adapter) set16(off hw.Offset, v uint16) {
	binary.LittleEndian.PutUint16(a.regs[off:], v)
}

func (a *Adapter) set32(off hw.Offset, v uint32) {
	binary.LittleEndian.PutUint32(a.regs[off:], v)
}

func (a *Adapter) powerOn() {
	a.regs = [256]byte{}
	a.resetRegisters()
}

// resetRegisters puts the registers into their post reset state. The
// station address is reloaded as if from the eeprom.
func (a *Adapter) resetRegisters() {
	copy(a.regs[hw.IDR0:], a.opts.MAC)
	a.set32(hw.MAR0, 0)
	a.set32(hw.MAR4, 0)
	for i := 0; i < hw.TxSlots; i++ {
		a.set32(hw.TSD(i), uint32(hw.TxOwn))
		a.set32(hw.TSADn(i), 0)
		a.txFrames[i] = nil
	}
	a.txNext = 0
	a.set32(hw.RBSTART, 0)
	a.set8(hw.CR, 0)
	a.set16(hw.CAPR, 0xfff0)
	a.set16(hw.CBR, 0)
	a.cbr = 0
	a.set16(hw.IMR, 0)
	a.set16(hw.ISR, 0)
	a.set32(hw.TCR, uint32(a.opts.Version))
	a.set32(hw.RCR, 0)
	a.set32(hw.MPC, 0)
	a.set8(hw.CFG9346, hw.Cfg9346Lock)

	var msr hw.MediaStatus
	if a.opts.LinkDown {
		msr |= hw.MSRLinkBad
	}
	if a.opts.Speed10 {
		msr |= hw.MSRSpeed10
	}
	a.set8(hw.MSR, uint8(msr))

	bmcr := hw.BMCRAutoNeg
	if !a.opts.HalfDuplex {
		bmcr |= hw.BMCRFullDuplex
	}
	if !a.opts.Speed10 {
		bmcr |= hw.BMCRSpeed100
	}
	a.set16(hw.BMCR, uint16(bmcr))
}

func (a *Adapter) command() hw.Command {
	return hw.Command(a.get8(hw.CR))
}

// raise latches causes in ISR and reports whether any of them is unmasked,
// which means the line has to be asserted. The caller asserts after
// releasing mu.
func (a *Adapter) raise(causes hw.Interrupt) bool {
	isr := hw.Interrupt(a.get16(hw.ISR)) | causes
	a.set16(hw.ISR, uint16(isr))
	return causes&hw.Interrupt(a.get16(hw.IMR)) != 0
}

func (a *Adapter) pending() bool {
	return hw.Interrupt(a.get16(hw.ISR))&hw.Interrupt(a.get16(hw.IMR)) != 0
}

func (a *Adapter) assert(ok bool) {
	if !ok {
		return
	}
	a.mu.Lock()
	as := a.asserter
	a.mu.Unlock()
	if as != nil {
		as.Raise()
	}
}

func (a *Adapter) Read8(off hw.Offset) uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if off == hw.CR {
		if a.resetting && !a.opts.StuckReset {
			a.resetLeft--
			if a.resetLeft <= 0 {
				a.resetting = false
				a.resetRegisters()
				a.l.Debug("Emulated adapter reset complete")
			}
		}
		cr := a.command()
		if a.resetting {
			cr |= hw.CmdReset
		}
		if a.rxEmpty() {
			cr |= hw.CmdBufferEmpty
		}
		return uint8(cr)
	}
	return a.get8(off)
}

func (a *Adapter) Read16(off hw.Offset) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.get16(off)
}

func (a *Adapter) Read32(off hw.Offset) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.get32(off)
}

func (a *Adapter) Write8(off hw.Offset, v uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch off {
	case hw.CR:
		a.writeCommand(hw.Command(v))
	default:
		if off >= hw.IDR0 && off < hw.IDR0+6 && a.get8(hw.CFG9346) != hw.Cfg9346Unlock {
			return
		}
		a.set8(off, v)
	}
}

func (a *Adapter) Write16(off hw.Offset, v uint16) {
	a.mu.Lock()
	var fire bool
	switch off {
	case hw.ISR:
		// Write one to clear.
		a.set16(hw.ISR, a.get16(hw.ISR)&^v)
	case hw.IMR:
		a.set16(hw.IMR, v)
		fire = a.pending()
	case hw.CBR:
		// read only
	default:
		a.set16(off, v)
	}
	a.mu.Unlock()
	a.assert(fire)
}

func (a *Adapter) Write32(off hw.Offset, v uint32) {
	a.mu.Lock()
	switch {
	case off >= hw.TSD0 && off < hw.TSAD0:
		slot := int(off-hw.TSD0) / 4
		fire, frame := a.startTx(slot, hw.TxStatus(v))
		wire := a.wire
		a.mu.Unlock()
		a.assert(fire)
		if frame != nil {
			wire.Transmit(frame)
		}
		return
	case off == hw.IDR0 || off == hw.IDR4:
		if a.get8(hw.CFG9346) == hw.Cfg9346Unlock {
			a.set32(off, v)
		}
	case off == hw.MPC:
		a.set32(hw.MPC, 0)
	case off == hw.TCR:
		// The version bits are read only.
		a.set32(hw.TCR, v&^uint32(hw.TxVersionMask)|uint32(a.opts.Version))
	default:
		a.set32(off, v)
	}
	a.mu.Unlock()
}

func (a *Adapter) writeCommand(c hw.Command) {
	if c.Resetting() {
		a.resetting = true
		a.resetLeft = a.opts.ResetPolls
		a.set8(hw.CR, uint8(hw.CmdReset))
		a.l.Debug("Emulated adapter reset started")
		return
	}

	old := a.command()
	if c.RxEnabled() && !old.RxEnabled() {
		// Starting the receiver restarts the write pointer.
		a.cbr = 0
		a.set16(hw.CBR, 0)
	}
	a.set8(hw.CR, uint8(c&(hw.CmdRxEnable|hw.CmdTxEnable)))
}

// SetLink changes the carrier and raises a link change interrupt.
func (a *Adapter) SetLink(up bool) {
	a.mu.Lock()
	msr := hw.MediaStatus(a.get8(hw.MSR))
	if up {
		msr &^= hw.MSRLinkBad
	} else {
		msr |= hw.MSRLinkBad
	}
	a.opts.LinkDown = !up
	a.set8(hw.MSR, uint8(msr))
	fire := a.raise(hw.IntLinkChange)
	a.mu.Unlock()
	a.assert(fire)
}

// RaiseSystemError signals a PCI bus error.
func (a *Adapter) RaiseSystemError() {
	a.mu.Lock()
	fire := a.raise(hw.IntSystemError)
	a.mu.Unlock()
	a.assert(fire)
}

// Interrupts returns the latched ISR bits.
func (a *Adapter) Interrupts() hw.Interrupt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return hw.Interrupt(a.get16(hw.ISR))
}

// StationAddress returns the address currently in IDR0..5.
func (a *Adapter) StationAddress() net.HardwareAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(net.HardwareAddr(nil), a.regs[hw.IDR0:hw.IDR0+6]...)
}
