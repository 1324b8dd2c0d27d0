// Package nic drives an RTL8139-class adapter: device lifecycle, the
// interrupt dispatcher, link monitoring and the upstream frame interface.
package nic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/irq"
	"github.com/slackhq/r8139/ring"
	"github.com/slackhq/r8139/util"
)

const (
	// The adapter wants 32 bit aligned transmit buffers. The receive buffer
	// is aligned further so it starts on a cache line.
	txAlign = 4
	rxAlign = 16

	// rxFrameAlign is the alignment the adapter keeps between frames in the
	// receive buffer.
	rxFrameAlign = 4
)

// Device is one adapter. All methods are safe for concurrent use.
//
// Two contexts touch the rings: submitters, serialized by txMu, and service
// passes (the interrupt handler, polls and the transmit watchdog),
// serialized by serviceMu. They only share the ring indices, which are
// atomic, and the register file.
type Device struct {
	l   *logrus.Logger
	cfg Config
	bus hw.Bus
	dma hw.Allocator

	// lifecycle serializes Open and Close.
	lifecycle sync.Mutex
	state     atomic.Int32
	line      *irq.Line
	irqReg    *irq.Registration

	txMu      sync.Mutex
	serviceMu sync.Mutex

	tx       *ring.TxRing
	rx       *ring.RxRing
	txRegion hw.Region
	rxRegion hw.Region
	rcr      hw.RxConfig
	stats    ring.Stats

	// enabled is the interrupt mask the dispatcher honors. It is cleared
	// before IMR on Close so a late dispatch does nothing.
	enabled atomic.Uint32
	carrier atomic.Bool
	link    atomic.Pointer[LinkStatus]
	mac     atomic.Pointer[net.HardwareAddr]
	version atomic.Uint32

	receiver atomic.Pointer[func([]byte)]
	wake     chan struct{}

	pollKick   chan struct{}
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	watchdog   txWatchdog
}

// New creates a device in the Down state. Nothing is written to the adapter
// until Open.
func New(l *logrus.Logger, bus hw.Bus, dma hw.Allocator, cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		l:        l,
		cfg:      cfg,
		bus:      bus,
		dma:      dma,
		wake:     make(chan struct{}, 1),
		pollKick: make(chan struct{}, 1),
	}
	d.link.Store(&LinkStatus{})
	if cfg.MAC != nil {
		mac := append(net.HardwareAddr(nil), cfg.MAC...)
		d.mac.Store(&mac)
	}
	return d, nil
}

func (d *Device) Name() string {
	return d.cfg.Name
}

func (d *Device) State() State {
	return State(d.state.Load())
}

func (d *Device) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	if old != s {
		d.l.WithField("device", d.cfg.Name).WithField("from", old).WithField("to", s).Debug("Device state change")
	}
}

// HardwareAddr returns the station address in use, or nil if it is not known
// before the first Open.
func (d *Device) HardwareAddr() net.HardwareAddr {
	if p := d.mac.Load(); p != nil {
		return append(net.HardwareAddr(nil), *p...)
	}
	return nil
}

// Version returns the chip revision read on the last Open.
func (d *Device) Version() hw.ChipVersion {
	return hw.ChipVersion(d.version.Load())
}

// Stats returns a snapshot of the interface counters. Counters are reset when
// the device is opened.
func (d *Device) Stats() ring.Counters {
	return d.stats.Snapshot()
}

// OnReceive sets the function received frames are delivered to, in arrival
// order. fn owns each slice it is handed. It runs in interrupt context and
// must not block or call back into the device's service path. Frames that
// arrive while no function is set are dropped and counted.
func (d *Device) OnReceive(fn func(frame []byte)) {
	if fn == nil {
		d.receiver.Store(nil)
		return
	}
	d.receiver.Store(&fn)
}

func (d *Device) deliverer() func([]byte) {
	if p := d.receiver.Load(); p != nil {
		return *p
	}
	return nil
}

// Wake is signalled when a submitter that saw ring.ErrRingFull or
// ErrCarrierDown may try again.
func (d *Device) Wake() <-chan struct{} {
	return d.wake
}

func (d *Device) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Submit hands frame to the adapter for transmission and returns the number
// of bytes accepted. The caller keeps ownership of frame.
func (d *Device) Submit(frame []byte) (int, error) {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	if d.State() != Up {
		return 0, ErrDeviceDown
	}
	if d.tx == nil {
		return 0, ErrTxDisabled
	}
	if !d.carrier.Load() {
		return 0, ErrCarrierDown
	}

	n, err := d.tx.Enqueue(frame)
	if errors.Is(err, ring.ErrRingFull) {
		// Completions whose interrupt raced the publication of their slot
		// are picked up by a service pass.
		d.schedulePoll()
	}
	return n, err
}

// Open resets the adapter and brings the device up, registering its
// interrupt handler on line. On failure every resource is released and the
// device is left in the Error state.
func (d *Device) Open(ctx context.Context, line *irq.Line) error {
	if line == nil {
		return errors.New("an interrupt line is required")
	}

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	switch s := d.State(); s {
	case Down:
	case Error:
		// Whatever a failed service pass left behind goes first.
		d.teardown(Error)
	default:
		return fmt.Errorf("%w: open while %s", ErrInvalidState, s)
	}

	d.setState(Resetting)
	if err := d.reset(ctx); err != nil {
		d.setState(Error)
		return err
	}

	if err := d.bringUp(line); err != nil {
		d.teardown(Error)
		return err
	}

	d.l.WithField("device", d.cfg.Name).
		WithField("mac", d.HardwareAddr()).
		WithField("version", d.Version()).
		WithField("tx", d.tx != nil).
		WithField("rx", d.rx != nil).
		WithField("link", d.Link()).
		Info("Device is up")
	return nil
}

func (d *Device) bringUp(line *irq.Line) error {
	d.version.Store(uint32(hw.TxConfig(d.bus.Read32(hw.TCR)).Version()))
	d.programAddress()

	if d.cfg.AcceptMulticast || d.cfg.Promiscuous {
		d.bus.Write32(hw.MAR0, 0xffffffff)
		d.bus.Write32(hw.MAR4, 0xffffffff)
	} else {
		d.bus.Write32(hw.MAR0, 0)
		d.bus.Write32(hw.MAR4, 0)
	}

	d.stats.Reset()
	if err := d.allocRings(); err != nil {
		return err
	}

	var cmd hw.Command
	var mask hw.Interrupt = hw.IntLinkChange | hw.IntSystemError
	if d.tx != nil {
		cmd |= hw.CmdTxEnable
		mask |= hw.IntTx
	}
	if d.rx != nil {
		cmd |= hw.CmdRxEnable
		mask |= hw.IntRx
	}
	if cmd == 0 {
		d.l.WithField("device", d.cfg.Name).Warn("Neither transmit nor receive is enabled, the device will not move any frames")
	}

	// The configuration registers only take writes once the matching
	// direction is enabled.
	d.bus.Write8(hw.CR, uint8(cmd))
	d.bus.Write32(hw.TCR, uint32(hw.TxMaxDMABurst1024|hw.TxIFG96))
	if d.rx != nil {
		d.bus.Write32(hw.RCR, uint32(d.rcr))
		d.bus.Write32(hw.RBSTART, d.rxRegion.Addr)
		d.rx.Reset()
		d.bus.Write32(hw.MPC, 0)
	}

	d.startPoll()

	reg, err := line.Register(d.cfg.Name, d)
	if err != nil {
		return err
	}
	d.line = line
	d.irqReg = reg

	d.serviceMu.Lock()
	d.checkLink()
	d.serviceMu.Unlock()

	d.setState(Up)
	d.enabled.Store(uint32(mask))
	d.bus.Write16(hw.IMR, uint16(mask))
	return nil
}

// programAddress writes the configured station address, which needs the
// config registers unlocked, and reads back the address in effect.
func (d *Device) programAddress() {
	if mac := d.cfg.MAC; mac != nil {
		d.bus.Write8(hw.CFG9346, hw.Cfg9346Unlock)
		d.bus.Write32(hw.IDR0, uint32(mac[0])|uint32(mac[1])<<8|uint32(mac[2])<<16|uint32(mac[3])<<24)
		d.bus.Write32(hw.IDR4, uint32(mac[4])|uint32(mac[5])<<8)
		d.bus.Write8(hw.CFG9346, hw.Cfg9346Lock)
	}

	mac := make(net.HardwareAddr, 6)
	for i := range mac {
		mac[i] = d.bus.Read8(hw.IDR(i))
	}
	d.mac.Store(&mac)
}

func (d *Device) allocRings() error {
	if d.cfg.Tx {
		r, err := d.dma.Alloc(d.cfg.TxRing*ring.DefaultSlotSize, txAlign)
		if err != nil {
			return util.NewContextualError("Failed to allocate transmit buffers", map[string]any{"device": d.cfg.Name}, err)
		}
		d.txRegion = r
		if d.tx, err = ring.NewTxRing(d.bus, r, d.cfg.TxRing, ring.DefaultSlotSize, &d.stats); err != nil {
			return err
		}
		d.tx.SetResume(d.signalWake)
	}

	if d.cfg.Rx {
		rcr, err := hw.RxBufferLength(d.cfg.RxBuffer)
		if err != nil {
			return err
		}
		d.rcr = rcr | hw.RxMaxDMAUnlimited | hw.RxFifoNoThreshold | hw.RxAcceptMyPhys
		if d.cfg.AcceptBroadcast {
			d.rcr |= hw.RxAcceptBroadcast
		}
		if d.cfg.AcceptMulticast {
			d.rcr |= hw.RxAcceptMulticast
		}
		if d.cfg.Promiscuous {
			d.rcr |= hw.RxAcceptAll | hw.RxAcceptBroadcast | hw.RxAcceptMulticast
		}

		r, err := d.dma.Alloc(d.cfg.RxBuffer+hw.RxPad, rxAlign)
		if err != nil {
			return util.NewContextualError("Failed to allocate receive buffer", map[string]any{"device": d.cfg.Name}, err)
		}
		d.rxRegion = r
		if d.rx, err = ring.NewRxRing(d.bus, r, d.cfg.RxBuffer, rxFrameAlign, &d.stats); err != nil {
			return err
		}
	}

	return nil
}

// Close brings the device down. Interrupts are disabled and any in-flight
// dispatch has finished before the adapter is stopped and its memory freed.
func (d *Device) Close() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.State() == Down {
		return nil
	}

	d.teardown(Down)
	d.l.WithField("device", d.cfg.Name).Info("Device is down")
	return nil
}

// teardown releases everything bringUp acquired, in the reverse order, and
// leaves the device in final. It tolerates a partial bringUp.
func (d *Device) teardown(final State) {
	d.enabled.Store(0)
	d.bus.Write16(hw.IMR, 0)

	d.stopPoll()

	if d.line != nil {
		d.line.Unregister(d.irqReg)
		d.line = nil
		d.irqReg = nil
	}

	d.serviceMu.Lock()
	defer d.serviceMu.Unlock()
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.setState(final)
	d.bus.Write8(hw.CR, 0)

	d.tx = nil
	d.rx = nil
	d.dma.Free(d.txRegion)
	d.dma.Free(d.rxRegion)
	d.txRegion = hw.Region{}
	d.rxRegion = hw.Region{}

	d.carrier.Store(false)
	d.link.Store(&LinkStatus{})
}

func (d *Device) startPoll() {
	ctx, cancel := context.WithCancel(context.Background())
	d.pollCancel = cancel
	d.pollDone = make(chan struct{})
	d.watchdog = txWatchdog{}
	go d.pollLoop(ctx, d.pollDone)
}

func (d *Device) stopPoll() {
	if d.pollCancel == nil {
		return
	}
	d.pollCancel()
	<-d.pollDone
	d.pollCancel = nil
	d.pollDone = nil
}

// schedulePoll asks the poll goroutine for a service pass.
func (d *Device) schedulePoll() {
	select {
	case d.pollKick <- struct{}{}:
	default:
	}
}

func (d *Device) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if d.cfg.TxTimeout > 0 {
		t := time.NewTicker(d.cfg.TxTimeout / 4)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.pollKick:
			for d.Poll() {
				if ctx.Err() != nil {
					return
				}
			}
		case now := <-tick:
			d.checkTxStall(now)
		}
	}
}

// Poll runs one service pass without an interrupt: transmit completions are
// reclaimed and up to one budget of frames is received. It reports whether
// more frames are waiting.
func (d *Device) Poll() bool {
	d.serviceMu.Lock()
	defer d.serviceMu.Unlock()

	if d.State() != Up {
		return false
	}
	if d.tx != nil {
		d.tx.Reclaim()
	}
	return d.serviceRx(0)
}

// RingStatus describes the rings for diagnostics.
type RingStatus struct {
	TxSize       int
	TxSubmission uint32
	TxCompletion uint32
	TxSlots      []ring.SlotState
	RxCapacity   int
	RxCursor     int
}

func (d *Device) Rings() RingStatus {
	d.serviceMu.Lock()
	defer d.serviceMu.Unlock()

	var rs RingStatus
	if d.State() != Up {
		return rs
	}
	if d.tx != nil {
		rs.TxSize = d.tx.Size()
		rs.TxSubmission, rs.TxCompletion = d.tx.Indices()
		for i := 0; i < rs.TxSize; i++ {
			rs.TxSlots = append(rs.TxSlots, d.tx.SlotState(i))
		}
	}
	if d.rx != nil {
		rs.RxCapacity = d.rx.Capacity()
		rs.RxCursor = d.rx.Cursor()
	}
	return rs
}
