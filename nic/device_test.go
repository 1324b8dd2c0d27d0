package nic

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/slackhq/r8139/emu"
	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/irq"
	"github.com/slackhq/r8139/ring"
	"github.com/slackhq/r8139/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type harness struct {
	d    *Device
	a    *emu.Adapter
	line *irq.Line

	l      sync.Mutex
	frames [][]byte
}

func (h *harness) receive(frame []byte) {
	h.l.Lock()
	h.frames = append(h.frames, frame)
	h.l.Unlock()
}

func (h *harness) received() [][]byte {
	h.l.Lock()
	defer h.l.Unlock()
	return append([][]byte(nil), h.frames...)
}

// newHarness wires a device to an emulated adapter looped back onto itself,
// with the interrupt line running until the test ends.
func newHarness(t *testing.T, opts emu.Options, mutate func(*Config)) *harness {
	l := test.NewLogger()
	a := emu.New(l, opts)
	line := irq.NewLine(l, "test", irq.NewChanTrigger())
	a.SetAsserter(line)
	a.SetWire(emu.Loopback(a))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, line.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		assert.NoError(t, line.Close())
	})

	cfg := DefaultConfig()
	cfg.Name = "test0"
	cfg.TxTimeout = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	d, err := New(l, a, a, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, d.Close()) })

	h := &harness{d: d, a: a, line: line}
	d.OnReceive(h.receive)
	return h
}

func (h *harness) open(t *testing.T) {
	require.NoError(t, h.d.Open(context.Background(), h.line))
	require.Equal(t, Up, h.d.State())

	// Link up on open wakes submitters, nobody is waiting yet.
	select {
	case <-h.d.Wake():
	default:
	}
}

// broadcastFrame builds an n byte IPv4 frame, n must be at least 14.
func broadcastFrame(n int, fill byte) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = fill
	}
	copy(f, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	f[12], f[13] = 0x08, 0x00
	return f
}

func TestDevice_OpenClose(t *testing.T) {
	h := newHarness(t, emu.Options{Version: hw.VersionRTL8139AG}, func(c *Config) {
		c.MAC = net.HardwareAddr{0x52, 0x54, 0, 0xaa, 0xbb, 0xcc}
	})
	assert.Equal(t, Down, h.d.State())
	h.open(t)

	assert.Equal(t, net.HardwareAddr{0x52, 0x54, 0, 0xaa, 0xbb, 0xcc}, h.d.HardwareAddr())
	assert.Equal(t, net.HardwareAddr{0x52, 0x54, 0, 0xaa, 0xbb, 0xcc}, h.a.StationAddress())
	assert.Equal(t, hw.VersionRTL8139AG, h.d.Version())
	assert.True(t, h.d.Carrier())
	assert.Equal(t, LinkStatus{Up: true, SpeedMbps: 100, FullDuplex: true}, h.d.Link())
	assert.Equal(t, 2, h.a.Allocated())

	rs := h.d.Rings()
	assert.Equal(t, 4, rs.TxSize)
	assert.Equal(t, []ring.SlotState{ring.SlotFree, ring.SlotFree, ring.SlotFree, ring.SlotFree}, rs.TxSlots)
	assert.Equal(t, 16<<10, rs.RxCapacity)

	// Opening twice is refused.
	assert.ErrorIs(t, h.d.Open(context.Background(), h.line), ErrInvalidState)

	require.NoError(t, h.d.Close())
	assert.Equal(t, Down, h.d.State())
	assert.Zero(t, h.a.Allocated())
	assert.Equal(t, uint16(0), h.a.Read16(hw.IMR))
	assert.Equal(t, uint8(0), h.a.Read8(hw.CR)&uint8(hw.CmdTxEnable|hw.CmdRxEnable))
	assert.False(t, h.d.Carrier())
	assert.Equal(t, RingStatus{}, h.d.Rings())

	// Closing again is a no op, and the device can come back up.
	require.NoError(t, h.d.Close())
	h.open(t)
}

func TestDevice_OpenNeedsLine(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	assert.Error(t, h.d.Open(context.Background(), nil))
	assert.Equal(t, Down, h.d.State())
}

func TestDevice_ResetTimeout(t *testing.T) {
	h := newHarness(t, emu.Options{StuckReset: true}, func(c *Config) {
		c.ResetTimeout = 5 * time.Millisecond
		c.ResetPollInterval = time.Millisecond
	})

	err := h.d.Open(context.Background(), h.line)
	require.ErrorIs(t, err, ErrHardwareResetTimeout)
	assert.Equal(t, Error, h.d.State())
	assert.Zero(t, h.a.Allocated())
	assert.Equal(t, uint16(0), h.a.Read16(hw.IMR))

	_, err = h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrDeviceDown)

	require.NoError(t, h.d.Close())
	assert.Equal(t, Down, h.d.State())
}

func TestDevice_ResetCanceled(t *testing.T) {
	h := newHarness(t, emu.Options{StuckReset: true}, func(c *Config) {
		c.ResetTimeout = time.Minute
		c.ResetPollInterval = time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := h.d.Open(ctx, h.line)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Error, h.d.State())
}

func TestDevice_OpenOutOfMemory(t *testing.T) {
	h := newHarness(t, emu.Options{MemoryLimit: 4096}, nil)

	err := h.d.Open(context.Background(), h.line)
	require.ErrorIs(t, err, hw.ErrNoDMAMemory)
	assert.Equal(t, Error, h.d.State())
	assert.Zero(t, h.a.Allocated())

	// Nothing is left registered on the line.
	_, before := h.line.Counts()
	assert.Equal(t, irq.None, h.line.Dispatch())
	_, after := h.line.Counts()
	assert.Equal(t, before+1, after)
}

func TestDevice_Loopback(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	var sent [][]byte
	for i := 0; i < 20; i++ {
		f := broadcastFrame(100+i, byte(i))
		for {
			n, err := h.d.Submit(f)
			if err == nil {
				assert.Equal(t, len(f), n)
				break
			}
			require.ErrorIs(t, err, ring.ErrRingFull)
			select {
			case <-h.d.Wake():
			case <-time.After(waitFor):
				t.Fatal("no wake after a full ring")
			}
		}
		sent = append(sent, f)
	}

	require.Eventually(t, func() bool { return len(h.received()) == len(sent) }, waitFor, tick)
	assert.Equal(t, sent, h.received())

	require.Eventually(t, func() bool { return h.d.Stats().TxPackets == 20 }, waitFor, tick)
	st := h.d.Stats()
	assert.Equal(t, uint64(20), st.RxPackets)
	var bytes uint64
	for _, f := range sent {
		bytes += uint64(len(f))
	}
	assert.Equal(t, bytes, st.RxBytes)
	assert.Equal(t, bytes, st.TxBytes)
	assert.Zero(t, st.TxErrors)
	assert.Zero(t, st.RxErrors)
}

func TestDevice_ShortFramesArePadded(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	_, err := h.d.Submit(broadcastFrame(20, 7))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, waitFor, tick)
	got := h.received()[0]
	assert.Len(t, got, ring.MinFrameSize)
	assert.Equal(t, broadcastFrame(20, 7), got[:20])
	assert.Equal(t, make([]byte, ring.MinFrameSize-20), got[20:])
}

func TestDevice_SubmitErrors(t *testing.T) {
	h := newHarness(t, emu.Options{}, func(c *Config) { c.Tx = false })

	_, err := h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrDeviceDown)

	h.open(t)
	_, err = h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrTxDisabled)
	assert.Zero(t, h.d.Rings().TxSize)
}

func TestDevice_SubmitFrameErrors(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	_, err := h.d.Submit(nil)
	assert.ErrorIs(t, err, ring.ErrFrameEmpty)
	_, err = h.d.Submit(make([]byte, ring.DefaultSlotSize+1))
	assert.ErrorIs(t, err, ring.ErrFrameTooLarge)
}

func TestDevice_Carrier(t *testing.T) {
	h := newHarness(t, emu.Options{LinkDown: true, Speed10: true, HalfDuplex: true}, nil)
	h.open(t)

	assert.False(t, h.d.Carrier())
	_, err := h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrCarrierDown)

	h.a.SetLink(true)
	select {
	case <-h.d.Wake():
	case <-time.After(waitFor):
		t.Fatal("no wake after link up")
	}
	assert.True(t, h.d.Carrier())
	assert.Equal(t, LinkStatus{Up: true, SpeedMbps: 10}, h.d.Link())
	assert.Equal(t, "up 10Mbps half duplex", h.d.Link().String())

	_, err = h.d.Submit(broadcastFrame(64, 1))
	assert.NoError(t, err)

	h.a.SetLink(false)
	require.Eventually(t, func() bool { return !h.d.Carrier() }, waitFor, tick)
	_, err = h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrCarrierDown)
	assert.Equal(t, "down", h.d.Link().String())
}

func TestDevice_RingFull(t *testing.T) {
	h := newHarness(t, emu.Options{ManualTx: true}, func(c *Config) { c.TxRing = 2 })
	h.open(t)

	for i := 0; i < 2; i++ {
		_, err := h.d.Submit(broadcastFrame(64, byte(i)))
		require.NoError(t, err)
	}
	_, err := h.d.Submit(broadcastFrame(64, 2))
	require.ErrorIs(t, err, ring.ErrRingFull)
	assert.Equal(t, []int{0, 1}, h.a.InFlight())
	assert.Equal(t, []ring.SlotState{ring.SlotQueued, ring.SlotQueued}, h.d.Rings().TxSlots)

	require.True(t, h.a.CompleteTx(0, hw.TxOK))
	select {
	case <-h.d.Wake():
	case <-time.After(waitFor):
		t.Fatal("no wake after a completion")
	}

	// The third frame reuses buffer slot 0 but goes to the adapter's next
	// descriptor.
	_, err = h.d.Submit(broadcastFrame(64, 2))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, h.a.InFlight())

	require.True(t, h.a.CompleteTx(1, hw.TxAborted))
	require.True(t, h.a.CompleteTx(2, hw.TxOK))
	require.Eventually(t, func() bool { return h.d.Stats().TxPackets == 2 }, waitFor, tick)
	assert.Equal(t, uint64(1), h.d.Stats().TxErrors)
	assert.Equal(t, uint64(1), h.d.Stats().TxAborted)
}

func TestDevice_ReceiveErrors(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	require.True(t, h.a.InjectRx(hw.RxCRC, broadcastFrame(64, 1)))
	// Too short to carry an ethertype.
	runt := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02, 0, 0, 0}
	require.True(t, h.a.InjectRx(hw.RxRunt, runt))
	require.True(t, h.a.Receive(broadcastFrame(64, 2)))

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, waitFor, tick)
	assert.Equal(t, broadcastFrame(64, 2), h.received()[0])
	st := h.d.Stats()
	assert.Equal(t, uint64(2), st.RxErrors)
	assert.Equal(t, uint64(1), st.RxCRC)
	assert.Equal(t, uint64(1), st.RxLength)
	assert.Equal(t, uint64(1), st.RxPackets)
}

func TestDevice_ReceiveCorruptRing(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	require.True(t, h.a.InjectHeader(hw.RxOK, 2))
	require.Eventually(t, func() bool { return h.d.Stats().RxErrors == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.d.Rings().RxCursor == 0 }, waitFor, tick)

	// The receiver was restarted and keeps working.
	require.True(t, h.a.Receive(broadcastFrame(80, 3)))
	require.Eventually(t, func() bool { return len(h.received()) == 1 }, waitFor, tick)
	assert.Equal(t, broadcastFrame(80, 3), h.received()[0])
	assert.Equal(t, Up, h.d.State())
}

func TestDevice_ReceiveBudget(t *testing.T) {
	h := newHarness(t, emu.Options{}, func(c *Config) { c.RxBudget = 2 })
	h.open(t)

	// Frames arrive faster than the line is serviced and more than one
	// budget is waiting when the handler runs.
	for i := 0; i < 9; i++ {
		require.True(t, h.a.Receive(broadcastFrame(64, byte(i))))
	}

	require.Eventually(t, func() bool { return len(h.received()) == 9 }, waitFor, tick)
	for i, f := range h.received() {
		assert.Equal(t, broadcastFrame(64, byte(i)), f)
	}
}

func TestDevice_ReceiveWithoutReceiver(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)
	h.d.OnReceive(nil)

	require.True(t, h.a.Receive(broadcastFrame(64, 1)))
	require.Eventually(t, func() bool { return h.d.Stats().RxDropped == 1 }, waitFor, tick)
	assert.Zero(t, h.d.Stats().RxPackets)
}

func TestDevice_ReceiveOverflow(t *testing.T) {
	h := newHarness(t, emu.Options{}, func(c *Config) { c.RxBuffer = 8 << 10 })
	h.open(t)

	// Hold the service path so the ring fills up.
	h.d.serviceMu.Lock()
	accepted := 0
	for i := 0; i < 8; i++ {
		if h.a.Receive(broadcastFrame(1500, byte(i))) {
			accepted++
		}
	}
	h.d.serviceMu.Unlock()
	require.Less(t, accepted, 8)

	require.Eventually(t, func() bool { return len(h.received()) == accepted }, waitFor, tick)
	require.Eventually(t, func() bool { return h.d.Stats().RxMissed == uint64(8-accepted) }, waitFor, tick)
	assert.NotZero(t, h.d.Stats().RxOver)
	assert.Zero(t, h.a.Read32(hw.MPC))
}

func TestDevice_SystemError(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	h.a.RaiseSystemError()
	require.Eventually(t, func() bool { return h.d.State() == Error }, waitFor, tick)
	assert.False(t, h.d.Carrier())
	assert.Equal(t, uint16(0), h.a.Read16(hw.IMR))
	_, err := h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrDeviceDown)

	// The device can be reopened from the error state.
	h.open(t)
	assert.Equal(t, 2, h.a.Allocated())
	_, err = h.d.Submit(broadcastFrame(64, 1))
	assert.NoError(t, err)
}

func TestDevice_CloseFencesInterrupts(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	require.NoError(t, h.d.Close())
	handled, _ := h.line.Counts()

	// The adapter can still latch causes, nobody services them.
	h.a.SetLink(false)
	h.line.Dispatch()
	after, spurious := h.line.Counts()
	assert.Equal(t, handled, after)
	assert.NotZero(t, spurious)

	_, err := h.d.Submit(broadcastFrame(64, 1))
	assert.ErrorIs(t, err, ErrDeviceDown)
	assert.False(t, h.d.Poll())
}

func TestDevice_CloseWhileBusy(t *testing.T) {
	h := newHarness(t, emu.Options{}, nil)
	h.open(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, err := h.d.Submit(broadcastFrame(64, byte(i)))
			if errors.Is(err, ErrDeviceDown) {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return h.d.Stats().RxPackets > 10 }, waitFor, tick)
	require.NoError(t, h.d.Close())
	close(stop)
	wg.Wait()

	assert.Equal(t, Down, h.d.State())
	assert.Zero(t, h.a.Allocated())
}

func TestDevice_TxWatchdog(t *testing.T) {
	// Long enough that the poll goroutine never looks on its own.
	h := newHarness(t, emu.Options{ManualTx: true}, func(c *Config) { c.TxTimeout = time.Hour })
	h.open(t)

	_, err := h.d.Submit(broadcastFrame(64, 1))
	require.NoError(t, err)

	now := time.Now()
	h.d.checkTxStall(now)
	assert.False(t, h.d.watchdog.reported)
	h.d.checkTxStall(now.Add(h.d.cfg.TxTimeout))
	assert.True(t, h.d.watchdog.reported)

	// Progress clears the stall.
	require.True(t, h.a.CompleteTx(0, hw.TxOK))
	h.d.checkTxStall(now.Add(2 * h.d.cfg.TxTimeout))
	assert.False(t, h.d.watchdog.reported)
	s, c := h.d.tx.Indices()
	assert.Equal(t, s, c)
}
