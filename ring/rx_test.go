package ring

import (
	"encoding/binary"
	"testing"

	"github.com/slackhq/r8139/hw"
	"github.com/slackhq/r8139/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRxCapacity = 8 << 10

// rxHarness plays the adapter side of a receive ring. It writes frames into
// the buffer and reports the buffer empty once the driver has caught up.
type rxHarness struct {
	t     *testing.T
	bus   *test.Bus
	ring  *RxRing
	stats *Stats
	write uint32
}

func newRxHarness(t *testing.T, alignment int) *rxHarness {
	h := &rxHarness{t: t, bus: test.NewBus(), stats: &Stats{}}
	region := hw.Region{Buf: make([]byte, testRxCapacity+hw.RxPad), Addr: 0x8000}
	r, err := NewRxRing(h.bus, region, testRxCapacity, alignment, h.stats)
	require.NoError(t, err)
	h.ring = r

	h.bus.ReadHook = func(off hw.Offset, width int) (uint32, bool) {
		if off != hw.CR {
			return 0, false
		}
		if h.ring.cursor == h.write {
			return uint32(hw.CmdBufferEmpty), true
		}
		return 0, true
	}
	return h
}

// start moves both the driver and the adapter to off.
func (h *rxHarness) start(off uint32) {
	h.ring.cursor = off
	h.write = off
}

func (h *rxHarness) put(b []byte) {
	for _, v := range b {
		h.ring.region.Buf[h.write%testRxCapacity] = v
		h.write++
	}
	h.write %= testRxCapacity
}

// frame writes a header, the payload and a dummy FCS.
func (h *rxHarness) frame(status hw.RxStatus, payload []byte) {
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(status))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(payload)+FCSLen))
	h.put(hdr[:])
	h.put(payload)
	h.put([]byte{0xde, 0xad, 0xbe, 0xef})
	h.write = (h.write + h.ring.align - 1) &^ (h.ring.align - 1) % testRxCapacity
}

func (h *rxHarness) drain(budget int) ([][]byte, bool, error) {
	var got [][]byte
	_, more, err := h.ring.Drain(budget, func(b []byte) { got = append(got, b) })
	return got, more, err
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestNewRxRing_Invalid(t *testing.T) {
	bus := test.NewBus()
	region := hw.Region{Buf: make([]byte, testRxCapacity+hw.RxPad)}

	_, err := NewRxRing(bus, region, 6000, 4, nil)
	assert.ErrorIs(t, err, ErrSizeInvalid)

	_, err = NewRxRing(bus, region, testRxCapacity, 3, nil)
	assert.Error(t, err)

	_, err = NewRxRing(bus, hw.Region{Buf: make([]byte, testRxCapacity)}, testRxCapacity, 4, nil)
	assert.Error(t, err)
}

func TestRxRing_Drain(t *testing.T) {
	h := newRxHarness(t, 4)
	h.frame(hw.RxOK|hw.RxPhysMatch, payload(60, 1))
	h.frame(hw.RxOK|hw.RxBroadcast, payload(61, 2))

	got, more, err := h.drain(0)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, [][]byte{payload(60, 1), payload(61, 2)}, got)

	// 4+64 then 4+65 rounded up to 4.
	assert.Equal(t, 68+72, h.ring.Cursor())
	capr := h.bus.WritesTo(hw.CAPR)
	require.Len(t, capr, 2)
	assert.Equal(t, uint32(68-16), capr[0].Value)
	assert.Equal(t, uint32(68+72-16), capr[1].Value)

	c := h.stats.Snapshot()
	assert.Equal(t, uint64(2), c.RxPackets)
	assert.Equal(t, uint64(121), c.RxBytes)
}

func TestRxRing_DrainFirstCAPRWraps(t *testing.T) {
	h := newRxHarness(t, 4)
	h.ring.Reset()
	assert.Equal(t, []test.Access{{Off: hw.CAPR, Width: 2, Value: 0xfff0}}, h.bus.Writes())
}

func TestRxRing_DrainWrapPayload(t *testing.T) {
	// Payload starts three bytes before the end of the buffer.
	h := newRxHarness(t, 1)
	h.start(testRxCapacity - 3 - HeaderLen)
	want := payload(100, 7)
	h.frame(hw.RxOK, want)

	got, _, err := h.drain(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
	assert.Equal(t, int(h.write), h.ring.Cursor())
	assert.Equal(t, 100+FCSLen-3, h.ring.Cursor())
}

func TestRxRing_DrainWrapHeader(t *testing.T) {
	for _, tt := range []struct {
		name  string
		start uint32
		align int
	}{
		{name: "header at the last aligned slot", start: testRxCapacity - 8, align: 4},
		{name: "header split by the end", start: testRxCapacity - 2, align: 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newRxHarness(t, tt.align)
			h.start(tt.start)
			want := payload(64, 9)
			h.frame(hw.RxOK, want)
			h.frame(hw.RxOK, payload(70, 3))

			got, _, err := h.drain(0)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{want, payload(70, 3)}, got)
			assert.Equal(t, int(h.write), h.ring.Cursor())

			capr := h.bus.WritesTo(hw.CAPR)
			require.Len(t, capr, 2)
			assert.Equal(t, uint32(uint16(h.write-16)), capr[1].Value)
		})
	}
}

func TestRxRing_DrainBudget(t *testing.T) {
	h := newRxHarness(t, 4)
	for i := 0; i < 5; i++ {
		h.frame(hw.RxOK, payload(60, byte(i)))
	}

	got, more, err := h.drain(3)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Len(t, got, 3)

	got, more, err = h.drain(3)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, [][]byte{payload(60, 3), payload(60, 4)}, got)
}

func TestRxRing_DrainErrors(t *testing.T) {
	h := newRxHarness(t, 4)
	h.frame(hw.RxCRC, payload(60, 0))
	h.frame(hw.RxFrameAlign, payload(60, 0))
	h.frame(hw.RxRunt, payload(10, 0))
	h.frame(hw.RxLong|hw.RxInvalidSymbol, payload(60, 0))
	h.frame(hw.RxOK, payload(60, 5))

	got, _, err := h.drain(0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{payload(60, 5)}, got)

	c := h.stats.Snapshot()
	assert.Equal(t, uint64(4), c.RxErrors)
	assert.Equal(t, uint64(1), c.RxCRC)
	assert.Equal(t, uint64(2), c.RxFrame)
	assert.Equal(t, uint64(2), c.RxLength)
	assert.Equal(t, uint64(1), c.RxPackets)
}

func TestRxRing_DrainCorrupt(t *testing.T) {
	tests := []struct {
		name   string
		status uint16
		length uint16
	}{
		{name: "zero length", status: uint16(hw.RxOK), length: 0},
		{name: "longer than the ring", status: uint16(hw.RxOK), length: testRxCapacity},
		{name: "no status", status: 0, length: 64},
		{name: "good frame too long for ethernet", status: uint16(hw.RxOK), length: MaxRxLength + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRxHarness(t, 4)
			var hdr [8]byte
			binary.LittleEndian.PutUint16(hdr[0:], tt.status)
			binary.LittleEndian.PutUint16(hdr[2:], tt.length)
			h.put(hdr[:])

			got, more, err := h.drain(0)
			assert.ErrorIs(t, err, ErrRingCorrupt)
			assert.False(t, more)
			assert.Empty(t, got)
			assert.Equal(t, uint64(1), h.stats.Snapshot().RxErrors)
			assert.Equal(t, 0, h.ring.Cursor())
		})
	}
}

func TestRxRing_DrainMaxLength(t *testing.T) {
	h := newRxHarness(t, 4)
	h.frame(hw.RxOK, payload(MaxRxLength-FCSLen, 1))
	// Frames the adapter flagged long are counted whatever their length.
	h.frame(hw.RxLong, payload(2000, 2))
	h.frame(hw.RxOK, payload(60, 3))

	got, _, err := h.drain(0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{payload(MaxRxLength-FCSLen, 1), payload(60, 3)}, got)

	c := h.stats.Snapshot()
	assert.Equal(t, uint64(1), c.RxErrors)
	assert.Equal(t, uint64(1), c.RxLength)
}

func TestRxRing_DrainNoReceiver(t *testing.T) {
	h := newRxHarness(t, 4)
	h.frame(hw.RxOK, payload(60, 0))

	n, _, err := h.ring.Drain(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), h.stats.Snapshot().RxDropped)
	assert.Equal(t, uint64(0), h.stats.Snapshot().RxPackets)
}

func TestRxRing_DeliverOwnsFrame(t *testing.T) {
	h := newRxHarness(t, 4)
	h.frame(hw.RxOK, payload(60, 0))

	got, _, err := h.drain(0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Reusing the ring memory does not touch the delivered frame.
	clear(h.ring.region.Buf)
	assert.Equal(t, payload(60, 0), got[0])
}

func TestRxRing_AccountMissed(t *testing.T) {
	h := newRxHarness(t, 4)
	h.bus.Set(hw.MPC, 4, 12)
	h.ring.AccountMissed()
	assert.Equal(t, uint64(12), h.stats.Snapshot().RxMissed)
	assert.Equal(t, uint32(0), h.bus.Peek(hw.MPC, 4))

	h.bus.ClearLog()
	h.ring.AccountMissed()
	assert.Empty(t, h.bus.Writes())
}
