package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/slackhq/r8139/hw"
)

const (
	// HeaderLen is the size of the status and length words the adapter
	// writes in front of every received frame.
	HeaderLen = 4

	// FCSLen is the size of the frame check sequence counted in the header
	// length and stripped before delivery.
	FCSLen = 4

	// MaxRxLength is the longest good frame the adapter can report, FCS
	// included: a full sized Ethernet frame with one VLAN tag.
	MaxRxLength = 1518 + 4

	// DefaultBudget is the number of frames Drain handles per call when the
	// caller does not pick a budget.
	DefaultBudget = 64

	// caprBias is subtracted from the read cursor when it is handed back to
	// the adapter through CAPR.
	caprBias = 16

	maxRxCapacity = 64 << 10
)

// RxRing consumes frames from the adapter's receive buffer. The adapter
// writes frames one after another, each behind a header and wrapping at the
// end of the buffer. The driver follows with a single read cursor.
//
// Drain is not safe for concurrent use.
type RxRing struct {
	bus      hw.Bus
	region   hw.Region
	stats    *Stats
	capacity uint32
	align    uint32
	cursor   uint32
}

// NewRxRing builds a receive ring over region, which must hold capacity bytes
// plus the hw.RxPad slack.
func NewRxRing(bus hw.Bus, region hw.Region, capacity, alignment int, stats *Stats) (*RxRing, error) {
	if err := CheckSize(capacity, maxRxCapacity); err != nil {
		return nil, err
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 || alignment > capacity {
		return nil, fmt.Errorf("receive alignment %d is not a power of 2", alignment)
	}
	if region.Len() < capacity+hw.RxPad {
		return nil, fmt.Errorf("receive region of %d bytes can not hold a %d byte ring", region.Len(), capacity)
	}
	if stats == nil {
		stats = &Stats{}
	}

	return &RxRing{
		bus:      bus,
		region:   region,
		stats:    stats,
		capacity: uint32(capacity),
		align:    uint32(alignment),
	}, nil
}

// Capacity returns the ring size in bytes, without padding.
func (r *RxRing) Capacity() int {
	return int(r.capacity)
}

// Cursor returns the offset of the next frame header.
func (r *RxRing) Cursor() int {
	return int(r.cursor)
}

// Reset moves the cursor back to the start of the buffer. The adapter's
// receiver must have been restarted, which also resets its write pointer.
func (r *RxRing) Reset() {
	r.cursor = 0
	r.publish()
}

func (r *RxRing) publish() {
	r.bus.Write16(hw.CAPR, uint16(r.cursor-caprBias))
}

// copyOut fills dst from the ring starting at off, wrapping at the end of
// the buffer.
func (r *RxRing) copyOut(dst []byte, off uint32) {
	off &= r.capacity - 1
	n := copy(dst, r.region.Buf[off:r.capacity])
	if n < len(dst) {
		copy(dst[n:], r.region.Buf[:r.capacity])
	}
}

// Drain delivers up to budget frames, in arrival order, and returns how many
// headers it consumed. more is true if it stopped because of the budget with
// frames still waiting. A budget of zero or less means DefaultBudget.
//
// Frames the adapter flagged as bad are counted and skipped. A header that
// the adapter could not have written stops the drain with ErrRingCorrupt.
// deliver owns the slice it is handed; a nil deliver drops every frame.
func (r *RxRing) Drain(budget int, deliver func([]byte)) (n int, more bool, err error) {
	if budget <= 0 {
		budget = DefaultBudget
	}

	var hdr [HeaderLen]byte
	for {
		if hw.Command(r.bus.Read8(hw.CR)).BufferEmpty() {
			return n, false, nil
		}
		if n >= budget {
			return n, true, nil
		}

		r.copyOut(hdr[:], r.cursor)
		status := hw.RxStatus(binary.LittleEndian.Uint16(hdr[0:]))
		length := uint32(binary.LittleEndian.Uint16(hdr[2:]))

		if length < FCSLen || HeaderLen+length > r.capacity || (!status.OK() && !status.Errored()) ||
			(status.OK() && length > MaxRxLength) {
			r.stats.RxErrors.Add(1)
			return n, false, fmt.Errorf("%w: status 0x%04x length %d at offset %d", ErrRingCorrupt, uint16(status), length, r.cursor)
		}

		if status.Errored() {
			r.countError(status)
		} else {
			frame := make([]byte, length-FCSLen)
			r.copyOut(frame, r.cursor+HeaderLen)
			if deliver != nil {
				r.stats.RxPackets.Add(1)
				r.stats.RxBytes.Add(uint64(len(frame)))
				deliver(frame)
			} else {
				r.stats.RxDropped.Add(1)
			}
		}

		n++
		r.cursor = (r.cursor + HeaderLen + length + r.align - 1) &^ (r.align - 1)
		r.cursor &= r.capacity - 1
		r.publish()
	}
}

func (r *RxRing) countError(st hw.RxStatus) {
	r.stats.RxErrors.Add(1)
	if st.FrameAlignError() || st.InvalidSymbol() {
		r.stats.RxFrame.Add(1)
	}
	if st.Runt() || st.Long() {
		r.stats.RxLength.Add(1)
	}
	if st.CRCError() {
		r.stats.RxCRC.Add(1)
	}
}

// AccountMissed folds the adapter's missed packet counter into the
// statistics and clears it.
func (r *RxRing) AccountMissed() {
	if missed := r.bus.Read32(hw.MPC) & 0xffffff; missed != 0 {
		r.stats.RxMissed.Add(uint64(missed))
		r.bus.Write32(hw.MPC, 0)
	}
}
