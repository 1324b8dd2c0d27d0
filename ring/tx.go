package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/slackhq/r8139/hw"
)

const (
	// MinFrameSize is the shortest frame put on the wire, without FCS.
	// Shorter frames are zero padded in the slot.
	MinFrameSize = 60

	// DefaultSlotSize holds a maximum sized Ethernet frame without FCS,
	// rounded up for alignment.
	DefaultSlotSize = 1536

	// txFifoThreshold is the number of bytes the adapter buffers before it
	// starts sending a slot.
	txFifoThreshold = 256

	slotAlign = 4
)

// SlotState is the ownership state of one transmit slot.
type SlotState int

const (
	SlotFree SlotState = iota
	SlotQueued
	SlotCompleted
	SlotErrored
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotQueued:
		return "queued"
	case SlotCompleted:
		return "completed"
	case SlotErrored:
		return "errored"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// TxRing manages the transmit descriptor slots.
//
// submission is only written by Enqueue and completion is only written by
// Reclaim. Each side publishes its index with an atomic store after it is
// done with the slot and reads the other side's index with an atomic load,
// so Enqueue and Reclaim may run concurrently. Neither may run concurrently
// with itself. Pending, Indices and SlotState see a consistent pair only when
// called from one of the two sides.
type TxRing struct {
	bus      hw.Bus
	region   hw.Region
	stats    *Stats
	size     uint32
	mask     uint32
	slotSize int

	submission atomic.Uint32
	completion atomic.Uint32

	// blocked latches when Enqueue reports the ring full.
	blocked atomic.Bool
	resume  func()
}

// NewTxRing builds a ring of size slots over region, which must hold size
// slots of slotSize bytes each.
//
// The adapter walks its descriptors in round robin order whatever the ring
// size, so submission s uses buffer slot s&mask and descriptor s%hw.TxSlots.
func NewTxRing(bus hw.Bus, region hw.Region, size, slotSize int, stats *Stats) (*TxRing, error) {
	if err := CheckSize(size, hw.TxSlots); err != nil {
		return nil, err
	}
	if slotSize < MinFrameSize || slotSize > int(hw.TxSizeMask) || slotSize%slotAlign != 0 {
		return nil, fmt.Errorf("invalid transmit slot size %d", slotSize)
	}
	if region.Len() < size*slotSize {
		return nil, fmt.Errorf("transmit region of %d bytes can not hold %d slots of %d bytes", region.Len(), size, slotSize)
	}
	if stats == nil {
		stats = &Stats{}
	}

	return &TxRing{
		bus:      bus,
		region:   region,
		stats:    stats,
		size:     uint32(size),
		mask:     uint32(size - 1),
		slotSize: slotSize,
	}, nil
}

// SetResume sets the function Reclaim calls when it frees a slot after
// Enqueue reported the ring full. It must be set before the ring is used.
func (r *TxRing) SetResume(fn func()) {
	r.resume = fn
}

func (r *TxRing) slot(i uint32) []byte {
	off := int(i) * r.slotSize
	return r.region.Buf[off : off+r.slotSize]
}

func descriptor(s uint32) int {
	return int(s % hw.TxSlots)
}

func (r *TxRing) checkIndices(s, c uint32) uint32 {
	n := s - c
	if n > r.size {
		panic(fmt.Sprintf("transmit ring indices out of range: submission %d completion %d size %d", s, c, r.size))
	}
	return n
}

// Enqueue copies frame into the next free slot and hands the slot to the
// adapter. It returns the number of bytes accepted, which is len(frame).
// The caller keeps ownership of frame.
func (r *TxRing) Enqueue(frame []byte) (int, error) {
	if len(frame) == 0 {
		return 0, ErrFrameEmpty
	}
	if len(frame) > r.slotSize {
		return 0, fmt.Errorf("%w: %d bytes, slot holds %d", ErrFrameTooLarge, len(frame), r.slotSize)
	}

	s := r.submission.Load()
	if r.checkIndices(s, r.completion.Load()) == r.size {
		// Latch before looking again so a Reclaim that races this check
		// either sees the latch or is seen here.
		r.blocked.Store(true)
		if r.checkIndices(s, r.completion.Load()) == r.size {
			return 0, ErrRingFull
		}
		r.blocked.Store(false)
	}

	i := s & r.mask
	buf := r.slot(i)
	size := copy(buf, frame)
	if size < MinFrameSize {
		clear(buf[size:MinFrameSize])
		size = MinFrameSize
	}

	d := descriptor(s)
	r.bus.Write32(hw.TSADn(d), r.region.Addr+i*uint32(r.slotSize))
	// Writing the status register clears the own bit and starts the send.
	r.bus.Write32(hw.TSD(d), uint32(hw.MakeTxStatus(size, txFifoThreshold)))

	r.submission.Store(s + 1)
	return len(frame), nil
}

// Reclaim retires the slots the adapter has finished with, in submission
// order, and returns how many were freed. It stops at the first slot that is
// still being sent.
func (r *TxRing) Reclaim() int {
	c := r.completion.Load()
	s := r.submission.Load()
	r.checkIndices(s, c)

	freed := 0
	for c != s {
		st := hw.TxStatus(r.bus.Read32(hw.TSD(descriptor(c))))
		if !st.Completed() {
			break
		}

		if st.OK() {
			r.stats.TxPackets.Add(1)
			r.stats.TxBytes.Add(uint64(st.Size()))
			r.stats.Collisions.Add(uint64(st.Collisions()))
		} else {
			r.bus.Write16(hw.ISR, uint16(hw.IntTxErr))
			r.countError(st)
		}

		c++
		freed++
		r.completion.Store(c)
	}

	if freed > 0 && r.blocked.CompareAndSwap(true, false) && r.resume != nil {
		r.resume()
	}

	return freed
}

func (r *TxRing) countError(st hw.TxStatus) {
	r.stats.TxErrors.Add(1)
	if st.Aborted() {
		r.stats.TxAborted.Add(1)
	}
	if st.Underrun() {
		r.stats.TxFifo.Add(1)
	}
	if st.OutOfWindow() {
		r.stats.TxWindow.Add(1)
	}
	if st.CarrierLost() {
		r.stats.TxCarrier.Add(1)
	}
	r.stats.Collisions.Add(uint64(st.Collisions()))
}

// Size returns the number of slots.
func (r *TxRing) Size() int {
	return int(r.size)
}

// Pending returns the number of slots handed to the adapter and not yet
// reclaimed.
func (r *TxRing) Pending() int {
	return int(r.checkIndices(r.submission.Load(), r.completion.Load()))
}

// Free returns the number of slots Enqueue can still fill.
func (r *TxRing) Free() int {
	return int(r.size) - r.Pending()
}

// Blocked reports whether Enqueue has reported the ring full since the last
// slot was freed.
func (r *TxRing) Blocked() bool {
	return r.blocked.Load()
}

// Indices returns the free running submission and completion indices.
func (r *TxRing) Indices() (submission, completion uint32) {
	return r.submission.Load(), r.completion.Load()
}

// SlotState reports the state of slot i as seen from the driver. A slot that
// the adapter has finished with but Reclaim has not yet retired is reported
// Completed or Errored.
func (r *TxRing) SlotState(i int) SlotState {
	if i < 0 || i >= int(r.size) {
		panic(fmt.Sprintf("slot %d out of range for a ring of %d", i, r.size))
	}

	c := r.completion.Load()
	s := r.submission.Load()
	ahead := (uint32(i) - c) & r.mask
	if ahead >= r.checkIndices(s, c) {
		return SlotFree
	}

	st := hw.TxStatus(r.bus.Read32(hw.TSD(descriptor(c + ahead))))
	switch {
	case st.OK():
		return SlotCompleted
	case st.Failed():
		return SlotErrored
	}
	return SlotQueued
}
