package test

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/slackhq/r8139/hw"
)

// Access is one register access recorded by Bus.
type Access struct {
	Off   hw.Offset
	Width int
	Value uint32
}

func (a Access) String() string {
	return fmt.Sprintf("%v/%d=0x%x", a.Off, a.Width*8, a.Value)
}

// Bus is a plain register file that implements hw.Bus. Reads return whatever
// was last stored at an offset, unless ReadHook claims the access. Every write
// is appended to a log.
type Bus struct {
	// ReadHook, when set, is consulted before the register file. Returning
	// false falls through to the stored value.
	ReadHook func(off hw.Offset, width int) (uint32, bool)

	// WriteHook, when set, runs after a write has been logged and stored.
	WriteHook func(off hw.Offset, width int, v uint32)

	l      sync.Mutex
	regs   [256]byte
	reads  int
	writes []Access
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) read(off hw.Offset, width int) uint32 {
	b.l.Lock()
	b.reads++
	hook := b.ReadHook
	b.l.Unlock()

	if hook != nil {
		if v, ok := hook(off, width); ok {
			return v
		}
	}
	return b.Peek(off, width)
}

func (b *Bus) write(off hw.Offset, width int, v uint32) {
	b.l.Lock()
	b.writes = append(b.writes, Access{Off: off, Width: width, Value: v})
	b.store(off, width, v)
	hook := b.WriteHook
	b.l.Unlock()

	if hook != nil {
		hook(off, width, v)
	}
}

func (b *Bus) store(off hw.Offset, width int, v uint32) {
	switch width {
	case 1:
		b.regs[off] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(b.regs[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b.regs[off:], v)
	}
}

// Peek returns the stored register value without recording an access.
func (b *Bus) Peek(off hw.Offset, width int) uint32 {
	b.l.Lock()
	defer b.l.Unlock()
	switch width {
	case 1:
		return uint32(b.regs[off])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b.regs[off:]))
	default:
		return binary.LittleEndian.Uint32(b.regs[off:])
	}
}

// Set stores a register value without recording a write.
func (b *Bus) Set(off hw.Offset, width int, v uint32) {
	b.l.Lock()
	b.store(off, width, v)
	b.l.Unlock()
}

// Writes returns a copy of the write log.
func (b *Bus) Writes() []Access {
	b.l.Lock()
	defer b.l.Unlock()
	return append([]Access(nil), b.writes...)
}

// WritesTo returns the logged writes to off.
func (b *Bus) WritesTo(off hw.Offset) []Access {
	var out []Access
	for _, a := range b.Writes() {
		if a.Off == off {
			out = append(out, a)
		}
	}
	return out
}

// Reads returns the number of reads issued.
func (b *Bus) Reads() int {
	b.l.Lock()
	defer b.l.Unlock()
	return b.reads
}

// ClearLog forgets all recorded accesses.
func (b *Bus) ClearLog() {
	b.l.Lock()
	b.writes = nil
	b.reads = 0
	b.l.Unlock()
}

func (b *Bus) Read8(off hw.Offset) uint8   { return uint8(b.read(off, 1)) }
func (b *Bus) Read16(off hw.Offset) uint16 { return uint16(b.read(off, 2)) }
func (b *Bus) Read32(off hw.Offset) uint32 { return b.read(off, 4) }

func (b *Bus) Write8(off hw.Offset, v uint8)   { b.write(off, 1, uint32(v)) }
func (b *Bus) Write16(off hw.Offset, v uint16) { b.write(off, 2, uint32(v)) }
func (b *Bus) Write32(off hw.Offset, v uint32) { b.write(off, 4, v) }

// Allocator is a heap backed hw.Allocator that tracks live regions.
type Allocator struct {
	l    sync.Mutex
	next uint32
	live map[uint32]int
	// Fail makes Alloc return hw.ErrNoDMAMemory once it reaches zero. A
	// negative value never fails.
	Fail int
}

func NewAllocator() *Allocator {
	return &Allocator{next: 0x1000_0000, live: map[uint32]int{}, Fail: -1}
}

func (a *Allocator) Alloc(size, align int) (hw.Region, error) {
	a.l.Lock()
	defer a.l.Unlock()
	if a.Fail == 0 {
		return hw.Region{}, hw.ErrNoDMAMemory
	}
	if a.Fail > 0 {
		a.Fail--
	}
	if align < 1 {
		align = 1
	}
	addr := (a.next + uint32(align) - 1) &^ (uint32(align) - 1)
	a.next = addr + uint32(size)
	a.live[addr] = size
	return hw.Region{Buf: make([]byte, size), Addr: addr}, nil
}

func (a *Allocator) Free(r hw.Region) {
	if !r.Valid() {
		return
	}
	a.l.Lock()
	delete(a.live, r.Addr)
	a.l.Unlock()
}

// Live returns the number of regions allocated and not yet freed.
func (a *Allocator) Live() int {
	a.l.Lock()
	defer a.l.Unlock()
	return len(a.live)
}
