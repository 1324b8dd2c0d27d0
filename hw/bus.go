// Package hw is the register access layer for RTL8139-class adapters. It names
// the registers and bits the driver touches and defines the two capabilities
// the rest of the driver is built on: ordered register access ([Bus]) and DMA
// memory ([Allocator]).
package hw

// Bus performs register reads and writes at byte offsets from the adapter's
// register base. Implementations must issue every access in program order and
// must not merge, cache or elide accesses, since reads of some registers
// have side effects on the hardware. Bus performs no validation or retries;
// callers interpret the values.
type Bus interface {
	Read8(off Offset) uint8
	Read16(off Offset) uint16
	Read32(off Offset) uint32

	Write8(off Offset, v uint8)
	Write16(off Offset, v uint16)
	Write32(off Offset, v uint32)
}

// SetBits8 performs a read-modify-write that sets m in the 8 bit register at off.
func SetBits8(b Bus, off Offset, m uint8) {
	b.Write8(off, b.Read8(off)|m)
}

// ClearBits8 performs a read-modify-write that clears m in the 8 bit register at off.
func ClearBits8(b Bus, off Offset, m uint8) {
	b.Write8(off, b.Read8(off)&^m)
}
