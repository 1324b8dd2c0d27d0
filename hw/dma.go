package hw

import "errors"

// ErrNoDMAMemory is returned by an [Allocator] that cannot satisfy a request.
var ErrNoDMAMemory = errors.New("no dma memory available")

// Region is a block of DMA memory. Buf is the CPU view of the memory and Addr
// is the bus address the adapter uses to reach Buf[0].
type Region struct {
	Buf  []byte
	Addr uint32
}

// Len returns the size of the region in bytes.
func (r Region) Len() int {
	return len(r.Buf)
}

// Valid reports whether the region refers to allocated memory.
func (r Region) Valid() bool {
	return r.Buf != nil
}

// Allocator hands out DMA memory that the adapter can read and write. The
// adapter only supports 32 bit bus addresses, so every region must be
// addressable below 4GiB.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes, aligned to
	// align bytes on the bus.
	Alloc(size, align int) (Region, error)

	// Free releases a region returned by Alloc. Freeing an invalid region is
	// a no-op.
	Free(r Region)
}
