package hw

import (
	"fmt"
)

// HugePageSize is the size of the physically contiguous chunks the page
// allocator carves regions out of.
const HugePageSize = 2 << 20

// pagemap entry layout, see Documentation/admin-guide/mm/pagemap.rst.
const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// decodePagemap returns the page frame number in a pagemap entry. Without
// CAP_SYS_ADMIN the kernel reports a zero frame number.
func decodePagemap(entry uint64) (uint64, error) {
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("page is not present")
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("pagemap hides frame numbers, CAP_SYS_ADMIN is required")
	}
	return pfn, nil
}

// chunk is one physically contiguous block handed out front to back.
type chunk struct {
	mem  []byte
	phys uint64
	used int
	live int
}

// carve takes size bytes aligned on the bus to align from c.
func (c *chunk) carve(size, align int) (Region, bool) {
	base := c.phys + uint64(c.used)
	pad := int((uint64(align) - base%uint64(align)) % uint64(align))
	off := c.used + pad
	if off+size > len(c.mem) {
		return Region{}, false
	}

	c.used = off + size
	c.live++
	buf := c.mem[off : off+size : off+size]
	clear(buf)
	return Region{Buf: buf, Addr: uint32(c.phys) + uint32(off)}, true
}

func (c *chunk) contains(r Region) bool {
	return uint64(r.Addr) >= c.phys && uint64(r.Addr) < c.phys+uint64(len(c.mem))
}

func checkAlloc(size, align int) error {
	if size <= 0 || size > HugePageSize {
		return fmt.Errorf("invalid dma allocation of %d bytes", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("invalid dma alignment %d", align)
	}
	return nil
}
