package emu

import (
	"fmt"

	"github.com/slackhq/r8139/hw"
)

// dmaPool hands out heap memory with made up bus addresses below 4GiB.
type dmaPool struct {
	limit   int
	used    int
	next    uint32
	regions map[uint32][]byte
}

const dmaBase = 0x0010_0000

func newDMAPool(limit int) dmaPool {
	return dmaPool{
		limit:   limit,
		next:    dmaBase,
		regions: map[uint32][]byte{},
	}
}

// lookup returns the n bytes of DMA memory at addr, or nil if the range is
// not inside one allocated region.
func (p *dmaPool) lookup(addr uint32, n int) []byte {
	for base, buf := range p.regions {
		if addr >= base && uint64(addr)+uint64(n) <= uint64(base)+uint64(len(buf)) {
			off := addr - base
			return buf[off : off+uint32(n)]
		}
	}
	return nil
}

func (a *Adapter) Alloc(size, align int) (hw.Region, error) {
	if size <= 0 {
		return hw.Region{}, fmt.Errorf("invalid dma allocation of %d bytes", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return hw.Region{}, fmt.Errorf("invalid dma alignment %d", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p := &a.dma
	if p.limit > 0 && p.used+size > p.limit {
		return hw.Region{}, hw.ErrNoDMAMemory
	}

	addr := (uint64(p.next) + uint64(align) - 1) &^ (uint64(align) - 1)
	if addr+uint64(size) > 1<<32 {
		return hw.Region{}, hw.ErrNoDMAMemory
	}

	buf := make([]byte, size)
	p.regions[uint32(addr)] = buf
	p.used += size
	p.next = uint32(addr) + uint32(size)
	return hw.Region{Buf: buf, Addr: uint32(addr)}, nil
}

func (a *Adapter) Free(r hw.Region) {
	if !r.Valid() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if buf, ok := a.dma.regions[r.Addr]; ok {
		a.dma.used -= len(buf)
		delete(a.dma.regions, r.Addr)
	}
}

// Allocated returns the number of live DMA regions.
func (a *Adapter) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dma.regions)
}
