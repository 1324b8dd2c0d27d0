package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageAllocator is an [Allocator] backed by locked huge pages whose bus
// addresses are looked up in /proc/self/pagemap. It assumes the adapter sees
// physical addresses, which holds without an IOMMU. Memory in a huge page is
// only returned to the system once every region carved from it is freed.
type PageAllocator struct {
	mu      sync.Mutex
	pagemap *os.File
	chunks  []*chunk
}

func NewPageAllocator() (*PageAllocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, err
	}
	return &PageAllocator{pagemap: f}, nil
}

func (a *PageAllocator) Alloc(size, align int) (Region, error) {
	if err := checkAlloc(size, align); err != nil {
		return Region{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		if r, ok := c.carve(size, align); ok {
			return r, nil
		}
	}

	c, err := a.newChunk()
	if err != nil {
		return Region{}, err
	}
	a.chunks = append(a.chunks, c)

	r, ok := c.carve(size, align)
	if !ok {
		return Region{}, ErrNoDMAMemory
	}
	return r, nil
}

func (a *PageAllocator) newChunk() (*chunk, error) {
	mem, err := unix.Mmap(-1, 0, HugePageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap huge page: %w", ErrNoDMAMemory, err)
	}

	phys, err := a.translate(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}

	if phys+HugePageSize > 1<<32 {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: huge page at 0x%x is above 4GiB", ErrNoDMAMemory, phys)
	}

	return &chunk{mem: mem, phys: phys}, nil
}

func (a *PageAllocator) translate(mem []byte) (uint64, error) {
	pageSize := uint64(os.Getpagesize())
	vaddr := uint64(uintptr(unsafe.Pointer(&mem[0])))

	var b [8]byte
	if _, err := a.pagemap.ReadAt(b[:], int64(vaddr/pageSize*8)); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}

	pfn, err := decodePagemap(binary.LittleEndian.Uint64(b[:]))
	if err != nil {
		return 0, err
	}
	return pfn*pageSize + vaddr%pageSize, nil
}

func (a *PageAllocator) Free(r Region) {
	if !r.Valid() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, c := range a.chunks {
		if !c.contains(r) {
			continue
		}
		c.live--
		if c.live == 0 {
			_ = unix.Munmap(c.mem)
			a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
		}
		return
	}
}

// Close unmaps every huge page, live regions included.
func (a *PageAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, c := range a.chunks {
		errs = append(errs, unix.Munmap(c.mem))
	}
	a.chunks = nil
	errs = append(errs, a.pagemap.Close())
	return errors.Join(errs...)
}
