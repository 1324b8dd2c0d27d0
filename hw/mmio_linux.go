package hw

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is a [Bus] over a memory mapped register window, usually a PCI BAR
// exposed by sysfs as a resourceN file.
//
// 32 bit accesses are atomic. Go has no 8 or 16 bit atomics, so narrow
// accesses are plain loads and stores bracketed by an atomic add. The compiler
// neither moves memory accesses across an atomic nor merges loads around one,
// and on amd64 and arm64 the add is a full fence. The sysfs resource mapping
// is uncached, which keeps the device accesses themselves in program order.
type Mapped struct {
	mem   []byte
	own   bool
	fence atomic.Uint32
}

// OpenResource maps the register window at path, which is typically
// /sys/bus/pci/devices/<addr>/resource1 on an RTL8139.
func OpenResource(path string) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < int64(BMSR)+2 {
		return nil, fmt.Errorf("register window %s is %d bytes, too small", path, fi.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Mapped{mem: mem, own: true}, nil
}

// NewMapped wraps memory that is already mapped by the caller. Close does not
// unmap it.
func NewMapped(mem []byte) *Mapped {
	return &Mapped{mem: mem}
}

func (m *Mapped) ptr(off Offset, width uintptr) unsafe.Pointer {
	if uintptr(off)+width > uintptr(len(m.mem)) {
		panic(fmt.Sprintf("register access %v+%d past the end of a %d byte window", off, width, len(m.mem)))
	}
	return unsafe.Pointer(&m.mem[off])
}

func (m *Mapped) Read8(off Offset) uint8 {
	p := (*uint8)(m.ptr(off, 1))
	m.fence.Add(1)
	v := *p
	m.fence.Add(1)
	return v
}

func (m *Mapped) Read16(off Offset) uint16 {
	p := (*uint16)(m.ptr(off, 2))
	m.fence.Add(1)
	v := *p
	m.fence.Add(1)
	return v
}

func (m *Mapped) Read32(off Offset) uint32 {
	return atomic.LoadUint32((*uint32)(m.ptr(off, 4)))
}

func (m *Mapped) Write8(off Offset, v uint8) {
	p := (*uint8)(m.ptr(off, 1))
	m.fence.Add(1)
	*p = v
	m.fence.Add(1)
}

func (m *Mapped) Write16(off Offset, v uint16) {
	p := (*uint16)(m.ptr(off, 2))
	m.fence.Add(1)
	*p = v
	m.fence.Add(1)
}

func (m *Mapped) Write32(off Offset, v uint32) {
	atomic.StoreUint32((*uint32)(m.ptr(off, 4)), v)
}

// Close unmaps the window if it was mapped by OpenResource.
func (m *Mapped) Close() error {
	if !m.own || m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
