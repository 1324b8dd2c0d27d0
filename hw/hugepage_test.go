package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePagemap(t *testing.T) {
	pfn, err := decodePagemap(pagemapPresent | 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), pfn)

	// Soft dirty and exclusive bits are not part of the frame number.
	pfn, err = decodePagemap(pagemapPresent | 1<<55 | 1<<56 | 0x42)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), pfn)

	_, err = decodePagemap(0x1234)
	assert.ErrorContains(t, err, "not present")

	_, err = decodePagemap(pagemapPresent)
	assert.ErrorContains(t, err, "CAP_SYS_ADMIN")
}

func TestChunk_Carve(t *testing.T) {
	c := &chunk{mem: make([]byte, 8192), phys: 0x100004}
	c.mem[0] = 0xff

	r, ok := c.carve(100, 4)
	require.True(t, ok)
	assert.Equal(t, uint32(0x100004), r.Addr)
	assert.Equal(t, 100, r.Len())
	assert.Equal(t, byte(0), r.Buf[0])
	assert.Equal(t, 100, cap(r.Buf))

	// Alignment is on the bus address, not the chunk offset.
	r, ok = c.carve(16, 16)
	require.True(t, ok)
	assert.Equal(t, uint32(0x100070), r.Addr)
	assert.True(t, c.contains(r))
	assert.Equal(t, 2, c.live)

	_, ok = c.carve(8192, 4)
	assert.False(t, ok)
	assert.False(t, c.contains(Region{Buf: []byte{0}, Addr: 0x100004 + 8192}))
}

func TestCheckAlloc(t *testing.T) {
	assert.NoError(t, checkAlloc(1536, 4))
	assert.Error(t, checkAlloc(0, 4))
	assert.Error(t, checkAlloc(HugePageSize+1, 4))
	assert.Error(t, checkAlloc(16, 3))
	assert.Error(t, checkAlloc(16, 0))
}
