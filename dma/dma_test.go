package dma

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, size int, busBase uint64) *Region {
	t.Helper()
	r, err := NewRegion(size, busBase)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})
	return r
}

func TestNewRegion(t *testing.T) {
	_, err := NewRegion(0, 0)
	assert.Error(t, err)

	_, err = NewRegion(4096, ^uint64(0)-10)
	assert.ErrorContains(t, err, "overflows the bus")

	r := newTestRegion(t, 100, 0x1000)
	assert.Equal(t, os.Getpagesize(), r.Size())
	assert.Equal(t, uint64(0x1000), r.BusBase())
}

func TestRegion_Carve(t *testing.T) {
	r := newTestRegion(t, 4096, 0x10000)

	mem, addr, err := r.Carve(10, 8)
	require.NoError(t, err)
	assert.Len(t, mem, 10)
	assert.Equal(t, uint64(0x10000), addr)

	mem, addr, err = r.Carve(16, 64)
	require.NoError(t, err)
	assert.Len(t, mem, 16)
	assert.Equal(t, uint64(0x10040), addr)

	// Carving never hands out overlapping memory.
	mem[0] = 0xaa
	got, err := r.Translate(0x10040, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), got[0])

	_, _, err = r.Carve(3, 3)
	assert.ErrorContains(t, err, "not a power of 2")

	_, _, err = r.Carve(r.Size(), 1)
	assert.ErrorIs(t, err, ErrRegionExhausted)
}

func TestRegion_Translate(t *testing.T) {
	r := newTestRegion(t, 4096, 0x2000)

	tests := []struct {
		name string
		addr uint64
		n    int
		ok   bool
	}{
		{name: "start", addr: 0x2000, n: 16, ok: true},
		{name: "whole region", addr: 0x2000, n: r.Size(), ok: true},
		{name: "end", addr: 0x2000 + uint64(r.Size()) - 1, n: 1, ok: true},
		{name: "below", addr: 0x1fff, n: 1},
		{name: "past end", addr: 0x2000 + uint64(r.Size()), n: 1},
		{name: "straddles end", addr: 0x2000 + uint64(r.Size()) - 1, n: 2},
		{name: "negative", addr: 0x2000, n: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, err := r.Translate(tt.addr, tt.n)
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, mem, tt.n)
			} else {
				assert.ErrorIs(t, err, ErrAddressOutOfRange)
			}
		})
	}
}

func TestRegion_Close(t *testing.T) {
	r, err := NewRegion(4096, 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, _, err = r.Carve(1, 1)
	assert.Error(t, err)
}

func TestAddress(t *testing.T) {
	high, low := SplitAddress(0x0000_0001_ffff_dcc0)
	assert.Equal(t, uint32(1), high)
	assert.Equal(t, uint32(0xffffdcc0), low)
	assert.Equal(t, uint64(0x1_ffff_dcc0), JoinAddress(high, low))
}

func TestCrosses4GBoundary(t *testing.T) {
	tests := []struct {
		name   string
		addr   uint64
		length int
		want   bool
	}{
		{name: "low memory", addr: 0x1000, length: 1514},
		{name: "at the guard", addr: 0xffffdcc0, length: 0x3000},
		{name: "short buffer near the top", addr: 0xffffdcc1, length: 100},
		{name: "straddles", addr: 0xffffdcc1, length: 0x2400, want: true},
		{name: "last bytes", addr: 0xfffffff0, length: 64, want: true},
		{name: "above 4 GiB", addr: 0x1_ffff_fff0, length: 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Crosses4GBoundary(tt.addr, tt.length))
		})
	}
}

func TestSlab(t *testing.T) {
	classes := []SizeClass{
		{Size: 9018, Count: 1},
		{Size: 1536, Count: 2},
	}
	r := newTestRegion(t, SlabSize(classes...), 0x100000)

	s, err := NewSlab(r, classes...)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Available(100))
	assert.Equal(t, 1, s.Available(2000))

	a, err := s.Alloc(1500)
	require.NoError(t, err)
	assert.Len(t, a.Data, 1500)
	assert.Equal(t, uint64(0), a.Addr%bufferAlignment)

	b, err := s.Alloc(1500)
	require.NoError(t, err)
	assert.NotEqual(t, a.Addr, b.Addr)

	// The small class is exhausted so the jumbo buffer is used.
	c, err := s.Alloc(1500)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Available(1))

	_, err = s.Alloc(64)
	assert.ErrorIs(t, err, ErrOutOfBuffers)

	_, err = s.Alloc(10000)
	assert.ErrorIs(t, err, ErrBufferTooLarge)

	// Buffers are backed by the region they were carved from.
	a.Data[0] = 0x55
	mem, err := r.Translate(a.Addr, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), mem[0])

	s.Free(a.Slice(10))
	s.Free(b)
	s.Free(c)
	assert.Equal(t, 3, s.Available(1))

	assert.Panics(t, func() { s.Free(Buffer{Addr: 0x10}) })
	assert.Panics(t, func() { s.Free(Buffer{Addr: a.Addr + 1}) })
}
