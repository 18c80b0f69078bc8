// Package dma manages the memory shared between the host and the device.
//
// A [Region] is one mmap'd block that is handed out in aligned pieces for the
// status block, the descriptor rings and packet buffers. Every piece has a bus
// address, which is what gets written into hardware visible structures. The
// device side resolves bus addresses back to memory through [Region.Translate].
package dma

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrRegionExhausted is returned when a region has no room left for a
	// requested carve-out.
	ErrRegionExhausted = errors.New("dma region exhausted")

	// ErrAddressOutOfRange is returned when a bus address does not resolve
	// to memory inside the region.
	ErrAddressOutOfRange = errors.New("bus address out of range")
)

// Region is a contiguous block of DMA capable memory.
type Region struct {
	mem []byte
	// busBase is the bus address of mem[0].
	busBase uint64
	// next is the offset of the first byte not handed out yet.
	next int
}

// NewRegion maps size bytes of memory, rounded up to the page size, that the
// device will see starting at bus address busBase.
func NewRegion(size int, busBase uint64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma region size must be positive, got %d", size)
	}

	size = Align(size, os.Getpagesize())
	if busBase > ^uint64(0)-uint64(size) {
		return nil, fmt.Errorf("dma region of %d bytes at %#x overflows the bus", size, busBase)
	}

	// Anonymous memory keeps the garbage collector away from anything the
	// device may still write into.
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate dma region: %w", err)
	}

	return &Region{
		mem:     mem,
		busBase: busBase,
	}, nil
}

// Size returns the total number of bytes in the region.
func (r *Region) Size() int {
	return len(r.mem)
}

// Free returns the number of bytes not handed out yet.
func (r *Region) Free() int {
	return len(r.mem) - r.next
}

// BusBase returns the bus address of the first byte of the region.
func (r *Region) BusBase() uint64 {
	return r.busBase
}

// Carve hands out size bytes aligned to align (a power of 2) and returns the
// memory along with its bus address. The memory is zeroed.
func (r *Region) Carve(size, align int) ([]byte, uint64, error) {
	if r.mem == nil {
		return nil, 0, errors.New("dma region is closed")
	}
	if size <= 0 {
		return nil, 0, fmt.Errorf("carve size must be positive, got %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, 0, fmt.Errorf("carve alignment %d is not a power of 2", align)
	}

	// Alignment is relative to the bus address, which is what the device
	// checks.
	start := int(alignBus(r.busBase+uint64(r.next), uint64(align)) - r.busBase)
	end := start + size
	if end > len(r.mem) {
		return nil, 0, fmt.Errorf("%w: need %d bytes at offset %d, region is %d bytes",
			ErrRegionExhausted, size, start, len(r.mem))
	}

	r.next = end
	mem := r.mem[start:end:end]
	clear(mem)
	return mem, r.busBase + uint64(start), nil
}

// Translate resolves n bytes at bus address addr to the backing memory.
func (r *Region) Translate(addr uint64, n int) ([]byte, error) {
	if n < 0 || addr < r.busBase {
		return nil, fmt.Errorf("%w: %#x+%d", ErrAddressOutOfRange, addr, n)
	}

	off := addr - r.busBase
	if off > uint64(len(r.mem)) || uint64(n) > uint64(len(r.mem))-off {
		return nil, fmt.Errorf("%w: %#x+%d", ErrAddressOutOfRange, addr, n)
	}

	return r.mem[off : off+uint64(n) : off+uint64(n)], nil
}

// Close unmaps the region. Nothing carved out of it may be used afterwards.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return fmt.Errorf("free dma region: %w", err)
	}
	return nil
}

// Align rounds n up to the next multiple of align, which must be a power of 2.
func Align(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func alignBus(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}
