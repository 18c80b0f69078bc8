package dma

import (
	"errors"
	"fmt"
	"sort"

	"github.com/slackhq/tigon/freequeue"
)

var (
	// ErrOutOfBuffers is returned when every buffer of a size class is in
	// use.
	ErrOutOfBuffers = errors.New("no free dma buffers")

	// ErrBufferTooLarge is returned when no size class can hold the requested
	// size.
	ErrBufferTooLarge = errors.New("requested buffer is larger than any size class")
)

// bufferAlignment keeps every buffer on its own cache line.
const bufferAlignment = 64

// Buffer is a wire-size packet buffer. Data may be a prefix of the full buffer
// but Addr is always the bus address of its first byte.
type Buffer struct {
	Data []byte
	Addr uint64
}

// Valid returns true when the buffer refers to memory.
func (b Buffer) Valid() bool {
	return b.Data != nil
}

// Slice returns a buffer over the first n bytes of b, keeping the bus address.
func (b Buffer) Slice(n int) Buffer {
	return Buffer{Data: b.Data[:n], Addr: b.Addr}
}

// Allocator hands out and takes back packet buffers.
type Allocator interface {
	// Alloc returns a buffer of at least size bytes.
	Alloc(size int) (Buffer, error)
	// Free gives a buffer obtained from Alloc back.
	Free(b Buffer)
}

// SizeClass describes a group of equally sized buffers in a [Slab].
type SizeClass struct {
	Size  int
	Count int
}

type slabClass struct {
	size int
	mem  []byte
	base uint64
	free *freequeue.Queue[int]
}

// Slab is an [Allocator] that carves fixed size buffers out of a [Region] up
// front. Alloc picks the smallest size class that fits.
type Slab struct {
	classes []*slabClass
}

// SlabSize returns the number of region bytes a [Slab] with the given classes
// needs, including alignment slack.
func SlabSize(classes ...SizeClass) int {
	total := 0
	for _, c := range classes {
		total += Align(c.Size, bufferAlignment)*c.Count + bufferAlignment
	}
	return total
}

// NewSlab carves all buffers for the given size classes out of r.
func NewSlab(r *Region, classes ...SizeClass) (*Slab, error) {
	if len(classes) == 0 {
		return nil, errors.New("slab needs at least one size class")
	}

	sorted := append([]SizeClass(nil), classes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	s := &Slab{}
	for _, c := range sorted {
		if c.Size <= 0 || c.Count <= 0 {
			return nil, fmt.Errorf("invalid slab size class %+v", c)
		}

		stride := Align(c.Size, bufferAlignment)
		mem, base, err := r.Carve(stride*c.Count, bufferAlignment)
		if err != nil {
			return nil, fmt.Errorf("carve %d buffers of %d bytes: %w", c.Count, c.Size, err)
		}

		free, err := freequeue.New[int](c.Count)
		if err != nil {
			return nil, err
		}
		for i := 0; i < c.Count; i++ {
			free.PushTail(i * stride)
		}

		s.classes = append(s.classes, &slabClass{
			size: stride,
			mem:  mem,
			base: base,
			free: free,
		})
	}

	return s, nil
}

// Alloc returns a buffer of exactly size bytes from the smallest class that can
// hold it. Larger classes are tried when the best fit is exhausted.
func (s *Slab) Alloc(size int) (Buffer, error) {
	fits := false
	for _, c := range s.classes {
		if c.size < size {
			continue
		}
		fits = true

		off, ok := c.free.PopHead()
		if !ok {
			continue
		}
		return Buffer{
			Data: c.mem[off : off+size : off+c.size],
			Addr: c.base + uint64(off),
		}, nil
	}

	if !fits {
		return Buffer{}, fmt.Errorf("%w: %d bytes", ErrBufferTooLarge, size)
	}
	return Buffer{}, fmt.Errorf("%w: %d bytes", ErrOutOfBuffers, size)
}

// Free puts b back into its size class. Freeing a buffer that did not come
// from this slab panics.
func (s *Slab) Free(b Buffer) {
	for _, c := range s.classes {
		if b.Addr < c.base || b.Addr >= c.base+uint64(len(c.mem)) {
			continue
		}

		off := int(b.Addr - c.base)
		if off%c.size != 0 {
			panic(fmt.Sprintf("buffer %#x is not the start of a slab buffer", b.Addr))
		}
		if !c.free.PushHead(off) {
			panic(fmt.Sprintf("buffer %#x freed more often than allocated", b.Addr))
		}
		return
	}

	panic(fmt.Sprintf("buffer %#x does not belong to this slab", b.Addr))
}

// Available returns the number of free buffers that can hold size bytes.
func (s *Slab) Available(size int) int {
	n := 0
	for _, c := range s.classes {
		if c.size >= size {
			n += c.free.Count()
		}
	}
	return n
}
