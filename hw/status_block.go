package hw

import (
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Status word bits.
const (
	StatusUpdated     uint32 = 0x00000001
	StatusLinkChanged uint32 = 0x00000002
	StatusError       uint32 = 0x00000004
)

// MaxRingSets is the number of send consumer / return producer index pairs in
// the status block.
const MaxRingSets = 16

// StatusBlockSize is the number of bytes the status block takes in DMA memory.
const StatusBlockSize = 16 + 4*MaxRingSets

// StatusBlock is the DMA memory the device updates on its own with the current
// ring indexes and link state. In tagged status mode the device also bumps the
// tag whenever it rewrites the block.
//
// Ring indexes are 16 bits wide and packed two per 32 bit word:
//
//	offset  0: status
//	offset  4: status tag
//	offset  8: rx standard consumer | rx jumbo consumer << 16
//	offset 12: reserved | rx mini consumer << 16
//	offset 16: per ring set: send consumer | return producer << 16
//
// Every access is atomic. A load of an index is what makes the ring slots it
// covers safe to read, a store of an index is what publishes them.
type StatusBlock struct {
	status       *atomicbitops.Uint32
	tag          *atomicbitops.Uint32
	rxConsumers  *atomicbitops.Uint32
	miniConsumer *atomicbitops.Uint32
	ringSets     []atomicbitops.Uint32
}

// NewStatusBlock maps a status block onto mem, which must be exactly
// [StatusBlockSize] bytes.
func NewStatusBlock(mem []byte) *StatusBlock {
	if len(mem) != StatusBlockSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for status block: %v", len(mem), StatusBlockSize))
	}

	return &StatusBlock{
		status:       (*atomicbitops.Uint32)(unsafe.Pointer(&mem[0])),
		tag:          (*atomicbitops.Uint32)(unsafe.Pointer(&mem[4])),
		rxConsumers:  (*atomicbitops.Uint32)(unsafe.Pointer(&mem[8])),
		miniConsumer: (*atomicbitops.Uint32)(unsafe.Pointer(&mem[12])),
		ringSets:     unsafe.Slice((*atomicbitops.Uint32)(unsafe.Pointer(&mem[16])), MaxRingSets),
	}
}

// Status returns the raw status word.
func (s *StatusBlock) Status() uint32 {
	return s.status.Load()
}

// Updated returns true when the device rewrote the block since the host last
// cleared the updated bit.
func (s *StatusBlock) Updated() bool {
	return s.status.Load()&StatusUpdated != 0
}

// LinkChanged returns true when the device reported a link state change.
func (s *StatusBlock) LinkChanged() bool {
	return s.status.Load()&StatusLinkChanged != 0
}

// ClearUpdated clears the updated bit, leaving the rest of the word alone.
func (s *StatusBlock) ClearUpdated() {
	atomicbitops.AndUint32(s.status, ^StatusUpdated)
}

// ClearLinkChanged clears the link changed bit.
func (s *StatusBlock) ClearLinkChanged() {
	atomicbitops.AndUint32(s.status, ^StatusLinkChanged)
}

// Tag returns the status tag.
func (s *StatusBlock) Tag() uint32 {
	return s.tag.Load()
}

// RxStandardConsumer returns how far the device has consumed the standard
// producer ring.
func (s *StatusBlock) RxStandardConsumer() uint32 {
	return low16(s.rxConsumers)
}

// RxJumboConsumer returns how far the device has consumed the jumbo producer
// ring.
func (s *StatusBlock) RxJumboConsumer() uint32 {
	return high16(s.rxConsumers)
}

// ReturnProducer returns the index of the next return ring slot the device
// will fill for ring set i.
func (s *StatusBlock) ReturnProducer(i int) uint32 {
	return high16(&s.ringSets[i])
}

// SendConsumer returns how far the device has consumed the send ring of ring
// set i.
func (s *StatusBlock) SendConsumer(i int) uint32 {
	return low16(&s.ringSets[i])
}

// Reset zeroes the whole block. Only valid while device DMA is stopped.
func (s *StatusBlock) Reset() {
	s.status.Store(0)
	s.tag.Store(0)
	s.rxConsumers.Store(0)
	s.miniConsumer.Store(0)
	for i := range s.ringSets {
		s.ringSets[i].Store(0)
	}
}

// The methods below are used by the device side.

// SetStatus sets bits in the status word.
func (s *StatusBlock) SetStatus(bits uint32) {
	atomicbitops.OrUint32(s.status, bits)
}

// BumpTag increments the status tag and returns the new value. The tag is 8
// bits wide on the wire, so it wraps at 256.
func (s *StatusBlock) BumpTag() uint32 {
	for {
		old := s.tag.Load()
		next := (old + 1) & 0xff
		if s.tag.CompareAndSwap(old, next) {
			return next
		}
	}
}

// SetRxStandardConsumer stores the standard producer ring consumer index.
func (s *StatusBlock) SetRxStandardConsumer(v uint32) {
	setLow16(s.rxConsumers, v)
}

// SetRxJumboConsumer stores the jumbo producer ring consumer index.
func (s *StatusBlock) SetRxJumboConsumer(v uint32) {
	setHigh16(s.rxConsumers, v)
}

// SetReturnProducer stores the return ring producer index of ring set i.
func (s *StatusBlock) SetReturnProducer(i int, v uint32) {
	setHigh16(&s.ringSets[i], v)
}

// SetSendConsumer stores the send ring consumer index of ring set i.
func (s *StatusBlock) SetSendConsumer(i int, v uint32) {
	setLow16(&s.ringSets[i], v)
}

func low16(w *atomicbitops.Uint32) uint32 {
	return w.Load() & 0xffff
}

func high16(w *atomicbitops.Uint32) uint32 {
	return w.Load() >> 16
}

func setLow16(w *atomicbitops.Uint32, v uint32) {
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old&0xffff0000|v&0xffff) {
			return
		}
	}
}

func setHigh16(w *atomicbitops.Uint32, v uint32) {
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old&0xffff|v<<16) {
			return
		}
	}
}
