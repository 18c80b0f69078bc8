package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// StatsBlock holds the counters the device maintains in DMA memory. The host
// only ever reads it.
type StatsBlock struct {
	InOctets         uint64
	InUcastPackets   uint64
	InFCSErrors      uint64
	InUndersize      uint64
	InDiscards       uint64
	NoMoreRxBuffers  uint64
	OutOctets        uint64
	OutUcastPackets  uint64
	OutDiscards      uint64
	DMAReadBursts    uint64
	DMAWriteBursts   uint64
	InterruptsRaised uint64
	InterruptsMissed uint64
	_                [3]uint64
}

// StatsBlockSize is the number of bytes the stats block takes in DMA memory.
const StatsBlockSize = int(unsafe.Sizeof(StatsBlock{}))

// NewStatsBlock maps a stats block onto mem, which must be exactly
// [StatsBlockSize] bytes and 8 byte aligned.
func NewStatsBlock(mem []byte) *StatsBlock {
	if len(mem) != StatsBlockSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for stats block: %v", len(mem), StatsBlockSize))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		panic("stats block memory is not 8 byte aligned")
	}
	return (*StatsBlock)(unsafe.Pointer(&mem[0]))
}

// Add increments the counter at c by n. Used by the device side.
func Add(c *uint64, n uint64) {
	atomic.AddUint64(c, n)
}

// Snapshot copies every counter with atomic loads.
func (s *StatsBlock) Snapshot() StatsBlock {
	return StatsBlock{
		InOctets:         atomic.LoadUint64(&s.InOctets),
		InUcastPackets:   atomic.LoadUint64(&s.InUcastPackets),
		InFCSErrors:      atomic.LoadUint64(&s.InFCSErrors),
		InUndersize:      atomic.LoadUint64(&s.InUndersize),
		InDiscards:       atomic.LoadUint64(&s.InDiscards),
		NoMoreRxBuffers:  atomic.LoadUint64(&s.NoMoreRxBuffers),
		OutOctets:        atomic.LoadUint64(&s.OutOctets),
		OutUcastPackets:  atomic.LoadUint64(&s.OutUcastPackets),
		OutDiscards:      atomic.LoadUint64(&s.OutDiscards),
		DMAReadBursts:    atomic.LoadUint64(&s.DMAReadBursts),
		DMAWriteBursts:   atomic.LoadUint64(&s.DMAWriteBursts),
		InterruptsRaised: atomic.LoadUint64(&s.InterruptsRaised),
		InterruptsMissed: atomic.LoadUint64(&s.InterruptsMissed),
	}
}
