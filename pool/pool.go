// Package pool holds every packet descriptor of a device in one arena and
// tracks which party owns each of them.
package pool

import (
	"errors"
	"fmt"

	"github.com/slackhq/tigon/freequeue"
)

var (
	// ErrFatalProtocolViolation is returned when the pool is destroyed while
	// descriptors are still owned by someone other than a free queue. This is
	// a programming error, the pool is left as it is.
	ErrFatalProtocolViolation = errors.New("fatal protocol violation")

	// ErrOpaqueOutOfRange is returned when a value read back from a ring slot
	// does not name a descriptor of the pool.
	ErrOpaqueOutOfRange = errors.New("opaque value does not name a packet descriptor")

	// ErrResourceExhausted is returned when a free queue cannot take all
	// descriptors.
	ErrResourceExhausted = errors.New("free queue too small for the pool")
)

// Pool is the arena of packet descriptors. Transmit descriptors come first,
// then standard receive, then jumbo receive.
type Pool struct {
	packets   []Packet
	counts    [3]int
	destroyed bool
}

// New creates a pool with the given options.
func New(options ...Option) (*Pool, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool options: %w", err)
	}

	total := opts.txCount + opts.rxStandardCount + opts.rxJumboCount
	p := &Pool{
		packets: make([]Packet, total),
		counts:  [3]int{opts.txCount, opts.rxStandardCount, opts.rxJumboCount},
	}

	i := 0
	carve := func(n int, a Affinity, bufferSize int) {
		for _n := 0; _n < n; _n++ {
			p.packets[i] = Packet{
				handle:     Handle(i),
				affinity:   a,
				owner:      OwnerFree,
				BufferSize: bufferSize,
			}
			i++
		}
	}
	carve(opts.txCount, AffinityTx, 0)
	carve(opts.rxStandardCount, AffinityRxStandard, opts.standardBufferSize)
	carve(opts.rxJumboCount, AffinityRxJumbo, opts.jumboBufferSize)

	return p, nil
}

// Len returns the number of descriptors in the pool.
func (p *Pool) Len() int {
	return len(p.packets)
}

// Count returns the number of descriptors with the given affinity.
func (p *Pool) Count(a Affinity) int {
	if int(a) >= len(p.counts) {
		return 0
	}
	return p.counts[a]
}

// Seed pushes every descriptor onto the free queue for its affinity.
func (p *Pool) Seed(tx, rx *freequeue.Queue[Handle]) error {
	if tx.Capacity()-tx.Count() < p.counts[AffinityTx] {
		return fmt.Errorf("%w: tx queue holds %d, pool has %d", ErrResourceExhausted,
			tx.Capacity()-tx.Count(), p.counts[AffinityTx])
	}

	rxCount := p.counts[AffinityRxStandard] + p.counts[AffinityRxJumbo]
	if rx.Capacity()-rx.Count() < rxCount {
		return fmt.Errorf("%w: rx queue holds %d, pool has %d", ErrResourceExhausted,
			rx.Capacity()-rx.Count(), rxCount)
	}

	for i := range p.packets {
		pkt := &p.packets[i]
		if pkt.owner != OwnerFree {
			panic(fmt.Sprintf("seeding packet %d owned by %s", i, pkt.owner))
		}

		q := rx
		if pkt.affinity == AffinityTx {
			q = tx
		}
		q.PushTail(pkt.handle)
	}

	return nil
}

// Get returns the descriptor for h. A handle that is not from this pool is a
// programming error and panics.
func (p *Pool) Get(h Handle) *Packet {
	if int(h) >= len(p.packets) {
		panic(fmt.Sprintf("packet handle %d out of range, pool has %d descriptors", h, len(p.packets)))
	}
	return &p.packets[h]
}

// Resolve turns an opaque value read back from a ring slot into a handle. The
// value comes from device memory, so it is checked rather than trusted.
func (p *Pool) Resolve(opaque uint32) (Handle, error) {
	if uint64(opaque) >= uint64(len(p.packets)) {
		return 0, fmt.Errorf("%w: %d, pool has %d descriptors", ErrOpaqueOutOfRange, opaque, len(p.packets))
	}
	return Handle(opaque), nil
}

// Transfer moves ownership of h from one owner to another. A descriptor that
// is not owned by from means two parties believe they own it, which is a
// programming error and panics.
func (p *Pool) Transfer(h Handle, from, to Owner) *Packet {
	pkt := p.Get(h)
	if pkt.owner != from {
		panic(fmt.Sprintf("packet %d (%s) is owned by %s, not %s", h, pkt.affinity, pkt.owner, from))
	}

	pkt.owner = to
	if to == OwnerFree {
		pkt.reset()
	}
	return pkt
}

// Census returns how many descriptors each owner holds.
func (p *Pool) Census() map[Owner]int {
	c := make(map[Owner]int, ownerCount)
	for i := range p.packets {
		c[p.packets[i].owner]++
	}
	return c
}

// ForEach calls f for every descriptor in arena order.
func (p *Pool) ForEach(f func(*Packet)) {
	for i := range p.packets {
		f(&p.packets[i])
	}
}

// Destroy releases the arena. Every descriptor must be back in a free queue.
func (p *Pool) Destroy() error {
	if p.destroyed {
		return nil
	}

	for i := range p.packets {
		pkt := &p.packets[i]
		if pkt.owner != OwnerFree {
			return fmt.Errorf("%w: packet %d (%s) still owned by %s", ErrFatalProtocolViolation,
				i, pkt.affinity, pkt.owner)
		}
		if pkt.Buffer.Valid() {
			return fmt.Errorf("%w: packet %d (%s) still holds a receive buffer", ErrFatalProtocolViolation,
				i, pkt.affinity)
		}
	}

	p.packets = nil
	p.destroyed = true
	return nil
}
