package pool

import (
	"fmt"

	"github.com/slackhq/tigon/dma"
)

// Handle identifies a [Packet] in its [Pool]. It is what gets written into the
// opaque field of a ring slot, so a completion can be mapped back to its
// descriptor without a lookup table.
type Handle uint32

// Affinity is the ring a packet descriptor belongs to for its whole life.
type Affinity uint8

const (
	AffinityTx Affinity = iota
	AffinityRxStandard
	AffinityRxJumbo
)

func (a Affinity) String() string {
	switch a {
	case AffinityTx:
		return "tx"
	case AffinityRxStandard:
		return "rx_standard"
	case AffinityRxJumbo:
		return "rx_jumbo"
	}
	return fmt.Sprintf("affinity(%d)", uint8(a))
}

// Owner is where a packet descriptor currently lives. A descriptor has exactly
// one owner at any time.
type Owner uint8

const (
	// OwnerFree is a free queue.
	OwnerFree Owner = iota
	// OwnerDevice is a hardware ring, the descriptor is in flight.
	OwnerDevice
	// OwnerCompleted is the received or transmitted queue.
	OwnerCompleted
	// OwnerOutOfBuffer is the list of receive descriptors waiting for a
	// buffer.
	OwnerOutOfBuffer
	// OwnerCaller is code outside the ring engine that acquired the
	// descriptor to fill or read it.
	OwnerCaller

	ownerCount
)

func (o Owner) String() string {
	switch o {
	case OwnerFree:
		return "free"
	case OwnerDevice:
		return "device"
	case OwnerCompleted:
		return "completed"
	case OwnerOutOfBuffer:
		return "out_of_buffer"
	case OwnerCaller:
		return "caller"
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// Status is the outcome recorded on a packet descriptor.
type Status uint8

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailure
	StatusTransmitAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTransmitAborted:
		return "transmit_aborted"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Packet is a packet descriptor.
type Packet struct {
	handle   Handle
	affinity Affinity
	owner    Owner

	// BufferSize is the size of the receive buffer this descriptor posts.
	BufferSize int
	// Buffer is the receive buffer currently attached, if any.
	Buffer dma.Buffer

	// Fragments are the transmit buffers, in wire order. Each buffer's Data
	// length is the fragment length.
	Fragments []dma.Buffer
	// Bounce replaces Fragments when the packet had to be copied away from
	// the 4 GiB boundary.
	Bounce dma.Buffer

	// Size is the number of frame bytes received, without the FCS.
	Size   int
	Status Status
	// Flags are the ring slot flags, received or to send.
	Flags    uint16
	VLANTag  uint16
	Checksum uint16
	// ErrorFlags are the receive error flags the device reported.
	ErrorFlags uint16
}

// Handle returns the handle of the packet.
func (p *Packet) Handle() Handle {
	return p.handle
}

// Affinity returns the ring the packet belongs to.
func (p *Packet) Affinity() Affinity {
	return p.affinity
}

// Owner returns the current owner of the packet.
func (p *Packet) Owner() Owner {
	return p.owner
}

// TxFragments returns the buffers that go on the wire: the bounce buffer if
// there is one, the fragments otherwise.
func (p *Packet) TxFragments() []dma.Buffer {
	if p.Bounce.Valid() {
		return []dma.Buffer{p.Bounce}
	}
	return p.Fragments
}

// FragmentCount returns the number of send slots the packet takes.
func (p *Packet) FragmentCount() int {
	if p.Bounce.Valid() {
		return 1
	}
	return len(p.Fragments)
}

// Frame returns the received frame bytes.
func (p *Packet) Frame() []byte {
	if !p.Buffer.Valid() || p.Size > len(p.Buffer.Data) {
		return nil
	}
	return p.Buffer.Data[:p.Size]
}

// reset clears everything the rings fill in, keeping identity and any
// attached receive buffer.
func (p *Packet) reset() {
	p.Fragments = p.Fragments[:0]
	p.Bounce = dma.Buffer{}
	p.Size = 0
	p.Status = StatusPending
	p.Flags = 0
	p.VLANTag = 0
	p.Checksum = 0
	p.ErrorFlags = 0
}
