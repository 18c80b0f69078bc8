package tigon

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/freequeue"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/pool"
)

// RxState is where the receive side is in its replenish and drain cycle.
type RxState uint8

const (
	// RxEmpty means no buffer is posted to the device.
	RxEmpty RxState = iota
	// RxReplenishing means buffers are being posted.
	RxReplenishing
	// RxReady means the device has buffers to receive into.
	RxReady
	// RxDraining means completions are being taken off the return ring.
	RxDraining
)

func (s RxState) String() string {
	switch s {
	case RxEmpty:
		return "empty"
	case RxReplenishing:
		return "replenishing"
	case RxReady:
		return "ready"
	case RxDraining:
		return "draining"
	}
	return fmt.Sprintf("rx_state(%d)", uint8(s))
}

// subRing is a receive producer ring the host posts empty buffers to.
type subRing interface {
	kind() hw.RingKind
	// deviceConsumer is how far the device has taken buffers off the ring.
	deviceConsumer(sb *hw.StatusBlock) uint32
	// post writes p into the slot at the producer index. It returns false
	// when the device has not freed a slot yet.
	post(sb *hw.StatusBlock, p *pool.Packet) bool
	// publish hands everything posted since the last publish to the device
	// and returns how many slots that was.
	publish(regs hw.Registers) int
	// pending calls f with the opaque value of every slot the device has
	// not taken yet, oldest first.
	pending(sb *hw.StatusBlock, f func(opaque uint32))
	// reset rewinds the ring to its initial empty state.
	reset(regs hw.Registers)
}

// producerRing holds what the standard and jumbo rings have in common.
type producerRing struct {
	mailbox     hw.Mailbox
	slots       []hw.RecvSlot
	mask        uint32
	producer    uint32
	unpublished int
	flags       uint16
}

func newProducerRing(mb hw.Mailbox, slots []hw.RecvSlot, flags uint16) producerRing {
	return producerRing{
		mailbox: mb,
		slots:   slots,
		mask:    uint32(len(slots) - 1),
		flags:   flags,
	}
}

func (r *producerRing) postAt(consumer uint32, p *pool.Packet) bool {
	next := (r.producer + 1) & r.mask
	if next == consumer&r.mask {
		return false
	}

	s := &r.slots[r.producer]
	s.HostAddrHigh, s.HostAddrLow = dma.SplitAddress(p.Buffer.Addr)
	s.Index = uint16(r.producer)
	s.Length = uint16(p.BufferSize)
	s.Type = 0
	s.Flags = hw.RecvFlagEnd | r.flags
	s.IPChecksum = 0
	s.TCPUDPChecksum = 0
	s.ErrorFlags = 0
	s.VLANTag = 0
	s.Opaque = uint32(p.Handle())

	r.producer = next
	r.unpublished++
	return true
}

func (r *producerRing) publish(regs hw.Registers) int {
	if r.unpublished == 0 {
		return 0
	}

	n := r.unpublished
	r.unpublished = 0
	// The mailbox store orders every slot written above before the index.
	regs.WriteMailbox(r.mailbox, r.producer)
	return n
}

func (r *producerRing) pendingFrom(consumer uint32, f func(uint32)) {
	for i := consumer & r.mask; i != r.producer; i = (i + 1) & r.mask {
		f(r.slots[i].Opaque)
	}
}

func (r *producerRing) reset(regs hw.Registers) {
	clear(r.slots)
	r.producer = 0
	r.unpublished = 0
	regs.WriteMailbox(r.mailbox, 0)
}

type standardRing struct {
	producerRing
}

func (r *standardRing) kind() hw.RingKind {
	return hw.RingRxStandard
}

func (r *standardRing) deviceConsumer(sb *hw.StatusBlock) uint32 {
	return sb.RxStandardConsumer()
}

func (r *standardRing) post(sb *hw.StatusBlock, p *pool.Packet) bool {
	return r.postAt(r.deviceConsumer(sb), p)
}

func (r *standardRing) pending(sb *hw.StatusBlock, f func(uint32)) {
	r.pendingFrom(r.deviceConsumer(sb), f)
}

type jumboRing struct {
	producerRing
}

func (r *jumboRing) kind() hw.RingKind {
	return hw.RingRxJumbo
}

func (r *jumboRing) deviceConsumer(sb *hw.StatusBlock) uint32 {
	return sb.RxJumboConsumer()
}

func (r *jumboRing) post(sb *hw.StatusBlock, p *pool.Packet) bool {
	return r.postAt(r.deviceConsumer(sb), p)
}

func (r *jumboRing) pending(sb *hw.StatusBlock, f func(uint32)) {
	r.pendingFrom(r.deviceConsumer(sb), f)
}

// rxManager owns the receive descriptors while they are not with the caller:
// the free queue, the producer rings, the return ring, the received queue and
// the out of buffer list.
type rxManager struct {
	l       *logrus.Logger
	pool    *pool.Pool
	alloc   dma.Allocator
	regs    hw.Registers
	status  *hw.StatusBlock
	metrics *RingMetrics

	free        *freequeue.Queue[pool.Handle]
	received    *freequeue.Queue[pool.Handle]
	outOfBuffer *freequeue.Queue[pool.Handle]

	rings map[pool.Affinity]subRing
	// order is rings in the order they are published.
	order []subRing

	ret         []hw.RecvSlot
	retMask     uint32
	retConsumer uint32

	maxFrame int
	lowWater int
	// posted is the number of descriptors the device owns.
	posted int
	state  RxState
}

func newRxManager(d *Device, std, jumbo, ret []hw.RecvSlot) (*rxManager, error) {
	total := d.pool.Count(pool.AffinityRxStandard) + d.pool.Count(pool.AffinityRxJumbo)

	r := &rxManager{
		l:        d.l,
		pool:     d.pool,
		alloc:    d.alloc,
		regs:     d.regs,
		status:   d.status,
		metrics:  d.metrics,
		rings:    make(map[pool.Affinity]subRing, 2),
		ret:      ret,
		retMask:  uint32(len(ret) - 1),
		maxFrame: d.cfg.MaxFrameSize(),
		lowWater: max(total/8, 1),
	}

	var err error
	if r.free, err = freequeue.New[pool.Handle](total); err != nil {
		return nil, fmt.Errorf("rx free queue: %w", err)
	}
	if r.received, err = freequeue.New[pool.Handle](total); err != nil {
		return nil, fmt.Errorf("rx received queue: %w", err)
	}
	if r.outOfBuffer, err = freequeue.New[pool.Handle](total); err != nil {
		return nil, fmt.Errorf("rx out of buffer list: %w", err)
	}

	sr := &standardRing{newProducerRing(hw.MailboxRxStandardProducer, std, 0)}
	r.rings[pool.AffinityRxStandard] = sr
	r.order = append(r.order, sr)

	if jumbo != nil {
		jr := &jumboRing{newProducerRing(hw.MailboxRxJumboProducer, jumbo, hw.RecvFlagJumboRing)}
		r.rings[pool.AffinityRxJumbo] = jr
		r.order = append(r.order, jr)
	}

	return r, nil
}

// pushTail puts h on q, which is sized to hold every descriptor that can reach
// it. A full queue means a descriptor is tracked twice.
func pushTail(q *freequeue.Queue[pool.Handle], h pool.Handle) {
	if !q.PushTail(h) {
		panic(fmt.Sprintf("queue sized for every descriptor rejected packet %d", h))
	}
}

// Replenish posts free receive descriptors to their rings, allocating a buffer
// for those that have none. A descriptor whose buffer cannot be allocated is
// parked on the out of buffer list and the batch goes on. In that case
// ErrAllocationFailed is returned along with the number posted.
func (r *rxManager) Replenish() (int, error) {
	if r.free.Empty() {
		return 0, nil
	}

	r.state = RxReplenishing
	failed := 0
	posted := 0
	var ringErr error

	for n := r.free.Count(); n > 0; n-- {
		h, ok := r.free.PopHead()
		if !ok {
			break
		}

		pkt := r.pool.Get(h)
		ring, ok := r.rings[pkt.Affinity()]
		if !ok {
			r.free.PushHead(h)
			ringErr = fmt.Errorf("%w: packet %d is %s", ErrUnknownRing, h, pkt.Affinity())
			break
		}

		if !pkt.Buffer.Valid() {
			buf, err := r.alloc.Alloc(pkt.BufferSize)
			if err != nil {
				r.pool.Transfer(h, pool.OwnerFree, pool.OwnerOutOfBuffer)
				pushTail(r.outOfBuffer, h)
				r.metrics.rxAllocFailed.Inc(1)
				failed++
				continue
			}
			pkt.Buffer = buf
		}

		if !ring.post(r.status, pkt) {
			// The device has not caught up, try again after the next completion.
			r.free.PushHead(h)
			break
		}

		r.pool.Transfer(h, pool.OwnerFree, pool.OwnerDevice)
		posted++
	}

	for _, ring := range r.order {
		ring.publish(r.regs)
	}
	r.posted += posted
	r.settle()

	if ringErr != nil {
		return posted, ringErr
	}
	if failed > 0 {
		return posted, fmt.Errorf("%w: %d receive descriptors waiting for a buffer", ErrAllocationFailed, failed)
	}
	return posted, nil
}

// ReplenishOutOfBuffer retries the buffer allocation for descriptors on the
// out of buffer list. It stops at the first failure. Descriptors that got a
// buffer are posted right away.
func (r *rxManager) ReplenishOutOfBuffer() (int, error) {
	moved := 0
	var allocErr error

	for {
		h, ok := r.outOfBuffer.PopHead()
		if !ok {
			break
		}

		pkt := r.pool.Get(h)
		if !pkt.Buffer.Valid() {
			buf, err := r.alloc.Alloc(pkt.BufferSize)
			if err != nil {
				r.outOfBuffer.PushHead(h)
				r.l.WithError(err).
					WithField("waiting", r.outOfBuffer.Count()).
					Debug("Out of RX memory")
				allocErr = fmt.Errorf("%w: %w", ErrAllocationFailed, err)
				break
			}
			pkt.Buffer = buf
		}

		r.pool.Transfer(h, pool.OwnerOutOfBuffer, pool.OwnerFree)
		pushTail(r.free, h)
		moved++
	}

	if moved > 0 {
		if _, err := r.Replenish(); err != nil && allocErr == nil {
			allocErr = err
		}
	}

	return moved, allocErr
}

// ServiceRx takes every completion the device wrote to the return ring. Good
// frames go to the received queue, frames with errors go back to the free
// queue with their buffer kept for the next post.
func (r *rxManager) ServiceRx() int {
	// Loading the producer index is what makes the return slots before it
	// safe to read.
	producer := r.status.ReturnProducer(0) & r.retMask
	if producer == r.retConsumer {
		return 0
	}

	r.state = RxDraining
	n := 0
	for producer != r.retConsumer {
		for r.retConsumer != producer {
			slot := r.ret[r.retConsumer]
			r.retConsumer = (r.retConsumer + 1) & r.retMask
			r.complete(&slot)
			n++
		}
		producer = r.status.ReturnProducer(0) & r.retMask
	}

	r.regs.WriteMailbox(hw.MailboxRxReturnConsumer, r.retConsumer)
	r.settle()
	return n
}

func (r *rxManager) complete(slot *hw.RecvSlot) {
	h, err := r.pool.Resolve(slot.Opaque)
	if err != nil {
		r.metrics.rxBadOpaque.Inc(1)
		r.l.WithError(err).WithField("slot", slot.Index).Error("Dropping receive completion")
		return
	}

	pkt := r.pool.Get(h)
	if pkt.Owner() != pool.OwnerDevice || pkt.Affinity() == pool.AffinityTx {
		r.metrics.rxBadOpaque.Inc(1)
		r.l.WithFields(logrus.Fields{
			"packet":   h,
			"owner":    pkt.Owner(),
			"affinity": pkt.Affinity(),
		}).Error("Device completed a receive descriptor it does not own")
		return
	}
	r.posted--

	length := int(slot.Length)
	if slot.Flags&hw.RecvFlagFrameHasError != 0 {
		r.metrics.rxError(slot.ErrorFlags)
		// An odd nibble on MII is reported as an error but the frame is
		// intact, so it is delivered.
		if slot.ErrorFlags != hw.RecvErrOddNibbleMII {
			r.drop(h)
			return
		}
		r.metrics.rxMIIQuirk.Inc(1)
	}

	if length < fcsLen || length > len(pkt.Buffer.Data) {
		r.metrics.rxError(hw.RecvErrGiantFrame)
		r.l.WithFields(logrus.Fields{
			"packet": h,
			"length": length,
			"buffer": len(pkt.Buffer.Data),
		}).Debug("Dropping receive completion with an impossible length")
		r.drop(h)
		return
	}

	pkt = r.pool.Transfer(h, pool.OwnerDevice, pool.OwnerCompleted)
	pkt.Status = pool.StatusSuccess
	pkt.Size = length - fcsLen
	pkt.Flags = slot.Flags
	pkt.ErrorFlags = slot.ErrorFlags
	if slot.Flags&hw.RecvFlagVLANTag != 0 {
		pkt.VLANTag = slot.VLANTag
	}
	if slot.Flags&hw.RecvFlagTCPUDPChecksum != 0 {
		pkt.Checksum = slot.TCPUDPChecksum
	}
	pushTail(r.received, h)

	r.metrics.rxPackets.Inc(1)
	r.metrics.rxBytes.Inc(int64(pkt.Size))
}

// drop sends a descriptor the device handed back straight to the free queue.
func (r *rxManager) drop(h pool.Handle) {
	r.pool.Transfer(h, pool.OwnerDevice, pool.OwnerFree)
	pushTail(r.free, h)
}

func (r *rxManager) settle() {
	if r.posted > 0 {
		r.state = RxReady
	} else {
		r.state = RxEmpty
	}
}

// replenishIfLow posts buffers once enough descriptors piled up in the free
// queue, or when the device is about to run dry.
func (r *rxManager) replenishIfLow() {
	if !r.outOfBuffer.Empty() {
		if _, err := r.ReplenishOutOfBuffer(); err != nil {
			r.l.WithError(err).Debug("Receive buffers are still short")
		}
	}

	if r.free.Empty() {
		return
	}
	if r.free.Count() < r.lowWater && r.posted >= r.lowWater {
		return
	}

	if _, err := r.Replenish(); err != nil {
		r.l.WithError(err).Debug("Failed to replenish every receive descriptor")
	}
}

// Receive hands the oldest received frame to the caller. Frames longer than
// the MTU allows are dropped on the way.
func (r *rxManager) Receive() (*pool.Packet, bool) {
	for {
		h, ok := r.received.PopHead()
		if !ok {
			return nil, false
		}

		pkt := r.pool.Get(h)
		if pkt.Size > r.maxFrame {
			r.metrics.rxOversize.Inc(1)
			r.l.WithFields(logrus.Fields{
				"size":     pkt.Size,
				"maxFrame": r.maxFrame,
			}).Debug("Dropping oversized frame")
			r.pool.Transfer(h, pool.OwnerCompleted, pool.OwnerFree)
			pushTail(r.free, h)
			continue
		}

		return r.pool.Transfer(h, pool.OwnerCompleted, pool.OwnerCaller), true
	}
}

// Release gives a descriptor obtained from Receive back. Its buffer is posted
// again on the next replenish.
func (r *rxManager) Release(p *pool.Packet) error {
	if p.Affinity() == pool.AffinityTx || p.Owner() != pool.OwnerCaller {
		return fmt.Errorf("%w: packet %d is %s owned by %s", ErrNotOwner, p.Handle(), p.Affinity(), p.Owner())
	}

	r.pool.Transfer(p.Handle(), pool.OwnerCaller, pool.OwnerFree)
	pushTail(r.free, p.Handle())
	return nil
}

// Detach releases a received descriptor but lets the caller keep its buffer.
// The caller must give the buffer back to the allocator when done with it.
func (r *rxManager) Detach(p *pool.Packet) (dma.Buffer, error) {
	if p.Affinity() == pool.AffinityTx || p.Owner() != pool.OwnerCaller {
		return dma.Buffer{}, fmt.Errorf("%w: packet %d is %s owned by %s", ErrNotOwner, p.Handle(), p.Affinity(), p.Owner())
	}

	buf := p.Buffer.Slice(p.Size)
	p.Buffer = dma.Buffer{}
	return buf, r.Release(p)
}

// drainReceived moves every received descriptor back to the free queue.
func (r *rxManager) drainReceived() int {
	return r.received.Drain(func(h pool.Handle) {
		r.pool.Transfer(h, pool.OwnerCompleted, pool.OwnerFree)
		pushTail(r.free, h)
	})
}

// reclaimPosted takes back every descriptor still posted to a producer ring.
// The device must not be doing DMA anymore.
func (r *rxManager) reclaimPosted() int {
	n := 0
	for _, ring := range r.order {
		ring.pending(r.status, func(opaque uint32) {
			h, err := r.pool.Resolve(opaque)
			if err != nil {
				r.l.WithError(err).WithField("ring", ring.kind()).Error("Skipping corrupt posted receive slot")
				return
			}
			if r.pool.Get(h).Owner() != pool.OwnerDevice {
				return
			}
			r.pool.Transfer(h, pool.OwnerDevice, pool.OwnerFree)
			pushTail(r.free, h)
			n++
		})
		ring.reset(r.regs)
	}

	// Whatever the device took off a ring without returning it is lost with
	// the DMA state, the descriptor comes back all the same.
	r.pool.ForEach(func(p *pool.Packet) {
		if p.Affinity() == pool.AffinityTx || p.Owner() != pool.OwnerDevice {
			return
		}
		r.l.WithFields(logrus.Fields{
			"packet":   p.Handle(),
			"affinity": p.Affinity(),
		}).Warn("Receive descriptor was consumed but never returned")
		r.pool.Transfer(p.Handle(), pool.OwnerDevice, pool.OwnerFree)
		pushTail(r.free, p.Handle())
		n++
	})

	clear(r.ret)
	r.retConsumer = 0
	r.regs.WriteMailbox(hw.MailboxRxReturnConsumer, 0)
	r.posted = 0
	r.settle()
	return n
}

// freeBuffers gives every receive buffer held by a free descriptor back to the
// allocator. Descriptors on the out of buffer list are moved to the free queue
// first.
func (r *rxManager) freeBuffers() {
	r.outOfBuffer.Drain(func(h pool.Handle) {
		r.pool.Transfer(h, pool.OwnerOutOfBuffer, pool.OwnerFree)
		pushTail(r.free, h)
	})

	r.pool.ForEach(func(p *pool.Packet) {
		if p.Affinity() == pool.AffinityTx || p.Owner() != pool.OwnerFree || !p.Buffer.Valid() {
			return
		}
		r.alloc.Free(p.Buffer)
		p.Buffer = dma.Buffer{}
	})
}
