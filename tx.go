package tigon

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/freequeue"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/pool"
)

const (
	// maxBounceAttempts bounds how many bounce buffers are tried before a
	// packet that trips the 4 GiB erratum is refused.
	maxBounceAttempts = 2
	// maxFragmentLen is the largest fragment the length half of a send slot
	// can describe.
	maxFragmentLen = 0xffff
)

// txManager owns the send ring. Credits count the free send slots, one slot is
// always left empty so a full ring is never mistaken for an empty one.
type txManager struct {
	l       *logrus.Logger
	pool    *pool.Pool
	alloc   dma.Allocator
	regs    hw.Registers
	status  *hw.StatusBlock
	metrics *RingMetrics
	link    LinkStatus

	free    *freequeue.Queue[pool.Handle]
	active  *freequeue.Queue[pool.Handle]
	xmitted *freequeue.Queue[pool.Handle]

	slots []hw.SendSlot
	// shadow is what the host last wrote into each slot.
	shadow   []hw.SendSlot
	mask     uint32
	producer uint32
	consumer uint32
	credits  int

	writeMinimize bool
	doubleWrite   bool
	stalled       bool
	// slotWrites counts send slot fields written.
	slotWrites uint64

	onComplete func(*pool.Packet)
}

func newTxManager(d *Device, slots []hw.SendSlot) (*txManager, error) {
	count := d.pool.Count(pool.AffinityTx)
	t := &txManager{
		l:             d.l,
		pool:          d.pool,
		alloc:         d.alloc,
		regs:          d.regs,
		status:        d.status,
		metrics:       d.metrics,
		link:          d.link,
		slots:         slots,
		shadow:        make([]hw.SendSlot, len(slots)),
		mask:          uint32(len(slots) - 1),
		credits:       len(slots) - 1,
		writeMinimize: d.cfg.WriteMinimize,
		doubleWrite:   d.cfg.DoubleMailboxWrite,
		onComplete:    d.onTxComplete,
	}

	var err error
	if t.free, err = freequeue.New[pool.Handle](count); err != nil {
		return nil, fmt.Errorf("tx free queue: %w", err)
	}
	if t.active, err = freequeue.New[pool.Handle](count); err != nil {
		return nil, fmt.Errorf("tx active queue: %w", err)
	}
	if t.xmitted, err = freequeue.New[pool.Handle](count); err != nil {
		return nil, fmt.Errorf("tx transmitted queue: %w", err)
	}

	return t, nil
}

// Acquire hands a free transmit descriptor to the caller. With none left the
// transmit path is stalled until the next completion.
func (t *txManager) Acquire() (*pool.Packet, error) {
	h, ok := t.free.PopHead()
	if !ok {
		if !t.stalled {
			t.stalled = true
			t.metrics.txStalled.Inc(1)
			t.l.WithField("inFlight", t.active.Count()).Debug("Transmit stalled, no free descriptors")
		}
		return nil, fmt.Errorf("%w: no free transmit descriptors", ErrResourceExhausted)
	}

	return t.pool.Transfer(h, pool.OwnerFree, pool.OwnerCaller), nil
}

// Send posts every fragment of p to the send ring. When the ring does not have
// a slot for every fragment ErrBusy is returned, nothing is written and the
// caller keeps p.
func (t *txManager) Send(p *pool.Packet) error {
	if p.Affinity() != pool.AffinityTx || p.Owner() != pool.OwnerCaller {
		return fmt.Errorf("%w: packet %d is %s owned by %s", ErrNotOwner, p.Handle(), p.Affinity(), p.Owner())
	}
	if len(p.Fragments) == 0 {
		return ErrEmptyPacket
	}
	for i, f := range p.Fragments {
		if len(f.Data) == 0 || len(f.Data) > maxFragmentLen {
			return fmt.Errorf("fragment %d is %d bytes, a send slot takes 1 to %d", i, len(f.Data), maxFragmentLen)
		}
	}
	if !t.link.Link().Up {
		return ErrLinkDown
	}

	if n := p.FragmentCount(); n > t.credits {
		t.metrics.txBusy.Inc(1)
		return fmt.Errorf("%w: %d fragments, %d send slots free", ErrBusy, n, t.credits)
	}

	for attempt := 0; t.needsBounce(p); attempt++ {
		if attempt >= maxBounceAttempts {
			return fmt.Errorf("%w: no bounce buffer clear of the 4 GiB boundary after %d attempts",
				ErrAllocationFailed, attempt)
		}
		if err := t.bounce(p); err != nil {
			return err
		}
	}

	t.post(p)
	return nil
}

func (t *txManager) needsBounce(p *pool.Packet) bool {
	for _, f := range p.TxFragments() {
		if dma.Crosses4GBoundary(f.Addr, len(f.Data)) {
			return true
		}
	}
	return false
}

// bounce copies every fragment of p into one freshly allocated buffer.
func (t *txManager) bounce(p *pool.Packet) error {
	size := 0
	for _, f := range p.Fragments {
		size += len(f.Data)
	}
	if size > maxFragmentLen {
		return fmt.Errorf("%w: a %d byte packet does not fit one bounce fragment", ErrAllocationFailed, size)
	}

	buf, err := t.alloc.Alloc(size)
	if err != nil {
		return fmt.Errorf("%w: bounce buffer: %w", ErrAllocationFailed, err)
	}
	buf = buf.Slice(size)

	off := 0
	for _, f := range p.Fragments {
		off += copy(buf.Data[off:], f.Data)
	}

	if p.Bounce.Valid() {
		t.alloc.Free(p.Bounce)
	}
	p.Bounce = buf
	t.metrics.txBounce.Inc(1)
	return nil
}

func (t *txManager) post(p *pool.Packet) {
	frags := p.TxFragments()
	flags := p.Flags &^ hw.SendFlagEnd
	vlan := uint32(0)
	if flags&hw.SendFlagVLANTag != 0 {
		vlan = uint32(p.VLANTag)
	}

	prod := t.producer
	for i, f := range frags {
		fl := flags
		if i == len(frags)-1 {
			fl |= hw.SendFlagEnd
		}

		hi, lo := dma.SplitAddress(f.Addr)
		t.writeSlot(prod, hw.SendSlot{
			HostAddrHigh: hi,
			HostAddrLow:  lo,
			LenFlags:     hw.PackLenFlags(len(f.Data), fl),
			VLANTag:      vlan,
		})
		prod = (prod + 1) & t.mask
	}

	t.pool.Transfer(p.Handle(), pool.OwnerCaller, pool.OwnerDevice)
	pushTail(t.active, p.Handle())

	t.producer = prod
	t.publish()
	t.credits -= len(frags)
	t.metrics.txPackets.Inc(1)
}

func (t *txManager) writeSlot(i uint32, s hw.SendSlot) {
	dst := &t.slots[i]
	sh := &t.shadow[i]

	if !t.writeMinimize {
		*dst = s
		*sh = s
		t.slotWrites += 4
		return
	}

	if sh.HostAddrHigh != s.HostAddrHigh {
		dst.HostAddrHigh = s.HostAddrHigh
		t.slotWrites++
	}
	if sh.HostAddrLow != s.HostAddrLow {
		dst.HostAddrLow = s.HostAddrLow
		t.slotWrites++
	}
	if sh.LenFlags != s.LenFlags {
		dst.LenFlags = s.LenFlags
		t.slotWrites++
	}
	if sh.VLANTag != s.VLANTag {
		dst.VLANTag = s.VLANTag
		t.slotWrites++
	}
	*sh = s
}

func (t *txManager) publish() {
	// The mailbox store orders the slot writes before the index.
	t.regs.WriteMailbox(hw.MailboxSendProducer, t.producer)
	if t.doubleWrite {
		t.regs.WriteMailbox(hw.MailboxSendProducer, t.producer)
	}
}

// ServiceTx moves every packet the device finished sending to the transmitted
// queue and returns its send slots to the credit count.
func (t *txManager) ServiceTx() int {
	// Loading the consumer index is what tells which slots the device is done
	// with.
	consumer := t.status.SendConsumer(0) & t.mask
	n := 0

	for t.consumer != consumer {
		h, ok := t.active.PopHead()
		if !ok {
			t.l.WithFields(logrus.Fields{
				"consumer": consumer,
				"shadow":   t.consumer,
			}).Error("Send ring consumer is ahead of every posted packet")
			break
		}

		pkt := t.pool.Get(h)
		frags := uint32(pkt.FragmentCount())
		if (consumer-t.consumer)&t.mask < frags {
			// The device stopped in the middle of this packet.
			t.active.PushHead(h)
			break
		}

		pkt = t.pool.Transfer(h, pool.OwnerDevice, pool.OwnerCompleted)
		pkt.Status = pool.StatusSuccess
		pushTail(t.xmitted, h)

		t.consumer = (t.consumer + frags) & t.mask
		t.credits += int(frags)
		n++

		consumer = t.status.SendConsumer(0) & t.mask
	}

	if n > 0 {
		t.metrics.txCompleted.Inc(int64(n))
		if t.stalled {
			t.stalled = false
			t.l.Debug("Transmit stall cleared")
		}
	}

	return n
}

// Reclaim returns every transmitted descriptor to the free queue along with
// its buffers.
func (t *txManager) Reclaim() int {
	return t.xmitted.Drain(func(h pool.Handle) {
		pkt := t.pool.Get(h)
		if t.onComplete != nil {
			t.onComplete(pkt)
		}
		t.freeBuffers(pkt)
		t.pool.Transfer(h, pool.OwnerCompleted, pool.OwnerFree)
		pushTail(t.free, h)
	})
}

// Discard gives back a descriptor that was acquired but will not be sent.
func (t *txManager) Discard(p *pool.Packet) error {
	if p.Affinity() != pool.AffinityTx || p.Owner() != pool.OwnerCaller {
		return fmt.Errorf("%w: packet %d is %s owned by %s", ErrNotOwner, p.Handle(), p.Affinity(), p.Owner())
	}

	t.freeBuffers(p)
	t.pool.Transfer(p.Handle(), pool.OwnerCaller, pool.OwnerFree)
	pushTail(t.free, p.Handle())
	return nil
}

func (t *txManager) freeBuffers(p *pool.Packet) {
	for _, f := range p.Fragments {
		t.alloc.Free(f)
	}
	p.Fragments = p.Fragments[:0]
	if p.Bounce.Valid() {
		t.alloc.Free(p.Bounce)
		p.Bounce = dma.Buffer{}
	}
}

// abort marks every packet still on the send ring as aborted and moves it to
// the transmitted queue. The device must not be doing DMA anymore.
func (t *txManager) abort() int {
	n := t.active.Drain(func(h pool.Handle) {
		pkt := t.pool.Transfer(h, pool.OwnerDevice, pool.OwnerCompleted)
		pkt.Status = pool.StatusTransmitAborted
		t.credits += pkt.FragmentCount()
		pushTail(t.xmitted, h)
	})
	if n > 0 {
		t.metrics.txAborted.Inc(int64(n))
	}

	if t.credits != len(t.slots)-1 {
		t.l.WithFields(logrus.Fields{
			"credits":  t.credits,
			"expected": len(t.slots) - 1,
		}).Error("Send credits out of balance after abort")
		t.credits = len(t.slots) - 1
	}

	clear(t.slots)
	clear(t.shadow)
	t.producer = 0
	t.consumer = 0
	t.regs.WriteMailbox(hw.MailboxSendProducer, 0)
	return n
}
