// Package emulator is a software Tigon3. It implements [hw.Registers] on top of
// a [dma.Region] and behaves like the device would: it takes buffers off the
// producer rings, writes received frames and their completions into host
// memory, consumes the send ring and keeps the status block up to date.
package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/hw"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

var (
	// ErrDMADisabled is returned when the host asks for DMA while the DMA
	// engines are stopped.
	ErrDMADisabled = errors.New("dma engines are disabled")
	// ErrNoBuffers is returned when a frame arrives and the host has not
	// posted a buffer for it.
	ErrNoBuffers = errors.New("no receive buffer posted")
	// ErrLinkDown is returned when a frame arrives while the link is down.
	ErrLinkDown = errors.New("link is down")
	// ErrNotConfigured is returned when a ring the operation needs was never
	// handed to the device.
	ErrNotConfigured = errors.New("ring not configured")
)

// Frame is a frame arriving on the wire.
type Frame struct {
	Data []byte
	// ErrorFlags are reported in the return slot as if the MAC had seen
	// them.
	ErrorFlags uint16
	// VLANTag is stripped by the device and reported in the return slot
	// when not zero.
	VLANTag uint16
	// Checksum is reported as the TCP/UDP checksum when not zero.
	Checksum uint16
}

type recvRing struct {
	slots    []hw.RecvSlot
	mask     uint32
	consumer uint32
	maxLen   int
}

func (r *recvRing) configured() bool {
	return r.slots != nil
}

// Device is an emulated NIC.
type Device struct {
	l      *logrus.Logger
	region *dma.Region

	mailboxes [hw.MailboxCount]atomicbitops.Uint32
	kick      chan struct{}
	irq       chan struct{}
	captured  chan []byte

	mu     sync.Mutex
	ready  bool
	status *hw.StatusBlock
	stats  *hw.StatsBlock

	std      recvRing
	jumbo    recvRing
	ret      recvRing
	send     []hw.SendSlot
	sendMask uint32
	sendCons uint32

	ic         hw.InterruptConfig
	masked     bool
	ackedTag   uint32
	pendingRx  uint32
	pendingTx  uint32
	dmaEnabled bool
	link       hw.LinkState

	loopback      bool
	stuckDMA      bool
	stuckFirmware bool
	wire          func([]byte)
}

// New creates an emulated device that does DMA into region.
func New(l *logrus.Logger, region *dma.Region, options ...Option) *Device {
	opts := optionDefaults
	opts.apply(options)

	d := &Device{
		l:             l,
		region:        region,
		kick:          make(chan struct{}, 1),
		irq:           make(chan struct{}, 1),
		link:          opts.link,
		loopback:      opts.loopback,
		stuckDMA:      opts.stuckDMA,
		stuckFirmware: opts.stuckFirmware,
		wire:          opts.wire,
		masked:        true,
	}
	if opts.capture > 0 {
		d.captured = make(chan []byte, opts.capture)
	}
	d.mailboxes[hw.MailboxInterrupt].Store(hw.InterruptMasked)
	return d
}

// Reset puts the device back into its power on state. Ring and block
// addresses are forgotten.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.mailboxes {
		d.mailboxes[i].Store(0)
	}
	d.mailboxes[hw.MailboxInterrupt].Store(hw.InterruptMasked)

	d.status = nil
	d.stats = nil
	d.std = recvRing{}
	d.jumbo = recvRing{}
	d.ret = recvRing{}
	d.send = nil
	d.sendMask = 0
	d.sendCons = 0
	d.ic = hw.InterruptConfig{}
	d.masked = true
	d.ackedTag = 0
	d.pendingRx = 0
	d.pendingTx = 0
	d.dmaEnabled = false
	d.ready = !d.stuckFirmware

	return nil
}

// Ready reports whether the firmware finished starting after a reset.
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// ConfigureRing maps a ring the host laid out in DMA memory.
func (d *Device) ConfigureRing(rc hw.RingControl) error {
	if err := hw.CheckRingSize(rc.Entries); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if rc.Kind == hw.RingSend {
		mem, err := d.region.Translate(rc.Addr, hw.SendRingSize(rc.Entries))
		if err != nil {
			return err
		}
		d.send = hw.SendRing(mem, rc.Entries)
		d.sendMask = uint32(rc.Entries - 1)
		d.sendCons = 0
		return nil
	}

	mem, err := d.region.Translate(rc.Addr, hw.RecvRingSize(rc.Entries))
	if err != nil {
		return err
	}
	r := recvRing{
		slots:  hw.RecvRing(mem, rc.Entries),
		mask:   uint32(rc.Entries - 1),
		maxLen: rc.MaxLen,
	}

	switch rc.Kind {
	case hw.RingRxStandard:
		d.std = r
	case hw.RingRxJumbo:
		d.jumbo = r
	case hw.RingRxReturn:
		d.ret = r
	default:
		return fmt.Errorf("unknown ring kind %s", rc.Kind)
	}
	return nil
}

// ConfigureStatusBlock sets where the status block lives.
func (d *Device) ConfigureStatusBlock(addr uint64) error {
	mem, err := d.region.Translate(addr, hw.StatusBlockSize)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.status = hw.NewStatusBlock(mem)
	d.mu.Unlock()
	return nil
}

// ConfigureStatsBlock sets where the stats block lives.
func (d *Device) ConfigureStatsBlock(addr uint64) error {
	mem, err := d.region.Translate(addr, hw.StatsBlockSize)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.stats = hw.NewStatsBlock(mem)
	d.mu.Unlock()
	return nil
}

// ConfigureInterrupts sets the interrupt mode and coalescing.
func (d *Device) ConfigureInterrupts(ic hw.InterruptConfig) {
	d.mu.Lock()
	d.ic = ic
	d.mu.Unlock()
}

// WriteMailbox stores v in a mailbox. Writing the interrupt mailbox masks or
// unmasks interrupts, writing the send producer mailbox wakes up [Device.Run].
func (d *Device) WriteMailbox(mb hw.Mailbox, v uint32) {
	d.mailboxes[mb].Store(v)

	switch mb {
	case hw.MailboxInterrupt:
		d.mu.Lock()
		d.writeInterruptMailbox(v)
		d.mu.Unlock()
	case hw.MailboxSendProducer:
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

func (d *Device) writeInterruptMailbox(v uint32) {
	if v&hw.InterruptMasked != 0 {
		d.masked = true
		return
	}

	d.masked = false
	if d.status == nil {
		return
	}

	if d.ic.TaggedStatus {
		// The host acknowledged an older tag than the current one, it has
		// not seen everything yet.
		d.ackedTag = hw.TagFromAck(v)
		if d.status.Tag() != d.ackedTag {
			d.raise()
		}
		return
	}

	if d.status.Updated() {
		d.raise()
	}
}

// ReadMailbox returns the last value written to a mailbox.
func (d *Device) ReadMailbox(mb hw.Mailbox) uint32 {
	return d.mailboxes[mb].Load()
}

// ForceInterrupt raises an interrupt now unless interrupts are masked.
func (d *Device) ForceInterrupt() {
	d.mu.Lock()
	d.raise()
	d.mu.Unlock()
}

// Interrupts delivers a value for every interrupt. Interrupts raised while
// the previous one was not taken yet are merged.
func (d *Device) Interrupts() <-chan struct{} {
	return d.irq
}

// EnableDMA starts the DMA engines.
func (d *Device) EnableDMA() {
	d.mu.Lock()
	d.dmaEnabled = true
	d.mu.Unlock()
}

// DisableDMA stops the DMA engines, unless the device was built to ignore it.
func (d *Device) DisableDMA() {
	d.mu.Lock()
	if !d.stuckDMA {
		d.dmaEnabled = false
	}
	d.mu.Unlock()
}

// DMAStopped reports whether the DMA engines are idle.
func (d *Device) DMAStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.dmaEnabled
}

// Link returns the link state.
func (d *Device) Link() hw.LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link
}

// SetLink changes the link state and tells the host through the status block.
func (d *Device) SetLink(s hw.LinkState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == s {
		return
	}
	d.link = s
	if d.status == nil {
		return
	}
	d.status.SetStatus(hw.StatusLinkChanged)
	d.updateStatus()
	d.raise()
}

// raise signals an interrupt. Must be called with mu held.
func (d *Device) raise() {
	if d.masked {
		return
	}

	if d.stats != nil {
		hw.Add(&d.stats.InterruptsRaised, 1)
	}
	d.pendingRx = 0
	d.pendingTx = 0

	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// updateStatus marks the status block as rewritten. Must be called with mu
// held.
func (d *Device) updateStatus() {
	d.status.SetStatus(hw.StatusUpdated)
	if d.ic.TaggedStatus {
		d.status.BumpTag()
	}
}

// Deliver receives a frame from the wire: it is written into the next posted
// buffer along with its FCS, and a completion is added to the return ring.
func (d *Device) Deliver(f Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dmaEnabled || d.status == nil || d.stats == nil {
		return ErrDMADisabled
	}
	if !d.ret.configured() || !d.std.configured() {
		return fmt.Errorf("%w: receive rings", ErrNotConfigured)
	}
	if !d.link.Up {
		hw.Add(&d.stats.InDiscards, 1)
		return ErrLinkDown
	}

	total := len(f.Data) + 4
	ring, producer, flags := &d.std, d.mailboxes[hw.MailboxRxStandardProducer].Load(), uint16(0)
	if d.jumbo.configured() && total > d.std.maxLen {
		ring, producer, flags = &d.jumbo, d.mailboxes[hw.MailboxRxJumboProducer].Load(), hw.RecvFlagJumboRing
	}

	// The host has not posted a buffer for this frame.
	if ring.consumer == producer&ring.mask {
		hw.Add(&d.stats.NoMoreRxBuffers, 1)
		hw.Add(&d.stats.InDiscards, 1)
		return ErrNoBuffers
	}

	retProducer := d.status.ReturnProducer(0) & d.ret.mask
	if (retProducer+1)&d.ret.mask == d.mailboxes[hw.MailboxRxReturnConsumer].Load()&d.ret.mask {
		hw.Add(&d.stats.InDiscards, 1)
		return fmt.Errorf("%w: return ring is full", ErrNoBuffers)
	}

	posted := ring.slots[ring.consumer]
	ring.consumer = (ring.consumer + 1) & ring.mask
	if flags == 0 {
		d.status.SetRxStandardConsumer(ring.consumer)
	} else {
		d.status.SetRxJumboConsumer(ring.consumer)
	}

	errFlags := f.ErrorFlags
	length := total
	if total > int(posted.Length) {
		errFlags |= hw.RecvErrGiantFrame
		length = int(posted.Length)
	}
	if len(f.Data) < 60 {
		hw.Add(&d.stats.InUndersize, 1)
	}

	buf, err := d.region.Translate(dma.JoinAddress(posted.HostAddrHigh, posted.HostAddrLow), length)
	if err != nil {
		// A corrupt address is reported back as an aborted frame.
		d.l.WithError(err).WithField("opaque", posted.Opaque).Error("Receive buffer address does not translate")
		errFlags |= hw.RecvErrMACAbort
		length = 0
	} else {
		var fcs [4]byte
		n := copy(buf, f.Data)
		binary.LittleEndian.PutUint32(fcs[:], crc32.ChecksumIEEE(f.Data))
		copy(buf[n:], fcs[:])
		hw.Add(&d.stats.DMAWriteBursts, 1)
	}

	flags |= hw.RecvFlagEnd
	if errFlags != 0 {
		flags |= hw.RecvFlagFrameHasError
	}
	if errFlags&hw.RecvErrBadCRC != 0 {
		hw.Add(&d.stats.InFCSErrors, 1)
	}
	if f.VLANTag != 0 {
		flags |= hw.RecvFlagVLANTag
	}
	if f.Checksum != 0 {
		flags |= hw.RecvFlagTCPUDPChecksum
	}

	d.ret.slots[retProducer] = hw.RecvSlot{
		HostAddrHigh:   posted.HostAddrHigh,
		HostAddrLow:    posted.HostAddrLow,
		Index:          posted.Index,
		Length:         uint16(length),
		Flags:          flags,
		TCPUDPChecksum: f.Checksum,
		ErrorFlags:     errFlags,
		VLANTag:        f.VLANTag,
		Opaque:         posted.Opaque,
	}
	// The return slot is visible before the producer index moves.
	d.status.SetReturnProducer(0, (retProducer+1)&d.ret.mask)

	hw.Add(&d.stats.InOctets, uint64(total))
	hw.Add(&d.stats.InUcastPackets, 1)

	d.updateStatus()
	d.pendingRx++
	if d.pendingRx >= d.ic.RxFrames {
		d.raise()
	}
	return nil
}

// Process consumes every complete packet the host published on the send ring.
// Transmitted frames go to the wire function, the capture channel and, in
// loopback mode, back into the receive path. It returns the number of frames
// sent.
func (d *Device) Process() int {
	frames := d.consumeSendRing()

	for _, f := range frames {
		if d.wire != nil {
			d.wire(f.Data)
		}
		if d.captured != nil {
			select {
			case d.captured <- f.Data:
			default:
				d.l.Debug("Dropping captured frame, nobody is reading")
			}
		}
		if d.loopback {
			if err := d.Deliver(f); err != nil {
				d.l.WithError(err).Debug("Loopback frame dropped")
			}
		}
	}

	return len(frames)
}

func (d *Device) consumeSendRing() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dmaEnabled || d.send == nil || d.status == nil || d.stats == nil {
		return nil
	}

	// Loading the producer index is what makes the slots before it safe to
	// read.
	producer := d.mailboxes[hw.MailboxSendProducer].Load() & d.sendMask
	var frames []Frame

	for d.sendCons != producer {
		var (
			data     []byte
			vlan     uint16
			complete bool
			bad      bool
		)

		idx := d.sendCons
		for idx != producer {
			s := d.send[idx]
			idx = (idx + 1) & d.sendMask

			length, flags := hw.UnpackLenFlags(s.LenFlags)
			mem, err := d.region.Translate(dma.JoinAddress(s.HostAddrHigh, s.HostAddrLow), length)
			if err != nil {
				d.l.WithError(err).Error("Send buffer address does not translate")
				bad = true
			} else {
				data = append(data, mem...)
				hw.Add(&d.stats.DMAReadBursts, 1)
			}
			if flags&hw.SendFlagVLANTag != 0 {
				vlan = uint16(s.VLANTag)
			}
			if flags&hw.SendFlagEnd != 0 {
				complete = true
				break
			}
		}

		if !complete {
			// The rest of the packet has not been published yet.
			break
		}

		d.sendCons = idx
		d.status.SetSendConsumer(0, idx)
		if bad {
			hw.Add(&d.stats.OutDiscards, 1)
			continue
		}

		hw.Add(&d.stats.OutOctets, uint64(len(data)))
		hw.Add(&d.stats.OutUcastPackets, 1)
		frames = append(frames, Frame{Data: data, VLANTag: vlan})
	}

	if len(frames) > 0 {
		d.updateStatus()
		d.pendingTx += uint32(len(frames))
		if d.pendingTx >= d.ic.TxFrames {
			d.raise()
		}
	}

	return frames
}

// Tick raises an interrupt for completions still waiting on the coalescing
// frame count.
func (d *Device) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pendingRx > 0 || d.pendingTx > 0 {
		d.raise()
	}
}

// Get returns a frame the device transmitted, when capture is enabled. With
// block set it waits for one.
func (d *Device) Get(block bool) []byte {
	if d.captured == nil {
		return nil
	}

	if block {
		return <-d.captured
	}

	select {
	case f := <-d.captured:
		return f
	default:
		return nil
	}
}

// Run processes the send ring whenever the host publishes to it and flushes
// coalesced interrupts on the coalescing tick, until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	ticks := min(d.ic.RxTicks, d.ic.TxTicks)
	d.mu.Unlock()

	interval := max(time.Duration(ticks)*time.Microsecond, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
			d.Process()
		case <-ticker.C:
			d.Process()
			d.Tick()
		}
	}
}
