package tigon

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/pool"
)

// controlAlignment is the alignment of the status block, the stats block and
// every ring in DMA memory.
const controlAlignment = 64

// Device is one NIC and everything the host keeps for it. Every entry point
// takes the device explicitly, nothing is global.
//
// A Device is not safe for concurrent use. The interrupt path and the caller
// path must be serialized by the caller, with the exception of Service, which
// refuses to run twice at once.
type Device struct {
	l      *logrus.Logger
	cfg    DeviceConfig
	regs   hw.Registers
	region *dma.Region
	alloc  dma.Allocator
	link   LinkStatus

	pool    *pool.Pool
	status  *hw.StatusBlock
	stats   *hw.StatsBlock
	metrics *RingMetrics

	rx   *rxManager
	tx   *txManager
	intr *interruptReconciler

	onTxComplete func(*pool.Packet)
	halted       atomic.Bool
	closed       bool
}

type deviceOptions struct {
	link       LinkStatus
	registry   metrics.Registry
	onComplete func(*pool.Packet)
}

// DeviceOption can be passed to [NewDevice] to influence device creation.
type DeviceOption func(*deviceOptions)

// WithLink sets the link collaborator. Without it the registers are asked,
// when they implement [LinkStatus], and the link is otherwise assumed up.
func WithLink(l LinkStatus) DeviceOption {
	return func(o *deviceOptions) { o.link = l }
}

// WithMetricsRegistry registers the ring counters in r instead of the default
// registry.
func WithMetricsRegistry(r metrics.Registry) DeviceOption {
	return func(o *deviceOptions) { o.registry = r }
}

// WithTxCompletion sets a function called for every transmit descriptor right
// before it goes back to the free queue, with its final status.
func WithTxCompletion(f func(*pool.Packet)) DeviceOption {
	return func(o *deviceOptions) { o.onComplete = f }
}

// NewDevice resets the device behind regs, lays out its rings in region and
// posts the first receive buffers. Interrupts are left masked, call
// [Device.EnableInterrupts] once the interrupt path is ready.
func NewDevice(ctx context.Context, l *logrus.Logger, cfg DeviceConfig, regs hw.Registers, region *dma.Region, alloc dma.Allocator, options ...DeviceOption) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := deviceOptions{registry: metrics.DefaultRegistry}
	for _, o := range options {
		o(&opts)
	}
	if opts.link == nil {
		if ls, ok := regs.(LinkStatus); ok {
			opts.link = ls
		} else {
			opts.link = StaticLink{Up: true, SpeedMbps: 1000, FullDuplex: true}
		}
	}

	d := &Device{
		l:            l,
		cfg:          cfg,
		regs:         regs,
		region:       region,
		alloc:        alloc,
		link:         opts.link,
		metrics:      newRingMetrics(opts.registry),
		onTxComplete: opts.onComplete,
	}

	if err := regs.Reset(); err != nil {
		return nil, fmt.Errorf("reset device: %w", err)
	}
	if err := waitUntil(ctx, cfg.ResetTimeout, regs.Ready); err != nil {
		return nil, fmt.Errorf("%w: device not ready after reset: %w", ErrDeviceTimeout, err)
	}

	if err := d.layout(); err != nil {
		return nil, err
	}

	l.WithFields(logrus.Fields{
		"name":        cfg.Name,
		"chip":        cfg.Chip,
		"mtu":         cfg.MTU,
		"txRing":      cfg.TxRing,
		"rxRing":      cfg.RxStandardRing,
		"jumbo":       cfg.RxJumboDescriptors > 0,
		"taggedStats": cfg.Interrupts.TaggedStatus,
		"link":        d.link.Link().String(),
	}).Info("Device initialized")

	return d, nil
}

// layout carves the shared memory, hands it to the device and seeds the free
// queues.
func (d *Device) layout() error {
	cfg := &d.cfg

	carve := func(name string, size int) ([]byte, uint64, error) {
		mem, addr, err := d.region.Carve(size, controlAlignment)
		if err != nil {
			return nil, 0, fmt.Errorf("carve %s: %w", name, err)
		}
		return mem, addr, nil
	}

	mem, addr, err := carve("status block", hw.StatusBlockSize)
	if err != nil {
		return err
	}
	d.status = hw.NewStatusBlock(mem)
	if err := d.regs.ConfigureStatusBlock(addr); err != nil {
		return fmt.Errorf("configure status block: %w", err)
	}

	mem, addr, err = carve("stats block", hw.StatsBlockSize)
	if err != nil {
		return err
	}
	d.stats = hw.NewStatsBlock(mem)
	if err := d.regs.ConfigureStatsBlock(addr); err != nil {
		return fmt.Errorf("configure stats block: %w", err)
	}

	mem, addr, err = carve("send ring", hw.SendRingSize(cfg.TxRing))
	if err != nil {
		return err
	}
	sendRing := hw.SendRing(mem, cfg.TxRing)
	if err := d.regs.ConfigureRing(hw.RingControl{Kind: hw.RingSend, Addr: addr, Entries: cfg.TxRing}); err != nil {
		return fmt.Errorf("configure send ring: %w", err)
	}

	recvRing := func(kind hw.RingKind, entries, maxLen int) ([]hw.RecvSlot, error) {
		mem, addr, err := carve(kind.String()+" ring", hw.RecvRingSize(entries))
		if err != nil {
			return nil, err
		}
		rc := hw.RingControl{Kind: kind, Addr: addr, Entries: entries, MaxLen: maxLen}
		if err := d.regs.ConfigureRing(rc); err != nil {
			return nil, fmt.Errorf("configure %s ring: %w", kind, err)
		}
		return hw.RecvRing(mem, entries), nil
	}

	std, err := recvRing(hw.RingRxStandard, cfg.RxStandardRing, cfg.StandardBufferSize)
	if err != nil {
		return err
	}

	var jumbo []hw.RecvSlot
	if cfg.RxJumboDescriptors > 0 {
		if jumbo, err = recvRing(hw.RingRxJumbo, cfg.RxJumboRing, cfg.JumboBufferSize); err != nil {
			return err
		}
	}

	ret, err := recvRing(hw.RingRxReturn, cfg.RxReturnRing, 0)
	if err != nil {
		return err
	}

	d.regs.ConfigureInterrupts(cfg.Interrupts)

	d.pool, err = pool.New(
		pool.WithTxCount(cfg.TxDescriptors),
		pool.WithRxStandardCount(cfg.RxStandardDescriptors),
		pool.WithRxJumboCount(cfg.RxJumboDescriptors),
		pool.WithStandardBufferSize(cfg.StandardBufferSize),
		pool.WithJumboBufferSize(cfg.JumboBufferSize),
	)
	if err != nil {
		return err
	}

	if d.rx, err = newRxManager(d, std, jumbo, ret); err != nil {
		return err
	}
	if d.tx, err = newTxManager(d, sendRing); err != nil {
		return err
	}
	if err := d.pool.Seed(d.tx.free, d.rx.free); err != nil {
		return err
	}
	d.intr = newInterruptReconciler(d)

	d.intr.Disable()
	d.regs.EnableDMA()

	if _, err := d.rx.Replenish(); err != nil {
		// Whatever is short is retried from the interrupt path.
		d.l.WithError(err).Warn("Failed to post every receive buffer")
	}

	return nil
}

// Name returns the configured device name.
func (d *Device) Name() string {
	return d.cfg.Name
}

// Config returns the configuration the device was created with.
func (d *Device) Config() DeviceConfig {
	return d.cfg
}

// Acquire hands out a free transmit descriptor. Fill its Fragments, with
// [Device.AppendFragment] or buffers from [Device.AllocBuffer], then Send or
// Discard it.
func (d *Device) Acquire() (*pool.Packet, error) {
	if d.halted.Load() {
		return nil, ErrHalted
	}
	return d.tx.Acquire()
}

// AllocBuffer allocates a DMA buffer of size bytes.
func (d *Device) AllocBuffer(size int) (dma.Buffer, error) {
	buf, err := d.alloc.Alloc(size)
	if err != nil {
		return dma.Buffer{}, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	return buf, nil
}

// FreeBuffer gives a buffer from AllocBuffer or Detach back.
func (d *Device) FreeBuffer(b dma.Buffer) {
	d.alloc.Free(b)
}

// AppendFragment copies data into a new DMA buffer and adds it as the next
// fragment of p.
func (d *Device) AppendFragment(p *pool.Packet, data []byte) error {
	if p.Affinity() != pool.AffinityTx || p.Owner() != pool.OwnerCaller {
		return fmt.Errorf("%w: packet %d is %s owned by %s", ErrNotOwner, p.Handle(), p.Affinity(), p.Owner())
	}

	buf, err := d.AllocBuffer(len(data))
	if err != nil {
		return err
	}
	copy(buf.Data, data)
	p.Fragments = append(p.Fragments, buf)
	return nil
}

// Send posts p to the send ring. On ErrBusy, ErrLinkDown or an allocation
// error the caller still owns p and may retry or Discard it.
func (d *Device) Send(p *pool.Packet) error {
	if d.halted.Load() {
		return ErrHalted
	}
	return d.tx.Send(p)
}

// Discard gives back a transmit descriptor that will not be sent.
func (d *Device) Discard(p *pool.Packet) error {
	return d.tx.Discard(p)
}

// Receive returns the oldest received frame, if any. The descriptor belongs to
// the caller until Release or Detach.
func (d *Device) Receive() (*pool.Packet, bool) {
	return d.rx.Receive()
}

// Release gives a received descriptor back.
func (d *Device) Release(p *pool.Packet) error {
	return d.rx.Release(p)
}

// Detach gives a received descriptor back but keeps its buffer, trimmed to the
// frame, for the caller. Hand it to FreeBuffer when done.
func (d *Device) Detach(p *pool.Packet) (dma.Buffer, error) {
	return d.rx.Detach(p)
}

// Replenish posts free receive descriptors to the device.
func (d *Device) Replenish() (int, error) {
	if d.halted.Load() {
		return 0, ErrHalted
	}
	return d.rx.Replenish()
}

// Service runs the interrupt path. Call it for every interrupt, or on a poll
// tick.
func (d *Device) Service() (int, error) {
	if d.halted.Load() {
		return 0, ErrHalted
	}
	return d.intr.Service()
}

// Interrupts delivers a value for every interrupt the device raises.
func (d *Device) Interrupts() <-chan struct{} {
	return d.regs.Interrupts()
}

// EnableInterrupts unmasks device interrupts.
func (d *Device) EnableInterrupts() {
	d.intr.Enable()
}

// DisableInterrupts masks device interrupts.
func (d *Device) DisableInterrupts() {
	d.intr.Disable()
}

// Credits returns the number of free send slots.
func (d *Device) Credits() int {
	return d.tx.credits
}

// Stalled reports whether a transmit was refused for lack of descriptors and
// nothing completed since.
func (d *Device) Stalled() bool {
	return d.tx.stalled
}

// RxState returns where the receive side is in its cycle.
func (d *Device) RxState() RxState {
	return d.rx.state
}

// ReconcilerState returns whether the interrupt path is being serviced.
func (d *Device) ReconcilerState() ReconcilerState {
	return d.intr.State()
}

// Link returns the current link state.
func (d *Device) Link() hw.LinkState {
	return d.link.Link()
}

// Census returns how many descriptors each owner holds.
func (d *Device) Census() map[pool.Owner]int {
	return d.pool.Census()
}

// Stats returns the ring counters.
func (d *Device) Stats() RingStats {
	return d.metrics.snapshot()
}

// HardwareStats returns the counters the device keeps in the stats block.
func (d *Device) HardwareStats() hw.StatsBlock {
	return d.stats.Snapshot()
}

// QueueDepths reports how many descriptors sit in each host queue.
func (d *Device) QueueDepths() map[string]int {
	return map[string]int{
		"rx_free":          d.rx.free.Count(),
		"rx_received":      d.rx.received.Count(),
		"rx_out_of_buffer": d.rx.outOfBuffer.Count(),
		"rx_posted":        d.rx.posted,
		"tx_free":          d.tx.free.Count(),
		"tx_active":        d.tx.active.Count(),
		"tx_transmitted":   d.tx.xmitted.Count(),
	}
}
