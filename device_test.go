package tigon

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/emulator"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/pool"
	"github.com/slackhq/tigon/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeviceConfig() DeviceConfig {
	cfg := DefaultDeviceConfig()
	cfg.TxRing = 16
	cfg.RxStandardRing = 16
	cfg.RxReturnRing = 32
	cfg.TxDescriptors = 8
	cfg.RxStandardDescriptors = 8
	// Zero frame counts raise an interrupt for every completion.
	cfg.Interrupts = hw.InterruptConfig{TaggedStatus: true}
	cfg.DMATimeout = 50 * time.Millisecond
	cfg.ResetTimeout = 50 * time.Millisecond
	return cfg
}

// testAllocator is a slab that can be told to fail, and that ignores buffers
// the test placed by hand.
type testAllocator struct {
	*dma.Slab
	fail    bool
	foreign map[uint64]bool
}

func (a *testAllocator) Alloc(size int) (dma.Buffer, error) {
	if a.fail {
		return dma.Buffer{}, dma.ErrOutOfBuffers
	}
	return a.Slab.Alloc(size)
}

func (a *testAllocator) Free(b dma.Buffer) {
	if a.foreign[b.Addr] {
		delete(a.foreign, b.Addr)
		return
	}
	a.Slab.Free(b)
}

type testDevice struct {
	*Device
	emu    *emulator.Device
	region *dma.Region
	alloc  *testAllocator
}

type testSetup struct {
	regionSize int
	busBase    uint64
	failAlloc  bool
	emuOpts    []emulator.Option
	devOpts    []DeviceOption
	// wrap lets a test put something between the device and the emulator.
	wrap func(hw.Registers) hw.Registers
}

func newTestDevice(t *testing.T, cfg DeviceConfig, emuOpts ...emulator.Option) *testDevice {
	return newTestDeviceWith(t, cfg, testSetup{emuOpts: emuOpts})
}

func newTestDeviceWith(t *testing.T, cfg DeviceConfig, s testSetup) *testDevice {
	t.Helper()
	td, err := buildTestDevice(t, cfg, s)
	require.NoError(t, err)
	return td
}

func buildTestDevice(t *testing.T, cfg DeviceConfig, s testSetup) (*testDevice, error) {
	t.Helper()
	l := test.NewLogger()

	size := s.regionSize
	if size == 0 {
		size = cfg.MemorySize()
	}
	busBase := s.busBase
	if busBase == 0 {
		busBase = cfg.BusBase
	}

	region, err := dma.NewRegion(size, busBase)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	slab, err := dma.NewSlab(region, cfg.BufferClasses()...)
	require.NoError(t, err)
	alloc := &testAllocator{Slab: slab, fail: s.failAlloc, foreign: map[uint64]bool{}}

	emu := emulator.New(l, region, s.emuOpts...)
	var regs hw.Registers = emu
	if s.wrap != nil {
		regs = s.wrap(emu)
	}

	opts := append([]DeviceOption{WithMetricsRegistry(metrics.NewRegistry())}, s.devOpts...)
	d, err := NewDevice(context.Background(), l, cfg, regs, region, alloc, opts...)
	if err != nil {
		return nil, err
	}

	return &testDevice{Device: d, emu: emu, region: region, alloc: alloc}, nil
}

// checkOwnership verifies that every descriptor is in exactly one place and
// that its recorded owner matches that place.
func checkOwnership(t *testing.T, d *Device) {
	t.Helper()

	seen := make(map[pool.Handle]string)
	mark := func(where string, owner pool.Owner, hs []pool.Handle) {
		for _, h := range hs {
			if prev, ok := seen[h]; ok {
				t.Fatalf("packet %d is in %s and in %s", h, prev, where)
			}
			seen[h] = where
			assert.Equal(t, owner, d.pool.Get(h).Owner(), "packet %d in %s", h, where)
		}
	}

	mark("rx free", pool.OwnerFree, d.rx.free.Snapshot())
	mark("rx received", pool.OwnerCompleted, d.rx.received.Snapshot())
	mark("rx out of buffer", pool.OwnerOutOfBuffer, d.rx.outOfBuffer.Snapshot())
	mark("tx free", pool.OwnerFree, d.tx.free.Snapshot())
	mark("tx active", pool.OwnerDevice, d.tx.active.Snapshot())
	mark("tx transmitted", pool.OwnerCompleted, d.tx.xmitted.Snapshot())

	rxDevice := 0
	d.pool.ForEach(func(p *pool.Packet) {
		if _, ok := seen[p.Handle()]; ok {
			return
		}
		switch {
		case p.Owner() == pool.OwnerCaller:
		case p.Owner() == pool.OwnerDevice && p.Affinity() != pool.AffinityTx:
			rxDevice++
		default:
			t.Errorf("packet %d (%s) owned by %s is in no queue", p.Handle(), p.Affinity(), p.Owner())
		}
	})
	assert.Equal(t, d.rx.posted, rxDevice)
}

// sendFrame acquires a descriptor, adds one fragment per part and sends it.
func sendFrame(t *testing.T, d *Device, parts ...[]byte) *pool.Packet {
	t.Helper()
	p, err := d.Acquire()
	require.NoError(t, err)
	for _, b := range parts {
		require.NoError(t, d.AppendFragment(p, b))
	}
	require.NoError(t, d.Send(p))
	return p
}

func frameOf(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func TestNewDevice(t *testing.T) {
	cfg := testDeviceConfig()
	d := newTestDevice(t, cfg)

	assert.Equal(t, map[pool.Owner]int{
		pool.OwnerFree:   cfg.TxDescriptors,
		pool.OwnerDevice: cfg.RxStandardDescriptors,
	}, d.Census())
	assert.Equal(t, cfg.TxRing-1, d.Credits())
	assert.Equal(t, RxReady, d.RxState())
	assert.Equal(t, ReconcilerIdle, d.ReconcilerState())
	assert.False(t, d.Stalled())
	assert.Equal(t, uint32(cfg.RxStandardDescriptors), d.emu.ReadMailbox(hw.MailboxRxStandardProducer))
	assert.Equal(t, hw.InterruptMasked, d.emu.ReadMailbox(hw.MailboxInterrupt))
	assert.True(t, d.Link().Up)
	checkOwnership(t, d.Device)

	// Every posted slot names its descriptor and buffer.
	for i := 0; i < cfg.RxStandardDescriptors; i++ {
		s := d.rx.order[0].(*standardRing).slots[i]
		h, err := d.pool.Resolve(s.Opaque)
		require.NoError(t, err)
		p := d.pool.Get(h)
		assert.Equal(t, pool.AffinityRxStandard, p.Affinity())
		assert.Equal(t, p.Buffer.Addr, dma.JoinAddress(s.HostAddrHigh, s.HostAddrLow))
		assert.Equal(t, uint16(cfg.StandardBufferSize), s.Length)
		assert.Equal(t, hw.RecvFlagEnd, s.Flags)
	}
}

func TestNewDevice_InvalidConfig(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.TxDescriptors = cfg.TxRing

	region, err := dma.NewRegion(1<<20, cfg.BusBase)
	require.NoError(t, err)
	defer region.Close()

	slab, err := dma.NewSlab(region, dma.SizeClass{Size: 2048, Count: 4})
	require.NoError(t, err)

	_, err = NewDevice(context.Background(), test.NewLogger(), cfg, emulator.New(test.NewLogger(), region), region, slab)
	assert.ErrorContains(t, err, "device.descriptors.tx")
}

func TestNewDevice_FirmwareTimeout(t *testing.T) {
	_, err := buildTestDevice(t, testDeviceConfig(), testSetup{
		emuOpts: []emulator.Option{emulator.WithStuckFirmware()},
	})
	assert.ErrorIs(t, err, ErrDeviceTimeout)
}

func TestNewDevice_AllocationFailure(t *testing.T) {
	cfg := testDeviceConfig()
	d := newTestDeviceWith(t, cfg, testSetup{failAlloc: true})

	assert.Equal(t, map[pool.Owner]int{
		pool.OwnerFree:        cfg.TxDescriptors,
		pool.OwnerOutOfBuffer: cfg.RxStandardDescriptors,
	}, d.Census())
	assert.Equal(t, RxEmpty, d.RxState())
	assert.Equal(t, int64(cfg.RxStandardDescriptors), d.Stats().RxAllocFailed)
	checkOwnership(t, d.Device)
}

func TestDevice_Jumbo(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.MTU = 9000
	cfg.RxStandardDescriptors = 4
	cfg.RxJumboRing = 8
	cfg.RxJumboDescriptors = 4
	d := newTestDevice(t, cfg)

	assert.Equal(t, uint32(4), d.emu.ReadMailbox(hw.MailboxRxStandardProducer))
	assert.Equal(t, uint32(4), d.emu.ReadMailbox(hw.MailboxRxJumboProducer))

	small := frameOf(100, 1)
	big := frameOf(4000, 2)
	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: small}))
	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: big}))

	_, err := d.Service()
	require.NoError(t, err)

	p, ok := d.Receive()
	require.True(t, ok)
	assert.Equal(t, pool.AffinityRxStandard, p.Affinity())
	assert.Equal(t, small, p.Frame())
	require.NoError(t, d.Release(p))

	p, ok = d.Receive()
	require.True(t, ok)
	assert.Equal(t, pool.AffinityRxJumbo, p.Affinity())
	assert.NotZero(t, p.Flags&hw.RecvFlagJumboRing)
	assert.Equal(t, big, p.Frame())
	require.NoError(t, d.Release(p))

	checkOwnership(t, d.Device)
}

func TestDevice_HardwareStats(t *testing.T) {
	d := newTestDevice(t, testDeviceConfig(), emulator.WithLoopback())

	sendFrame(t, d.Device, frameOf(60, 7))
	assert.Equal(t, 1, d.emu.Process())

	hs := d.HardwareStats()
	assert.Equal(t, uint64(1), hs.OutUcastPackets)
	assert.Equal(t, uint64(60), hs.OutOctets)
	assert.Equal(t, uint64(1), hs.InUcastPackets)
	assert.Equal(t, uint64(64), hs.InOctets)
}

func TestDeviceConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*DeviceConfig)
		err    string
	}{
		{name: "default", modify: func(*DeviceConfig) {}},
		{name: "chip", modify: func(c *DeviceConfig) { c.Chip = "5705" }, err: "device.chip"},
		{name: "ring not power of 2", modify: func(c *DeviceConfig) { c.TxRing = 500 }, err: "device.rings.tx"},
		{name: "too many tx descriptors", modify: func(c *DeviceConfig) { c.TxDescriptors = c.TxRing }, err: "device.descriptors.tx"},
		{name: "no rx descriptors", modify: func(c *DeviceConfig) { c.RxStandardDescriptors = 0 }, err: "device.descriptors.rx_standard"},
		{name: "small return ring", modify: func(c *DeviceConfig) { c.RxReturnRing = 128 }, err: "device.rings.rx_return"},
		{name: "small buffers", modify: func(c *DeviceConfig) { c.StandardBufferSize = 1000 }, err: "device.buffers.standard"},
		{name: "jumbo mtu", modify: func(c *DeviceConfig) { c.MTU = 9000 }, err: "jumbo receive descriptors"},
		{name: "small jumbo buffers", modify: func(c *DeviceConfig) {
			c.MTU = 9000
			c.RxJumboDescriptors = 16
			c.JumboBufferSize = 4096
		}, err: "device.buffers.jumbo"},
		{name: "timeout", modify: func(c *DeviceConfig) { c.DMATimeout = 0 }, err: "shutdown.dma_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDeviceConfig()
			tt.modify(&cfg)
			err := cfg.validate()
			if tt.err == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.err)
			}
		})
	}
}

func TestDeviceConfig_BufferClasses(t *testing.T) {
	cfg := DefaultDeviceConfig()
	assert.Equal(t, []dma.SizeClass{{Size: 1536, Count: 256 + 256 + 32 + 1}}, cfg.BufferClasses())

	cfg.MTU = 9000
	cfg.RxJumboDescriptors = 64
	classes := cfg.BufferClasses()
	require.Len(t, classes, 2)
	assert.Equal(t, dma.SizeClass{Size: 9018, Count: 64 + 32 + 1}, classes[1])
	assert.Greater(t, cfg.MemorySize(), dma.SlabSize(classes...))
}
