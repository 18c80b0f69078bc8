package tigon

import (
	"testing"

	"github.com/slackhq/tigon/emulator"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/pool"
	"github.com/slackhq/tigon/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRx_SingleDescriptor(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.RxStandardDescriptors = 1
	d := newTestDevice(t, cfg)

	require.Equal(t, 1, d.Census()[pool.OwnerDevice])
	require.Equal(t, uint32(1), d.emu.ReadMailbox(hw.MailboxRxStandardProducer))

	frame := frameOf(64, 0xaa)
	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frame}))

	// The completion moves exactly one descriptor off the ring.
	assert.Equal(t, 1, d.rx.ServiceRx())
	assert.Equal(t, 1, d.rx.received.Count())
	assert.Equal(t, 0, d.rx.posted)
	assert.Equal(t, RxEmpty, d.RxState())
	assert.Equal(t, uint32(1), d.emu.ReadMailbox(hw.MailboxRxReturnConsumer))
	checkOwnership(t, d.Device)

	p, ok := d.Receive()
	require.True(t, ok)
	assert.Equal(t, frame, p.Frame())
	assert.Equal(t, pool.StatusSuccess, p.Status)
	require.NoError(t, d.Release(p))

	// Replenishing posts exactly that one descriptor again.
	n, err := d.Replenish()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(2), d.emu.ReadMailbox(hw.MailboxRxStandardProducer))
	assert.Equal(t, RxReady, d.RxState())
	checkOwnership(t, d.Device)
}

func TestRx_FrameErrors(t *testing.T) {
	cfg := testDeviceConfig()
	d := newTestDevice(t, cfg)

	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(64, 1), ErrorFlags: hw.RecvErrBadCRC}))
	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(64, 2), ErrorFlags: hw.RecvErrPHYDecode | hw.RecvErrOddNibbleMII}))

	assert.Equal(t, 2, d.rx.ServiceRx())
	assert.Equal(t, 0, d.rx.received.Count())
	assert.Equal(t, 2, d.rx.free.Count())

	// Dropped frames keep their buffer for the next post.
	for _, h := range d.rx.free.Snapshot() {
		assert.True(t, d.pool.Get(h).Buffer.Valid())
	}

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.RxErrors)
	assert.Equal(t, map[string]int64{
		"bad_crc":        1,
		"phy_decode":     1,
		"odd_nibble_mii": 1,
	}, stats.RxErrorKinds)
	assert.Zero(t, stats.RxPackets)
	checkOwnership(t, d.Device)

	allocs := d.alloc.Available(cfg.StandardBufferSize)
	n, err := d.Replenish()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, allocs, d.alloc.Available(cfg.StandardBufferSize))
}

func TestRx_OddNibbleMIIIsDelivered(t *testing.T) {
	d := newTestDevice(t, testDeviceConfig())

	frame := frameOf(80, 3)
	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frame, ErrorFlags: hw.RecvErrOddNibbleMII}))
	assert.Equal(t, 1, d.rx.ServiceRx())

	p, ok := d.Receive()
	require.True(t, ok)
	assert.Equal(t, frame, p.Frame())
	assert.Equal(t, hw.RecvErrOddNibbleMII, p.ErrorFlags)
	require.NoError(t, d.Release(p))

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.RxMIIQuirk)
	assert.Equal(t, int64(1), stats.RxPackets)
	assert.Equal(t, map[string]int64{"odd_nibble_mii": 1}, stats.RxErrorKinds)
}

func TestRx_SlotMetadata(t *testing.T) {
	d := newTestDevice(t, testDeviceConfig())

	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(100, 4), VLANTag: 42, Checksum: 0xbeef}))
	d.rx.ServiceRx()

	p, ok := d.Receive()
	require.True(t, ok)
	assert.Equal(t, 100, p.Size)
	assert.Equal(t, uint16(42), p.VLANTag)
	assert.Equal(t, uint16(0xbeef), p.Checksum)
	assert.NotZero(t, p.Flags&hw.RecvFlagVLANTag)
	require.NoError(t, d.Release(p))
}

func TestRx_Oversize(t *testing.T) {
	cfg := testDeviceConfig()
	d := newTestDevice(t, cfg)

	// Fits the buffer but not the MTU.
	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(cfg.MaxFrameSize()+6, 5)}))
	d.rx.ServiceRx()

	_, ok := d.Receive()
	assert.False(t, ok)
	assert.Equal(t, int64(1), d.Stats().RxOversize)
	assert.Equal(t, 1, d.rx.free.Count())
	checkOwnership(t, d.Device)
}

func TestRx_GiantFrame(t *testing.T) {
	cfg := testDeviceConfig()
	d := newTestDevice(t, cfg)

	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(cfg.StandardBufferSize, 6)}))
	d.rx.ServiceRx()

	_, ok := d.Receive()
	assert.False(t, ok)
	assert.Equal(t, map[string]int64{"giant_frame": 1}, d.Stats().RxErrorKinds)
	checkOwnership(t, d.Device)
}

func TestRx_OutOfBufferRecovery(t *testing.T) {
	cfg := testDeviceConfig()
	l, hook := test.NewLoggerWithHook()
	d := newTestDeviceWith(t, cfg, testSetup{failAlloc: true})
	d.l = l
	d.rx.l = l

	require.Equal(t, cfg.RxStandardDescriptors, d.rx.outOfBuffer.Count())

	// Still no memory, nothing moves and the shortage is reported.
	n, err := d.rx.ReplenishOutOfBuffer()
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, cfg.RxStandardDescriptors, d.rx.outOfBuffer.Count())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Out of RX memory", hook.LastEntry().Message)
	checkOwnership(t, d.Device)

	d.alloc.fail = false
	n, err = d.rx.ReplenishOutOfBuffer()
	require.NoError(t, err)
	assert.Equal(t, cfg.RxStandardDescriptors, n)
	assert.Zero(t, d.rx.outOfBuffer.Count())
	assert.Equal(t, cfg.RxStandardDescriptors, d.rx.posted)
	assert.Equal(t, RxReady, d.RxState())
	checkOwnership(t, d.Device)
}

func TestRx_OutOfBufferMidBatch(t *testing.T) {
	cfg := testDeviceConfig()
	d := newTestDevice(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(64, byte(i))}))
	}
	d.rx.ServiceRx()

	// Detached frames take their buffer along, the descriptors need new ones.
	for _n := 0; _n < 3; _n++ {
		p, ok := d.Receive()
		require.True(t, ok)
		buf, err := d.Detach(p)
		require.NoError(t, err)
		assert.Len(t, buf.Data, 64)
		defer d.FreeBuffer(buf)
	}

	d.alloc.fail = true
	n, err := d.Replenish()
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Zero(t, n)
	assert.Equal(t, 3, d.rx.outOfBuffer.Count())
	assert.Equal(t, int64(3), d.Stats().RxAllocFailed)
	checkOwnership(t, d.Device)

	d.alloc.fail = false
	_, err = d.Service()
	require.NoError(t, err)
	assert.Zero(t, d.rx.outOfBuffer.Count())
	assert.Equal(t, cfg.RxStandardDescriptors, d.rx.posted)
	checkOwnership(t, d.Device)
}

func TestRx_ReleaseChecksOwnership(t *testing.T) {
	d := newTestDevice(t, testDeviceConfig())

	posted := d.pool.Get(pool.Handle(d.rx.order[0].(*standardRing).slots[0].Opaque))
	assert.ErrorIs(t, d.Release(posted), ErrNotOwner)

	tx, err := d.Acquire()
	require.NoError(t, err)
	assert.ErrorIs(t, d.Release(tx), ErrNotOwner)
	_, err = d.Detach(tx)
	assert.ErrorIs(t, err, ErrNotOwner)
	require.NoError(t, d.Discard(tx))
}

func TestRx_UnknownRing(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.MTU = 9000
	cfg.RxStandardDescriptors = 4
	cfg.RxJumboRing = 8
	cfg.RxJumboDescriptors = 4
	d := newTestDevice(t, cfg)

	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(4000, 1)}))
	require.Equal(t, 1, d.rx.ServiceRx())
	p, ok := d.Receive()
	require.True(t, ok)
	require.Equal(t, pool.AffinityRxJumbo, p.Affinity())
	require.NoError(t, d.Release(p))

	delete(d.rx.rings, pool.AffinityRxJumbo)
	n, err := d.Replenish()
	assert.ErrorIs(t, err, ErrUnknownRing)
	assert.Zero(t, n)

	// The descriptor stays free with its buffer.
	assert.Equal(t, 1, d.rx.free.Count())
	assert.True(t, p.Buffer.Valid())
	checkOwnership(t, d.Device)
}

func TestRx_BadOpaqueIsSkipped(t *testing.T) {
	d := newTestDevice(t, testDeviceConfig())

	require.NoError(t, d.emu.Deliver(emulator.Frame{Data: frameOf(64, 1)}))
	d.rx.ret[0].Opaque = 1 << 20

	assert.Equal(t, 1, d.rx.ServiceRx())
	assert.Zero(t, d.rx.received.Count())
	assert.Equal(t, int64(0), d.Stats().RxPackets)
}

func TestRxState_String(t *testing.T) {
	assert.Equal(t, "empty", RxEmpty.String())
	assert.Equal(t, "draining", RxDraining.String())
	assert.Equal(t, "rx_state(9)", RxState(9).String())
}
