package hw

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRingSize(t *testing.T) {
	tests := []struct {
		name        string
		entries     int
		containsErr string
	}{
		{name: "zero", entries: 0, containsErr: "too small"},
		{name: "one", entries: 1, containsErr: "too small"},
		{name: "not a power of 2", entries: 500, containsErr: "not a power of 2"},
		{name: "too large", entries: 65536, containsErr: "larger than the maximum"},
		{name: "valid 2", entries: 2},
		{name: "valid 512", entries: 512},
		{name: "valid max", entries: MaxRingSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRingSize(tt.entries)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrRingSizeInvalid)
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecvSlot_MemoryLayout(t *testing.T) {
	assert.Equal(t, 32, RecvSlotSize)

	memory := make([]byte, RecvRingSize(1))
	ring := RecvRing(memory, 1)
	ring[0] = RecvSlot{
		HostAddrHigh:   0x00000001,
		HostAddrLow:    0x23456789,
		Index:          0x0102,
		Length:         0x05ea,
		Type:           0x0304,
		Flags:          RecvFlagEnd | RecvFlagJumboRing,
		IPChecksum:     0xaabb,
		TCPUDPChecksum: 0xccdd,
		ErrorFlags:     RecvErrBadCRC,
		VLANTag:        0x0064,
		Opaque:         0xdeadbeef,
	}

	assert.Equal(t, []byte{
		0x01, 0x00, 0x00, 0x00,
		0x89, 0x67, 0x45, 0x23,
		0x02, 0x01,
		0xea, 0x05,
		0x04, 0x03,
		0x24, 0x00,
		0xbb, 0xaa,
		0xdd, 0xcc,
		0x01, 0x00,
		0x64, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0xef, 0xbe, 0xad, 0xde,
	}, memory)
}

func TestSendSlot_MemoryLayout(t *testing.T) {
	assert.Equal(t, 16, SendSlotSize)

	memory := make([]byte, SendRingSize(1))
	ring := SendRing(memory, 1)
	ring[0] = SendSlot{
		HostAddrHigh: 0,
		HostAddrLow:  0x00102000,
		LenFlags:     PackLenFlags(1514, SendFlagEnd|SendFlagVLANTag),
		VLANTag:      7,
	}

	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x20, 0x10, 0x00,
		0x44, 0x00, 0xea, 0x05,
		0x07, 0x00, 0x00, 0x00,
	}, memory)

	length, flags := UnpackLenFlags(ring[0].LenFlags)
	assert.Equal(t, 1514, length)
	assert.Equal(t, SendFlagEnd|SendFlagVLANTag, flags)
}

func TestRing_WrongSizePanics(t *testing.T) {
	assert.Panics(t, func() { RecvRing(make([]byte, 31), 1) })
	assert.Panics(t, func() { SendRing(make([]byte, 17), 1) })
}

func TestStatusBlock_MemoryLayout(t *testing.T) {
	memory := make([]byte, StatusBlockSize)
	sb := NewStatusBlock(memory)

	sb.SetStatus(StatusUpdated | StatusLinkChanged)
	sb.BumpTag()
	sb.SetRxStandardConsumer(0x0102)
	sb.SetRxJumboConsumer(0x0304)
	sb.SetSendConsumer(0, 0x0506)
	sb.SetReturnProducer(0, 0x0708)
	sb.SetReturnProducer(MaxRingSets-1, 0xffff)

	want := make([]byte, StatusBlockSize)
	copy(want, []byte{
		0x03, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x01, 0x04, 0x03,
		0x00, 0x00, 0x00, 0x00,
		0x06, 0x05, 0x08, 0x07,
	})
	want[StatusBlockSize-2] = 0xff
	want[StatusBlockSize-1] = 0xff
	assert.Equal(t, want, memory)

	assert.True(t, sb.Updated())
	assert.True(t, sb.LinkChanged())
	assert.Equal(t, uint32(1), sb.Tag())
	assert.Equal(t, uint32(0x0102), sb.RxStandardConsumer())
	assert.Equal(t, uint32(0x0304), sb.RxJumboConsumer())
	assert.Equal(t, uint32(0x0506), sb.SendConsumer(0))
	assert.Equal(t, uint32(0x0708), sb.ReturnProducer(0))
}

func TestStatusBlock_Bits(t *testing.T) {
	sb := NewStatusBlock(make([]byte, StatusBlockSize))

	sb.SetStatus(StatusUpdated | StatusLinkChanged | StatusError)
	sb.ClearUpdated()
	assert.False(t, sb.Updated())
	assert.True(t, sb.LinkChanged())

	sb.ClearLinkChanged()
	assert.Equal(t, StatusError, sb.Status())

	// Half word updates never clobber their neighbour.
	sb.SetSendConsumer(3, 10)
	sb.SetReturnProducer(3, 20)
	sb.SetSendConsumer(3, 11)
	assert.Equal(t, uint32(11), sb.SendConsumer(3))
	assert.Equal(t, uint32(20), sb.ReturnProducer(3))

	sb.Reset()
	assert.Equal(t, uint32(0), sb.Status())
	assert.Equal(t, uint32(0), sb.ReturnProducer(3))
}

func TestStatusBlock_TagWraps(t *testing.T) {
	sb := NewStatusBlock(make([]byte, StatusBlockSize))
	for _n := 0; _n < 255; _n++ {
		sb.BumpTag()
	}
	assert.Equal(t, uint32(255), sb.Tag())
	assert.Equal(t, uint32(0), sb.BumpTag())
}

func TestStatsBlock(t *testing.T) {
	// Back the block with uint64s so the memory is 8 byte aligned.
	words := make([]uint64, StatsBlockSize/8)
	memory := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), StatsBlockSize)

	sb := NewStatsBlock(memory)
	Add(&sb.InOctets, 1500)
	Add(&sb.InOctets, 64)
	Add(&sb.OutUcastPackets, 1)

	snap := sb.Snapshot()
	assert.Equal(t, uint64(1564), snap.InOctets)
	assert.Equal(t, uint64(1), snap.OutUcastPackets)
	assert.Equal(t, uint64(1564), words[0])

	require.Panics(t, func() { NewStatsBlock(memory[1:]) })
}

func TestTagAck(t *testing.T) {
	assert.Equal(t, uint32(0x7f000000), TagAck(0x7f))
	assert.Equal(t, uint32(0x7f), TagFromAck(TagAck(0x7f)))
}

func TestLinkState_String(t *testing.T) {
	assert.Equal(t, "down", LinkState{}.String())
	assert.Equal(t, "up 1000Mbps full duplex", LinkState{Up: true, SpeedMbps: 1000, FullDuplex: true}.String())
}
