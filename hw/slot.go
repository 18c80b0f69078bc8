package hw

import (
	"fmt"
	"unsafe"
)

// Receive slot flags.
const (
	RecvFlagEnd            uint16 = 0x0004
	RecvFlagJumboRing      uint16 = 0x0020
	RecvFlagVLANTag        uint16 = 0x0040
	RecvFlagFrameHasError  uint16 = 0x0400
	RecvFlagMiniRing       uint16 = 0x0800
	RecvFlagIPChecksum     uint16 = 0x1000
	RecvFlagTCPUDPChecksum uint16 = 0x2000
	RecvFlagTCPUDPIsTCP    uint16 = 0x4000
)

// Receive error flags reported by the device in [RecvSlot.ErrorFlags]. Bit i
// is counted under [RecvErrorName](i).
const (
	RecvErrBadCRC           uint16 = 0x0001
	RecvErrCollision        uint16 = 0x0002
	RecvErrLinkLost         uint16 = 0x0004
	RecvErrPHYDecode        uint16 = 0x0008
	RecvErrOddNibbleMII     uint16 = 0x0010
	RecvErrMACAbort         uint16 = 0x0020
	RecvErrTooShort         uint16 = 0x0040
	RecvErrTruncNoResources uint16 = 0x0080
	RecvErrGiantFrame       uint16 = 0x0100
)

// RecvErrorKindCount is the number of distinct receive error flags.
const RecvErrorKindCount = 9

var recvErrorNames = [RecvErrorKindCount]string{
	"bad_crc",
	"collision",
	"link_lost",
	"phy_decode",
	"odd_nibble_mii",
	"mac_abort",
	"too_short",
	"truncated_no_resources",
	"giant_frame",
}

// RecvErrorName returns the metric friendly name of the error kind at bit i.
func RecvErrorName(i int) string {
	if i < 0 || i >= len(recvErrorNames) {
		return fmt.Sprintf("bit_%d", i)
	}
	return recvErrorNames[i]
}

// Send slot flags, the low 16 bits of [SendSlot.LenFlags].
const (
	SendFlagTCPUDPChecksum uint16 = 0x0001
	SendFlagIPChecksum     uint16 = 0x0002
	SendFlagEnd            uint16 = 0x0004
	SendFlagIPFrag         uint16 = 0x0008
	SendFlagIPFragEnd      uint16 = 0x0010
	SendFlagVLANTag        uint16 = 0x0040
	SendFlagCoalesceNow    uint16 = 0x0080
	SendFlagNoCRC          uint16 = 0x8000
)

// RecvSlot is a receive buffer descriptor. The host fills it in on the
// standard and jumbo producer rings, the device fills it in on the return
// ring.
type RecvSlot struct {
	HostAddrHigh   uint32
	HostAddrLow    uint32
	Index          uint16
	Length         uint16
	Type           uint16
	Flags          uint16
	IPChecksum     uint16
	TCPUDPChecksum uint16
	ErrorFlags     uint16
	VLANTag        uint16
	Reserved       uint32
	// Opaque is handed back unchanged by the device and identifies the
	// packet descriptor that owns the buffer.
	Opaque uint32
}

// SendSlot is a send buffer descriptor. Only the host writes it.
type SendSlot struct {
	HostAddrHigh uint32
	HostAddrLow  uint32
	// LenFlags packs the fragment length in the high 16 bits and the send
	// flags in the low 16 bits.
	LenFlags uint32
	VLANTag  uint32
}

const (
	// RecvSlotSize is the number of bytes a [RecvSlot] takes in a ring.
	RecvSlotSize = int(unsafe.Sizeof(RecvSlot{}))
	// SendSlotSize is the number of bytes a [SendSlot] takes in a ring.
	SendSlotSize = int(unsafe.Sizeof(SendSlot{}))
)

// PackLenFlags builds the [SendSlot.LenFlags] word.
func PackLenFlags(length int, flags uint16) uint32 {
	return uint32(length)<<16 | uint32(flags)
}

// UnpackLenFlags splits a [SendSlot.LenFlags] word.
func UnpackLenFlags(v uint32) (length int, flags uint16) {
	return int(v >> 16), uint16(v)
}

// RecvRing maps entries receive slots onto mem.
func RecvRing(mem []byte, entries int) []RecvSlot {
	if len(mem) != RecvRingSize(entries) {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for receive ring: %v", len(mem), RecvRingSize(entries)))
	}
	return unsafe.Slice((*RecvSlot)(unsafe.Pointer(&mem[0])), entries)
}

// SendRing maps entries send slots onto mem.
func SendRing(mem []byte, entries int) []SendSlot {
	if len(mem) != SendRingSize(entries) {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for send ring: %v", len(mem), SendRingSize(entries)))
	}
	return unsafe.Slice((*SendSlot)(unsafe.Pointer(&mem[0])), entries)
}

// RecvRingSize is the number of bytes needed for a receive ring.
func RecvRingSize(entries int) int {
	return RecvSlotSize * entries
}

// SendRingSize is the number of bytes needed for a send ring.
func SendRingSize(entries int) int {
	return SendSlotSize * entries
}
