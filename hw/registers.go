// Package hw describes the hardware surface of the NIC: the layout of the ring
// slots and status block the host shares with the device through DMA memory,
// and the registers the host uses to hand rings to the device and to move
// producer and consumer indexes.
package hw

import (
	"errors"
	"fmt"
)

// ErrRingSizeInvalid is returned when a ring size is invalid.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// MaxRingSize is the largest ring the 16 bit status block indexes can track.
const MaxRingSize = 32768

// CheckRingSize checks if the given value would be a valid number of slots for
// a hardware ring and returns an [ErrRingSizeInvalid], if not.
func CheckRingSize(entries int) error {
	if entries <= 1 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, entries)
	}

	// Indexes wrap by masking.
	if entries&(entries-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrRingSizeInvalid, entries)
	}

	if entries > MaxRingSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrRingSizeInvalid, entries, MaxRingSize)
	}

	return nil
}

// Mailbox identifies a mailbox register.
type Mailbox int

const (
	// MailboxInterrupt masks and unmasks interrupts. In tagged status mode
	// the unmask write also acknowledges a status tag.
	MailboxInterrupt Mailbox = iota
	// MailboxRxStandardProducer publishes the standard receive producer
	// index.
	MailboxRxStandardProducer
	// MailboxRxJumboProducer publishes the jumbo receive producer index.
	MailboxRxJumboProducer
	// MailboxRxReturnConsumer publishes how far the host drained the return
	// ring.
	MailboxRxReturnConsumer
	// MailboxSendProducer publishes the send producer index.
	MailboxSendProducer

	// MailboxCount is the number of mailboxes.
	MailboxCount
)

var mailboxNames = [MailboxCount]string{
	"interrupt",
	"rx_standard_producer",
	"rx_jumbo_producer",
	"rx_return_consumer",
	"send_producer",
}

func (m Mailbox) String() string {
	if m < 0 || m >= MailboxCount {
		return fmt.Sprintf("mailbox(%d)", int(m))
	}
	return mailboxNames[m]
}

// Interrupt mailbox values.
const (
	InterruptMasked   uint32 = 1
	InterruptUnmasked uint32 = 0
)

// TagAck builds the interrupt mailbox value that unmasks interrupts and tells
// the device the host has processed the status block up to tag.
func TagAck(tag uint32) uint32 {
	return tag << 24
}

// TagFromAck is the reverse of [TagAck].
func TagFromAck(v uint32) uint32 {
	return v >> 24
}

// RingKind identifies one of the hardware rings.
type RingKind int

const (
	RingRxStandard RingKind = iota
	RingRxJumbo
	RingRxReturn
	RingSend
)

func (k RingKind) String() string {
	switch k {
	case RingRxStandard:
		return "rx_standard"
	case RingRxJumbo:
		return "rx_jumbo"
	case RingRxReturn:
		return "rx_return"
	case RingSend:
		return "send"
	}
	return fmt.Sprintf("ring(%d)", int(k))
}

// RingControl hands a ring in DMA memory to the device.
type RingControl struct {
	Kind RingKind
	// Addr is the bus address of the first slot.
	Addr    uint64
	Entries int
	// MaxLen is the largest frame a buffer posted to a receive ring can
	// take.
	MaxLen int
}

// InterruptConfig controls how the device raises interrupts.
type InterruptConfig struct {
	// TaggedStatus makes the device bump the status tag on every status
	// block update and raise another interrupt when the host acknowledges an
	// older tag.
	TaggedStatus bool

	// Coalescing: an interrupt is raised once this many frames completed or
	// this many ticks passed since the first uncounted completion.
	RxTicks  uint32
	RxFrames uint32
	TxTicks  uint32
	TxFrames uint32
}

// LinkState is what the PHY reports about the link.
type LinkState struct {
	Up         bool
	SpeedMbps  int
	FullDuplex bool
}

func (s LinkState) String() string {
	if !s.Up {
		return "down"
	}
	duplex := "half"
	if s.FullDuplex {
		duplex = "full"
	}
	return fmt.Sprintf("up %dMbps %s duplex", s.SpeedMbps, duplex)
}

// Registers is the register window of the device.
//
// Mailbox writes are the only way the host publishes indexes. They are atomic
// stores, so every ring slot written before a mailbox write is visible to the
// device once it observes the new index.
type Registers interface {
	// Reset puts the device into its power on state.
	Reset() error
	// Ready reports whether the device finished its firmware handshake after
	// a reset.
	Ready() bool

	// ConfigureRing hands a ring to the device.
	ConfigureRing(rc RingControl) error
	// ConfigureStatusBlock tells the device where to write the status block.
	ConfigureStatusBlock(addr uint64) error
	// ConfigureStatsBlock tells the device where to write the stats block.
	ConfigureStatsBlock(addr uint64) error
	// ConfigureInterrupts sets the interrupt mode and coalescing.
	ConfigureInterrupts(ic InterruptConfig)

	WriteMailbox(mb Mailbox, v uint32)
	ReadMailbox(mb Mailbox) uint32

	// ForceInterrupt makes the device raise an interrupt now.
	ForceInterrupt()
	// Interrupts delivers a value for every interrupt the device raises.
	Interrupts() <-chan struct{}

	// EnableDMA starts the DMA state machines.
	EnableDMA()
	// DisableDMA asks the DMA state machines to stop. It does not wait.
	DisableDMA()
	// DMAStopped reports whether every DMA state machine is idle.
	DMAStopped() bool
}
