package tigon

import (
	"errors"

	"github.com/slackhq/tigon/pool"
)

var (
	// ErrBusy is returned when the send ring does not have enough free slots
	// for a packet, or when the interrupt path is already being serviced.
	// Nothing was changed and the caller may retry.
	ErrBusy = errors.New("busy")

	// ErrResourceExhausted is returned when a queue or ring is full or empty
	// in a way that needs the caller to back off.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrAllocationFailed is returned when a packet buffer could not be
	// allocated. Receive descriptors affected by this wait on the out of
	// buffer list until a later replenish.
	ErrAllocationFailed = errors.New("buffer allocation failed")

	// ErrDeviceTimeout is returned when the device did not finish a reset or
	// stop its DMA engines in time.
	ErrDeviceTimeout = errors.New("device timeout")

	// ErrLinkDown is returned when sending while the link is down.
	ErrLinkDown = errors.New("link is down")

	// ErrUnknownRing is returned when a descriptor has no ring to go to.
	ErrUnknownRing = errors.New("descriptor does not belong to a configured ring")

	// ErrNotOwner is returned when the caller passes a descriptor it does not
	// hold.
	ErrNotOwner = errors.New("packet descriptor is not held by the caller")

	// ErrEmptyPacket is returned when sending a packet without fragments.
	ErrEmptyPacket = errors.New("packet has no fragments")

	// ErrHalted is returned when using a device after Halt.
	ErrHalted = errors.New("device is halted")

	// ErrFatalProtocolViolation is returned when the descriptor pool is
	// released while the device or a caller still owns descriptors.
	ErrFatalProtocolViolation = pool.ErrFatalProtocolViolation
)
