package emulator

import "github.com/slackhq/tigon/hw"

type optionValues struct {
	link          hw.LinkState
	loopback      bool
	stuckDMA      bool
	stuckFirmware bool
	capture       int
	wire          func([]byte)
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	link: hw.LinkState{Up: true, SpeedMbps: 1000, FullDuplex: true},
}

// Option can be passed to [New] to influence the emulated device.
type Option func(*optionValues)

// WithLink sets the initial link state.
func WithLink(s hw.LinkState) Option {
	return func(o *optionValues) { o.link = s }
}

// WithLoopback feeds every transmitted frame back into the receive path.
func WithLoopback() Option {
	return func(o *optionValues) { o.loopback = true }
}

// WithCapture keeps up to n transmitted frames for [Device.Get].
func WithCapture(n int) Option {
	return func(o *optionValues) { o.capture = n }
}

// WithWire calls f with every transmitted frame.
func WithWire(f func([]byte)) Option {
	return func(o *optionValues) { o.wire = f }
}

// WithStuckDMA makes the DMA engines ignore requests to stop.
func WithStuckDMA() Option {
	return func(o *optionValues) { o.stuckDMA = true }
}

// WithStuckFirmware makes the device never become ready after a reset.
func WithStuckFirmware() Option {
	return func(o *optionValues) { o.stuckFirmware = true }
}
