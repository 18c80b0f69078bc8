package pool

import (
	"errors"
	"fmt"
	"math"
)

type optionValues struct {
	txCount            int
	rxStandardCount    int
	rxJumboCount       int
	standardBufferSize int
	jumboBufferSize    int
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.txCount <= 0 {
		return errors.New("at least one tx descriptor is required")
	}
	if o.rxStandardCount <= 0 {
		return errors.New("at least one standard rx descriptor is required")
	}
	if o.rxJumboCount < 0 {
		return fmt.Errorf("jumbo rx descriptor count %d is negative", o.rxJumboCount)
	}
	if o.standardBufferSize <= 0 {
		return fmt.Errorf("standard buffer size %d is too small", o.standardBufferSize)
	}
	if o.rxJumboCount > 0 && o.jumboBufferSize <= o.standardBufferSize {
		return fmt.Errorf("jumbo buffer size %d must be larger than the standard size %d",
			o.jumboBufferSize, o.standardBufferSize)
	}
	if uint64(o.txCount)+uint64(o.rxStandardCount)+uint64(o.rxJumboCount) > math.MaxUint32 {
		return errors.New("too many descriptors for 32 bit handles")
	}
	return nil
}

var optionDefaults = optionValues{
	txCount:            256,
	rxStandardCount:    256,
	rxJumboCount:       0,
	standardBufferSize: 1536,
	jumboBufferSize:    9018,
}

// Option can be passed to [New] to influence pool creation.
type Option func(*optionValues)

// WithTxCount sets the number of transmit descriptors.
func WithTxCount(n int) Option {
	return func(o *optionValues) { o.txCount = n }
}

// WithRxStandardCount sets the number of standard receive descriptors.
func WithRxStandardCount(n int) Option {
	return func(o *optionValues) { o.rxStandardCount = n }
}

// WithRxJumboCount sets the number of jumbo receive descriptors. Zero, the
// default, means no jumbo ring.
func WithRxJumboCount(n int) Option {
	return func(o *optionValues) { o.rxJumboCount = n }
}

// WithStandardBufferSize sets the receive buffer size of standard
// descriptors. It must hold a full frame including FCS.
func WithStandardBufferSize(n int) Option {
	return func(o *optionValues) { o.standardBufferSize = n }
}

// WithJumboBufferSize sets the receive buffer size of jumbo descriptors.
func WithJumboBufferSize(n int) Option {
	return func(o *optionValues) { o.jumboBufferSize = n }
}
