package tigon

import (
	"errors"
	"fmt"
	"time"

	"github.com/slackhq/tigon/config"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/hw"
)

const (
	// ethernetHeaderLen is added to the MTU to get the largest frame a
	// standard receive buffer must hold, without FCS.
	ethernetHeaderLen = 14
	// fcsLen is the trailing frame check sequence the device writes after
	// every frame.
	fcsLen = 4
	// standardMTU is the largest MTU served by the standard receive ring.
	standardMTU = 1500
)

// Supported chip revisions.
const (
	Chip5700   = "5700"
	Chip5700BX = "5700_bx"
	Chip5701   = "5701"
	Chip5703   = "5703"
	Chip5704   = "5704"
)

// DeviceConfig is everything needed to bring a device up.
type DeviceConfig struct {
	Name string
	Chip string
	MTU  int

	TxRing         int
	RxStandardRing int
	RxJumboRing    int
	RxReturnRing   int

	TxDescriptors         int
	RxStandardDescriptors int
	RxJumboDescriptors    int

	StandardBufferSize int
	JumboBufferSize    int

	Interrupts hw.InterruptConfig

	// WriteMinimize skips send slot fields that already hold the value to be
	// written.
	WriteMinimize bool
	// DoubleMailboxWrite writes the send producer mailbox twice, 5700 BX
	// parts can lose a single write.
	DoubleMailboxWrite bool

	DMATimeout   time.Duration
	ResetTimeout time.Duration

	// BusBase is the bus address the DMA region is mapped at.
	BusBase uint64
}

// DefaultDeviceConfig returns a configuration for a standard MTU device.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Name:                  "tigon0",
		Chip:                  Chip5701,
		MTU:                   standardMTU,
		TxRing:                512,
		RxStandardRing:        512,
		RxJumboRing:           256,
		RxReturnRing:          1024,
		TxDescriptors:         256,
		RxStandardDescriptors: 256,
		RxJumboDescriptors:    0,
		StandardBufferSize:    1536,
		JumboBufferSize:       9018,
		Interrupts: hw.InterruptConfig{
			TaggedStatus: true,
			RxTicks:      150,
			RxFrames:     10,
			TxTicks:      150,
			TxFrames:     10,
		},
		WriteMinimize: true,
		DMATimeout:    time.Second,
		ResetTimeout:  time.Second,
		BusBase:       0x10000000,
	}
}

// NewDeviceConfigFromConfig reads the device section of c on top of
// [DefaultDeviceConfig].
func NewDeviceConfigFromConfig(c *config.C) (DeviceConfig, error) {
	d := DefaultDeviceConfig()

	d.Name = c.GetString("device.name", d.Name)
	d.Chip = c.GetString("device.chip", d.Chip)
	d.MTU = c.GetInt("device.mtu", d.MTU)

	d.TxRing = c.GetInt("device.rings.tx", d.TxRing)
	d.RxStandardRing = c.GetInt("device.rings.rx_standard", d.RxStandardRing)
	d.RxJumboRing = c.GetInt("device.rings.rx_jumbo", d.RxJumboRing)
	d.RxReturnRing = c.GetInt("device.rings.rx_return", d.RxReturnRing)

	d.TxDescriptors = c.GetInt("device.descriptors.tx", d.TxDescriptors)
	d.RxStandardDescriptors = c.GetInt("device.descriptors.rx_standard", d.RxStandardDescriptors)
	if d.MTU > standardMTU {
		// Jumbo frames need jumbo descriptors unless told otherwise.
		d.RxJumboDescriptors = d.RxStandardDescriptors
	}
	d.RxJumboDescriptors = c.GetInt("device.descriptors.rx_jumbo", d.RxJumboDescriptors)

	var err error
	if d.StandardBufferSize, err = c.GetBytes("device.buffers.standard", d.StandardBufferSize); err != nil {
		return d, err
	}
	if d.JumboBufferSize, err = c.GetBytes("device.buffers.jumbo", d.JumboBufferSize); err != nil {
		return d, err
	}

	d.BusBase = c.GetUint64("device.dma.bus_base", d.BusBase)

	d.Interrupts.TaggedStatus = c.GetBool("interrupt.tagged_status", d.Interrupts.TaggedStatus)
	d.Interrupts.RxTicks = c.GetUint32("interrupt.coalesce.rx_ticks", d.Interrupts.RxTicks)
	d.Interrupts.RxFrames = c.GetUint32("interrupt.coalesce.rx_frames", d.Interrupts.RxFrames)
	d.Interrupts.TxTicks = c.GetUint32("interrupt.coalesce.tx_ticks", d.Interrupts.TxTicks)
	d.Interrupts.TxFrames = c.GetUint32("interrupt.coalesce.tx_frames", d.Interrupts.TxFrames)

	d.WriteMinimize = c.GetBool("tx.write_minimize", d.WriteMinimize)
	d.DoubleMailboxWrite = d.Chip == Chip5700BX

	d.DMATimeout = c.GetDuration("shutdown.dma_timeout", d.DMATimeout)
	d.ResetTimeout = c.GetDuration("device.reset_timeout", d.ResetTimeout)

	return d, d.validate()
}

func (d *DeviceConfig) validate() error {
	switch d.Chip {
	case Chip5700, Chip5700BX, Chip5701, Chip5703, Chip5704:
	default:
		return fmt.Errorf("device.chip was not understood: %s", d.Chip)
	}

	if d.MTU < 68 {
		return fmt.Errorf("device.mtu %d is too small", d.MTU)
	}

	rings := []struct {
		name string
		size int
	}{
		{"tx", d.TxRing},
		{"rx_standard", d.RxStandardRing},
		{"rx_return", d.RxReturnRing},
	}
	if d.RxJumboDescriptors > 0 {
		rings = append(rings, struct {
			name string
			size int
		}{"rx_jumbo", d.RxJumboRing})
	}
	for _, r := range rings {
		if err := hw.CheckRingSize(r.size); err != nil {
			return fmt.Errorf("device.rings.%s: %w", r.name, err)
		}
	}

	// A ring with every slot filled cannot be told apart from an empty one.
	if d.TxDescriptors <= 0 || d.TxDescriptors >= d.TxRing {
		return fmt.Errorf("device.descriptors.tx %d must be between 1 and %d", d.TxDescriptors, d.TxRing-1)
	}
	if d.RxStandardDescriptors <= 0 || d.RxStandardDescriptors >= d.RxStandardRing {
		return fmt.Errorf("device.descriptors.rx_standard %d must be between 1 and %d",
			d.RxStandardDescriptors, d.RxStandardRing-1)
	}
	if d.RxJumboDescriptors < 0 || (d.RxJumboDescriptors > 0 && d.RxJumboDescriptors >= d.RxJumboRing) {
		return fmt.Errorf("device.descriptors.rx_jumbo %d must be between 0 and %d",
			d.RxJumboDescriptors, d.RxJumboRing-1)
	}
	if d.RxStandardDescriptors+d.RxJumboDescriptors > d.RxReturnRing {
		return errors.New("device.rings.rx_return must hold every receive descriptor")
	}

	if d.StandardBufferSize < d.standardFrameLimit()+fcsLen {
		return fmt.Errorf("device.buffers.standard %d cannot hold a %d byte frame",
			d.StandardBufferSize, d.standardFrameLimit()+fcsLen)
	}
	if d.RxJumboDescriptors > 0 && d.JumboBufferSize < d.MTU+ethernetHeaderLen+fcsLen {
		return fmt.Errorf("device.buffers.jumbo %d cannot hold a %d byte frame",
			d.JumboBufferSize, d.MTU+ethernetHeaderLen+fcsLen)
	}
	if d.RxJumboDescriptors == 0 && d.MTU > standardMTU {
		return fmt.Errorf("device.mtu %d needs jumbo receive descriptors", d.MTU)
	}

	if d.DMATimeout <= 0 {
		return errors.New("shutdown.dma_timeout must be positive")
	}
	if d.ResetTimeout <= 0 {
		return errors.New("device.reset_timeout must be positive")
	}

	return nil
}

func (d *DeviceConfig) standardFrameLimit() int {
	return min(d.MTU, standardMTU) + ethernetHeaderLen
}

// MaxFrameSize is the largest frame, without FCS, the device accepts.
func (d *DeviceConfig) MaxFrameSize() int {
	return d.MTU + ethernetHeaderLen
}

// ControlMemorySize is the number of DMA bytes the rings, status block and
// stats block take.
func (d *DeviceConfig) ControlMemorySize() int {
	n := dma.Align(hw.StatusBlockSize, controlAlignment) +
		dma.Align(hw.StatsBlockSize, controlAlignment) +
		dma.Align(hw.SendRingSize(d.TxRing), controlAlignment) +
		dma.Align(hw.RecvRingSize(d.RxStandardRing), controlAlignment) +
		dma.Align(hw.RecvRingSize(d.RxReturnRing), controlAlignment)
	if d.RxJumboDescriptors > 0 {
		n += dma.Align(hw.RecvRingSize(d.RxJumboRing), controlAlignment)
	}
	// Slack for the first carve.
	return n + controlAlignment
}

// BufferClasses returns the buffer size classes a [dma.Slab] serving this
// device needs: every receive buffer, a transmit buffer per descriptor and
// headroom for bounce copies.
func (d *DeviceConfig) BufferClasses() []dma.SizeClass {
	classes := []dma.SizeClass{{
		Size:  d.StandardBufferSize,
		Count: d.RxStandardDescriptors + d.TxDescriptors + d.TxDescriptors/8 + 1,
	}}
	if d.RxJumboDescriptors > 0 {
		classes = append(classes, dma.SizeClass{
			Size:  d.JumboBufferSize,
			Count: d.RxJumboDescriptors + d.TxDescriptors/8 + 1,
		})
	}
	return classes
}

// MemorySize is the size of a DMA region that fits [DeviceConfig.ControlMemorySize]
// and a slab with [DeviceConfig.BufferClasses].
func (d *DeviceConfig) MemorySize() int {
	return d.ControlMemorySize() + dma.SlabSize(d.BufferClasses()...)
}
