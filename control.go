package tigon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/config"
	"github.com/slackhq/tigon/dma"
	"github.com/slackhq/tigon/emulator"
	"github.com/slackhq/tigon/hw"
	"github.com/slackhq/tigon/pool"
	"golang.org/x/sync/errgroup"
)

// Control runs a device. It owns the goroutines that service interrupts and
// generate traffic, and it serializes them with callers: every method that
// touches the device takes the same lock, which stands in for masking the
// device interrupt.
type Control struct {
	l      *logrus.Logger
	config *config.C
	dev    *Device
	emu    *emulator.Device
	region *dma.Region

	traffic      *traffic
	pollInterval time.Duration
	statsStart   func()

	mu       sync.Mutex
	cancel   context.CancelFunc
	eg       *errgroup.Group
	stopOnce sync.Once

	// stopped is set once the DMA memory may be gone, lastHW is what the stats
	// block held right before.
	stopped bool
	lastHW  hw.StatsBlock
}

// Start brings the device up, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.eg, ctx = errgroup.WithContext(ctx)
	if c.config != nil {
		c.config.CatchHUP(ctx)
	}

	c.eg.Go(func() error { return c.emu.Run(ctx) })
	c.eg.Go(func() error { return c.serviceLoop(ctx) })
	if c.traffic.generating() {
		c.eg.Go(func() error { return c.traffic.run(ctx, c.Send) })
	}

	c.mu.Lock()
	c.dev.EnableInterrupts()
	c.mu.Unlock()

	c.l.WithField("name", c.dev.Name()).Info("Device started")
}

// Stop halts the device and releases everything it holds, returns after the
// shutdown is complete.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			if err := c.eg.Wait(); err != nil {
				c.l.WithError(err).Error("Device loop failed")
			}
		}

		if err := c.close(); err != nil {
			c.l.WithError(err).Error("Close device failed")
		}
		c.l.Info("Goodbye")
	})
}

func (c *Control) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastHW = c.dev.HardwareStats()
	c.stopped = true

	err := c.dev.Close()
	if err == nil {
		err = c.region.Close()
	} else {
		// The device may still be writing into the region.
		c.l.WithError(err).Warn("Leaving DMA memory mapped")
	}

	return errors.Join(err, c.traffic.Close())
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// serviceLoop runs the interrupt path for every device interrupt and on every
// poll tick, until ctx is done.
func (c *Control) serviceLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if c.pollInterval > 0 {
		t := time.NewTicker(c.pollInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.dev.Interrupts():
		case <-tick:
		}

		if err := c.service(); err != nil {
			return err
		}
	}
}

// service runs the interrupt path once and hands every received frame to the
// traffic sink.
func (c *Control) service() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.dev.Service(); err != nil {
		if errors.Is(err, ErrHalted) {
			return nil
		}
		return err
	}

	for {
		p, ok := c.dev.Receive()
		if !ok {
			return nil
		}

		c.traffic.receive(p.Frame())
		if err := c.dev.Release(p); err != nil {
			return err
		}
	}
}

// Send copies frame into a transmit descriptor and posts it. The frame must not
// include the FCS.
func (c *Control) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.dev.Acquire()
	if err != nil {
		return err
	}

	err = c.dev.AppendFragment(p, frame)
	if err == nil {
		err = c.dev.Send(p)
	}
	if err != nil {
		if derr := c.dev.Discard(p); derr != nil {
			c.l.WithError(derr).WithField("packet", p.Handle()).Error("Failed to discard a refused packet")
		}
		return err
	}
	return nil
}

// Stats returns the ring counters.
func (c *Control) Stats() RingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.Stats()
}

// HardwareStats returns the counters the device keeps in the stats block.
func (c *Control) HardwareStats() hw.StatsBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return c.lastHW
	}
	return c.dev.HardwareStats()
}

// Census returns how many descriptors each owner holds.
func (c *Control) Census() map[pool.Owner]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.Census()
}

// QueueDepths reports how many descriptors sit in each host queue.
func (c *Control) QueueDepths() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.QueueDepths()
}

// Link returns the current link state.
func (c *Control) Link() hw.LinkState {
	return c.dev.Link()
}
