package tigon

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// waitUntil polls cond with a growing interval until it holds or timeout
// passes.
func waitUntil(ctx context.Context, timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    10 * time.Microsecond,
		Max:    max(timeout/20, time.Millisecond),
		Factor: 2,
		Jitter: false,
	}

	t := time.NewTimer(b.Duration())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if cond() {
				return nil
			}
			return ctx.Err()
		case <-t.C:
			if cond() {
				return nil
			}
			t.Reset(b.Duration())
		}
	}
}

// Abort stops the device DMA engines and takes every descriptor back from the
// device. Packets still on the send ring complete as aborted, receive buffers
// still posted go back to the free queue with their buffer. If the DMA engines
// do not stop in time ErrDeviceTimeout is returned and nothing is reclaimed,
// the device may still write into those buffers.
func (d *Device) Abort(ctx context.Context) error {
	d.intr.Disable()
	d.regs.DisableDMA()
	if err := waitUntil(ctx, d.cfg.DMATimeout, d.regs.DMAStopped); err != nil {
		return fmt.Errorf("%w: dma engines did not stop: %w", ErrDeviceTimeout, err)
	}

	d.tx.ServiceTx()
	aborted := d.tx.abort()
	received := d.rx.ServiceRx()
	dropped := d.rx.drainReceived()
	posted := d.rx.reclaimPosted()
	reclaimed := d.tx.Reclaim()

	d.status.Reset()
	d.intr.reset()

	d.l.WithFields(logrus.Fields{
		"txAborted":   aborted,
		"txReclaimed": reclaimed,
		"rxCompleted": received,
		"rxDropped":   dropped,
		"rxReclaimed": posted,
	}).Info("Device aborted")

	return nil
}

// Halt aborts the device, frees every receive buffer and resets the chip.
// Afterwards the device only accepts Close.
func (d *Device) Halt(ctx context.Context) error {
	if d.halted.Load() {
		return nil
	}

	if err := d.Abort(ctx); err != nil {
		return err
	}
	d.rx.freeBuffers()
	d.halted.Store(true)

	if err := d.regs.Reset(); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}

	d.l.WithField("name", d.cfg.Name).Info("Device halted")
	return nil
}

// Close halts the device if needed and releases the descriptor pool. Every
// descriptor handed to the caller must have been given back, otherwise an
// error wrapping ErrFatalProtocolViolation is returned and the pool is kept.
// Close can be called again once the caller returned what it held.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}

	if err := d.Halt(context.Background()); err != nil {
		return err
	}

	// Packets released after the halt brought their buffers back.
	d.rx.freeBuffers()
	if err := d.pool.Destroy(); err != nil {
		return fmt.Errorf("close %s: %w", d.cfg.Name, err)
	}

	d.closed = true
	d.l.WithField("name", d.cfg.Name).Debug("Device closed")
	return nil
}
