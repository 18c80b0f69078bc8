package tigon

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/hw"
)

// maxServiceIterations bounds how many times one Service call goes around the
// status block when the device keeps updating it.
const maxServiceIterations = 50

// ReconcilerState tells whether the interrupt path is being serviced.
type ReconcilerState uint32

const (
	ReconcilerIdle ReconcilerState = iota
	ReconcilerServicing
)

func (s ReconcilerState) String() string {
	switch s {
	case ReconcilerIdle:
		return "idle"
	case ReconcilerServicing:
		return "servicing"
	}
	return fmt.Sprintf("reconciler_state(%d)", uint32(s))
}

// interruptReconciler brings the host view of the rings in line with the
// status block the device wrote.
type interruptReconciler struct {
	l       *logrus.Logger
	regs    hw.Registers
	status  *hw.StatusBlock
	rx      *rxManager
	tx      *txManager
	link    LinkStatus
	metrics *RingMetrics

	tagged bool
	state  atomic.Uint32
	// lastTag is the status tag last acknowledged to the device.
	lastTag uint32
	// firstService forces one pass in tagged mode even when the device has
	// not set the updated bit yet.
	firstService bool
	lastLink     hw.LinkState
}

func newInterruptReconciler(d *Device) *interruptReconciler {
	return &interruptReconciler{
		l:            d.l,
		regs:         d.regs,
		status:       d.status,
		rx:           d.rx,
		tx:           d.tx,
		link:         d.link,
		metrics:      d.metrics,
		tagged:       d.cfg.Interrupts.TaggedStatus,
		firstService: true,
		lastLink:     d.link.Link(),
	}
}

// Service runs the interrupt path once: it drains the receive and send
// completions the status block announces, then refills the receive rings and
// reclaims transmitted descriptors. It returns the number of status block
// passes taken. A call made while another one is running returns ErrBusy.
func (r *interruptReconciler) Service() (int, error) {
	if !r.state.CompareAndSwap(uint32(ReconcilerIdle), uint32(ReconcilerServicing)) {
		r.metrics.interruptBusy.Inc(1)
		return 0, fmt.Errorf("%w: interrupt path is already being serviced", ErrBusy)
	}
	defer r.state.Store(uint32(ReconcilerIdle))

	var passes int
	if r.tagged {
		passes = r.serviceTagged()
	} else {
		passes = r.serviceUntagged()
	}

	r.rx.replenishIfLow()
	r.tx.Reclaim()
	return passes, nil
}

func (r *interruptReconciler) serviceUntagged() int {
	n := 0
	for r.status.Updated() && n < maxServiceIterations {
		r.regs.WriteMailbox(hw.MailboxInterrupt, hw.InterruptMasked)
		r.status.ClearUpdated()
		r.serviceOnce()
		r.regs.WriteMailbox(hw.MailboxInterrupt, hw.InterruptUnmasked)
		n++
	}
	return n
}

// serviceTagged goes around the status block until the tag stops moving, so
// an update the device made while the host was busy is not left behind.
func (r *interruptReconciler) serviceTagged() int {
	if !r.status.Updated() && !r.firstService {
		return 0
	}
	r.firstService = false

	r.regs.WriteMailbox(hw.MailboxInterrupt, hw.InterruptMasked)
	tag := r.status.Tag()
	n := 0
	for {
		r.status.ClearUpdated()
		r.serviceOnce()
		n++

		newTag := r.status.Tag()
		if newTag == tag {
			break
		}
		tag = newTag
		r.metrics.interruptTagLoops.Inc(1)
		if n >= maxServiceIterations {
			r.l.WithField("tag", tag).Debug("Status block still changing, leaving the rest for the next interrupt")
			break
		}
	}

	r.lastTag = tag
	r.regs.WriteMailbox(hw.MailboxInterrupt, hw.TagAck(tag))
	return n
}

func (r *interruptReconciler) serviceOnce() {
	if r.status.LinkChanged() {
		r.status.ClearLinkChanged()
		r.checkLink()
	}

	r.rx.ServiceRx()
	r.tx.ServiceTx()
	r.metrics.interruptServiced.Inc(1)
}

func (r *interruptReconciler) checkLink() {
	state := r.link.Link()
	if state == r.lastLink {
		return
	}

	r.l.WithFields(logrus.Fields{
		"from": r.lastLink.String(),
		"to":   state.String(),
	}).Info("Link state changed")
	r.metrics.linkChanges.Inc(1)
	r.lastLink = state
}

// Enable unmasks interrupts. If the device already has news for the host an
// interrupt is forced so it is not lost.
func (r *interruptReconciler) Enable() {
	if r.tagged {
		r.regs.WriteMailbox(hw.MailboxInterrupt, hw.TagAck(r.lastTag))
	} else {
		r.regs.WriteMailbox(hw.MailboxInterrupt, hw.InterruptUnmasked)
	}

	if r.status.Updated() {
		r.regs.ForceInterrupt()
	}
}

// Disable masks interrupts.
func (r *interruptReconciler) Disable() {
	r.regs.WriteMailbox(hw.MailboxInterrupt, hw.InterruptMasked)
}

// State returns the current reconciler state.
func (r *interruptReconciler) State() ReconcilerState {
	return ReconcilerState(r.state.Load())
}

// reset forgets every tag acknowledged so far, the status block is about to
// start over.
func (r *interruptReconciler) reset() {
	r.lastTag = 0
	r.firstService = true
}
