package tigon

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/tigon/hw"
)

// RingMetrics holds the counters the ring engine maintains. A nil
// *RingMetrics is never used, every device gets its own.
type RingMetrics struct {
	rxPackets     metrics.Counter
	rxBytes       metrics.Counter
	rxErrors      metrics.Counter
	rxErrorKinds  [hw.RecvErrorKindCount]metrics.Counter
	rxMIIQuirk    metrics.Counter
	rxAllocFailed metrics.Counter
	rxOversize    metrics.Counter
	rxBadOpaque   metrics.Counter

	txPackets   metrics.Counter
	txCompleted metrics.Counter
	txBusy      metrics.Counter
	txStalled   metrics.Counter
	txBounce    metrics.Counter
	txAborted   metrics.Counter

	interruptServiced metrics.Counter
	interruptTagLoops metrics.Counter
	interruptBusy     metrics.Counter

	linkChanges metrics.Counter
}

func newRingMetrics(r metrics.Registry) *RingMetrics {
	m := &RingMetrics{
		rxPackets:     metrics.GetOrRegisterCounter("rx.packets", r),
		rxBytes:       metrics.GetOrRegisterCounter("rx.bytes", r),
		rxErrors:      metrics.GetOrRegisterCounter("rx.errors.total", r),
		rxMIIQuirk:    metrics.GetOrRegisterCounter("rx.mii_quirk_delivered", r),
		rxAllocFailed: metrics.GetOrRegisterCounter("rx.alloc_failed", r),
		rxOversize:    metrics.GetOrRegisterCounter("rx.oversize", r),
		rxBadOpaque:   metrics.GetOrRegisterCounter("rx.bad_opaque", r),

		txPackets:   metrics.GetOrRegisterCounter("tx.packets", r),
		txCompleted: metrics.GetOrRegisterCounter("tx.completed", r),
		txBusy:      metrics.GetOrRegisterCounter("tx.busy", r),
		txStalled:   metrics.GetOrRegisterCounter("tx.stalled", r),
		txBounce:    metrics.GetOrRegisterCounter("tx.bounce", r),
		txAborted:   metrics.GetOrRegisterCounter("tx.aborted", r),

		interruptServiced: metrics.GetOrRegisterCounter("interrupt.serviced", r),
		interruptTagLoops: metrics.GetOrRegisterCounter("interrupt.tag_loops", r),
		interruptBusy:     metrics.GetOrRegisterCounter("interrupt.busy", r),

		linkChanges: metrics.GetOrRegisterCounter("link.changes", r),
	}

	for i := range m.rxErrorKinds {
		m.rxErrorKinds[i] = metrics.GetOrRegisterCounter(fmt.Sprintf("rx.errors.%s", hw.RecvErrorName(i)), r)
	}

	return m
}

// rxError counts every error kind set in flags.
func (m *RingMetrics) rxError(flags uint16) {
	m.rxErrors.Inc(1)
	for i := range m.rxErrorKinds {
		if flags&(1<<i) != 0 {
			m.rxErrorKinds[i].Inc(1)
		}
	}
}

// RingStats is a point in time copy of the ring counters.
type RingStats struct {
	RxPackets     int64            `json:"rxPackets"`
	RxBytes       int64            `json:"rxBytes"`
	RxErrors      int64            `json:"rxErrors"`
	RxErrorKinds  map[string]int64 `json:"rxErrorKinds"`
	RxMIIQuirk    int64            `json:"rxMiiQuirk"`
	RxAllocFailed int64            `json:"rxAllocFailed"`
	RxOversize    int64            `json:"rxOversize"`
	TxPackets     int64            `json:"txPackets"`
	TxCompleted   int64            `json:"txCompleted"`
	TxBusy        int64            `json:"txBusy"`
	TxStalled     int64            `json:"txStalled"`
	TxBounce      int64            `json:"txBounce"`
	TxAborted     int64            `json:"txAborted"`
	Interrupts    int64            `json:"interrupts"`
	TagLoops      int64            `json:"tagLoops"`
	LinkChanges   int64            `json:"linkChanges"`
}

func (m *RingMetrics) snapshot() RingStats {
	s := RingStats{
		RxPackets:     m.rxPackets.Count(),
		RxBytes:       m.rxBytes.Count(),
		RxErrors:      m.rxErrors.Count(),
		RxErrorKinds:  make(map[string]int64),
		RxMIIQuirk:    m.rxMIIQuirk.Count(),
		RxAllocFailed: m.rxAllocFailed.Count(),
		RxOversize:    m.rxOversize.Count(),
		TxPackets:     m.txPackets.Count(),
		TxCompleted:   m.txCompleted.Count(),
		TxBusy:        m.txBusy.Count(),
		TxStalled:     m.txStalled.Count(),
		TxBounce:      m.txBounce.Count(),
		TxAborted:     m.txAborted.Count(),
		Interrupts:    m.interruptServiced.Count(),
		TagLoops:      m.interruptTagLoops.Count(),
		LinkChanges:   m.linkChanges.Count(),
	}
	for i, c := range m.rxErrorKinds {
		if n := c.Count(); n > 0 {
			s.RxErrorKinds[hw.RecvErrorName(i)] = n
		}
	}
	return s
}
