// Package composite implements the dual QM + ASIL-B control block pairing
// (spec entity C). A Composite wraps one mandatory QM control.Control and
// an optional ASIL-B control.Control, encoding the safety policy that data
// published by an ASIL-B skeleton must stay available to ASIL-B consumers
// even if QM consumers misbehave and exhaust the allocator's retry budget.
package composite

import (
	"sync/atomic"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lola/control"
	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lola/shm"
)

// maxAllocateRetries bounds how many times AllocateNextSlot retries the
// dual-lock reservation before latching ignore_qm permanently. spec.md §4.C
// fixes this at 100; kept as a named constant rather than derived from
// deployment size because, unlike the per-control retry cap (which scales
// with subscriber count), this bound exists purely to detect a QM
// consumer holding every slot hostage, a condition independent of how many
// subscribers are configured.
const maxAllocateRetries = 100

// Composite pairs one QM control.Control with an optional ASIL-B
// control.Control.
type Composite struct {
	qm *control.Control
	b  *control.Control

	// ignoreQM latches permanently once a QM consumer has been deemed to
	// be starving the ASIL-B path; per spec.md §8.4, once true every
	// subsequent operation must behave as if the QM control does not
	// exist.
	ignoreQM atomic.Bool
}

// New builds a Composite. b may be nil for a QM-only instance.
func New(qm, b *control.Control) *Composite {
	qm.SetQuality(shm.QualityQM)
	if b != nil {
		b.SetQuality(shm.QualityASILB)
	}
	return &Composite{qm: qm, b: b}
}

// IgnoreQM reports whether the ignore_qm latch has tripped.
func (c *Composite) IgnoreQM() bool { return c.ignoreQM.Load() }

// QM returns the QM control block, or nil if the latch has tripped and
// callers should treat QM as absent. Exposed for subscribe-time quality
// selection by the proxy.
func (c *Composite) QM() *control.Control {
	if c.ignoreQM.Load() {
		return nil
	}
	return c.qm
}

// ASILB returns the ASIL-B control block, or nil for a QM-only instance.
func (c *Composite) ASILB() *control.Control { return c.b }

// RegisterSubscriber claims a log index for uid on the QM control and, if
// this composite offers ASIL-B, forces the identical index there too, so a
// proxy's transaction_log_id addresses the same log on both sides.
func (c *Composite) RegisterSubscriber(uid uint32) (logIdx int, ok bool) {
	idx, ok := c.qm.RegisterSubscriber(uid)
	if !ok {
		return 0, false
	}
	if c.b != nil && !c.b.RegisterSubscriberAt(uid, idx) {
		return 0, false
	}
	return idx, true
}

// AllocateNextSlot implements the dual-control allocation policy of
// spec.md §4.C. It returns the allocated slot index and whether the
// ignore_qm latch is (now) set.
func (c *Composite) AllocateNextSlot() (slot int, ignoreQM bool, ok bool) {
	if c.b == nil {
		metrics.AllocateAttemptsTotal.WithLabelValues(string(shm.QualityQM)).Inc()
		slot, ok = c.qm.AllocateNextSlot()
		recordAllocateResult(shm.QualityQM, ok)
		return slot, false, ok
	}

	if c.ignoreQM.Load() {
		metrics.AllocateAttemptsTotal.WithLabelValues(string(shm.QualityASILB)).Inc()
		slot, ok = c.b.AllocateNextSlot()
		recordAllocateResult(shm.QualityASILB, ok)
		return slot, true, ok
	}

	metrics.AllocateAttemptsTotal.WithLabelValues(string(shm.QualityQM)).Inc()
	for attempt := 0; attempt < maxAllocateRetries; attempt++ {
		candidate := c.oldestFreeInBoth()
		if candidate == -1 {
			break
		}
		if !c.qm.Slot(candidate).TryMarkInWriting() {
			continue
		}
		if c.b.Slot(candidate).TryMarkInWriting() {
			metrics.AllocateSuccessTotal.WithLabelValues(string(shm.QualityQM)).Inc()
			return candidate, false, true
		}
		// ASIL-B CAS lost the race: roll back the QM reservation so the
		// slot remains allocatable to the next attempt.
		c.qm.Slot(candidate).MarkInvalid()
	}

	// Retry budget exhausted, or no slot is free in both blocks: latch
	// ignore_qm permanently and fall back
	// to ASIL-B-only allocation, per spec.md §4.C step 4.
	metrics.AllocateExhaustionTotal.WithLabelValues(string(shm.QualityQM)).Inc()
	metrics.IgnoreQMTripsTotal.Inc()
	c.ignoreQM.Store(true)
	log.WithComponent("composite").Warn().
		Msg("QM allocation retries exhausted, latching ignore_qm and dropping QM subscribers")
	slot, ok = c.b.AllocateNextSlot()
	recordAllocateResult(shm.QualityASILB, ok)
	return slot, true, ok
}

func recordAllocateResult(quality shm.Quality, ok bool) {
	if ok {
		metrics.AllocateSuccessTotal.WithLabelValues(string(quality)).Inc()
		return
	}
	metrics.AllocateExhaustionTotal.WithLabelValues(string(quality)).Inc()
}

// oldestFreeInBoth returns the oldest slot that is simultaneously free in
// QM (not used) and free in ASIL-B (not used, or invalid), or -1 if none
// qualifies.
func (c *Composite) oldestFreeInBoth() int {
	candidate := -1
	var oldestTS uint32
	seen := false
	for i := 0; i < c.qm.NumSlots(); i++ {
		qmSlot := c.qm.Slot(i)
		bSlot := c.b.Slot(i)
		if qmSlot.IsInWriting() || qmSlot.IsUsed() {
			continue
		}
		if bSlot.IsInWriting() || bSlot.IsUsed() {
			continue
		}
		ts := qmSlot.Timestamp()
		if !seen || ts < oldestTS {
			seen = true
			oldestTS = ts
			candidate = i
		}
	}
	return candidate
}

// EventReady publishes slot on ASIL-B if present, and also on QM unless
// ignore_qm is set.
func (c *Composite) EventReady(slot int, timestamp uint32) {
	if c.b != nil {
		c.b.EventReady(slot, timestamp)
	}
	if !c.ignoreQM.Load() {
		c.qm.EventReady(slot, timestamp)
	}
}

// Discard marks slot Invalid on ASIL-B if present, and also on QM unless
// ignore_qm is set.
func (c *Composite) Discard(slot int) {
	if c.b != nil {
		c.b.Discard(slot)
	}
	if !c.ignoreQM.Load() {
		c.qm.Discard(slot)
	}
}

// RemoveAllocationsForWriting applies crash recovery to both control
// blocks (ASIL-B and, unless latched away, QM), returning the total
// number of slots reclaimed.
func (c *Composite) RemoveAllocationsForWriting() int {
	n := 0
	if c.b != nil {
		n += c.b.RemoveAllocationsForWriting()
	}
	if !c.ignoreQM.Load() {
		n += c.qm.RemoveAllocationsForWriting()
	}
	return n
}
