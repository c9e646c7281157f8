// Package control implements the event data control block (spec entity B):
// a fixed array of atomic slot status words plus a transaction log set,
// exposing the lock-free allocate/reference/dereference API shared by
// skeleton and proxy.
package control

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lola/shm"
	"github.com/cuemby/lola/pkg/lola/slotstate"
	"github.com/cuemby/lola/pkg/lola/txlog"
	"github.com/cuemby/lola/pkg/lolaerr"
)

const noSlot = -1

// Policy bundles the deployment-time knobs that shape allocation and
// reference behavior for one event.
type Policy struct {
	MaxSubscribers    int
	EnforceMaxSamples bool
	MaxSampleCount    int
}

// Control is the control block for one event of one instance: the slot
// array plus its transaction log set. It is safe for concurrent use by
// multiple goroutines/processes mapped onto the same shared-memory region.
type Control struct {
	slots  []slotstate.Word
	logs   *txlog.Set
	policy Policy

	// held tracks, per subscriber log index per slot, whether that
	// subscriber currently holds a reference on the slot. This shadow
	// table realizes the "a given subscriber increments a slot only
	// once" invariant (spec.md §9 Open Question) without requiring a
	// second shared-memory scan of the transaction log on every call.
	heldMu sync.Mutex
	held   [][]bool

	// lastPublished is the last timestamp this control's producer
	// published via EventReady, enforcing the strict-monotonicity
	// invariant (spec.md §8.2).
	lastPublished atomic.Uint32

	// subMu guards subscribers/nextLogIdx. RegisterSubscriber runs once per
	// proxy Create, never on the hot publish/reference path, so a plain
	// mutex is preferable to the lock-free discipline the slot array needs.
	subMu       sync.Mutex
	subscribers map[uint32]int
	nextLogIdx  int

	// quality labels this control's metrics, set by composite.New. Left
	// empty when a Control is built directly (e.g. in unit tests), in
	// which case metrics are simply recorded under an empty label.
	quality shm.Quality
}

// SetQuality labels this control's metrics as quality. Called once by
// composite.New; composite is the only package that knows whether a given
// Control is the QM or ASIL-B half of a pair.
func (c *Control) SetQuality(quality shm.Quality) {
	c.quality = quality
}

// New allocates a Control for numSlots slots under the given policy.
func New(numSlots int, policy Policy) *Control {
	held := make([][]bool, policy.MaxSubscribers)
	for i := range held {
		held[i] = make([]bool, numSlots)
	}
	return &Control{
		slots:       make([]slotstate.Word, numSlots),
		logs:        txlog.NewSet(policy.MaxSubscribers, numSlots),
		policy:      policy,
		held:        held,
		subscribers: make(map[uint32]int),
	}
}

// RegisterSubscriber maps uid (the proxy's transaction_log_id, per spec.md
// §3's "derived from proxy UID") to a stable log index in [0,
// MaxSubscribers). The first call for a given uid claims the next free
// index; every later call for the same uid, including after the proxy
// process restarts, returns the same index, which is what lets the
// rollback executor in Proxy.Create find the log the previous incarnation
// of this uid actually used. ok is false once every index is claimed by a
// different uid.
func (c *Control) RegisterSubscriber(uid uint32) (logIdx int, ok bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if idx, found := c.subscribers[uid]; found {
		return idx, true
	}
	if c.nextLogIdx >= c.policy.MaxSubscribers {
		return 0, false
	}
	idx := c.nextLogIdx
	c.nextLogIdx++
	c.subscribers[uid] = idx
	return idx, true
}

// RegisterSubscriberAt forces uid to log index idx, used by
// Composite.RegisterSubscriber to keep a proxy's QM and ASIL-B log indices
// identical. Fails if idx is already claimed by a different uid or out of
// range.
func (c *Control) RegisterSubscriberAt(uid uint32, idx int) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if existing, found := c.subscribers[uid]; found {
		return existing == idx
	}
	if idx < 0 || idx >= c.policy.MaxSubscribers {
		return false
	}
	for u, i := range c.subscribers {
		if i == idx && u != uid {
			return false
		}
	}
	c.subscribers[uid] = idx
	if idx >= c.nextLogIdx {
		c.nextLogIdx = idx + 1
	}
	return true
}

// NumSlots returns the number of slots in the control block.
func (c *Control) NumSlots() int { return len(c.slots) }

// Logs returns the transaction log set, for use by the rollback executor.
func (c *Control) Logs() *txlog.Set { return c.logs }

// maxRetries is the bounded retry cap for AllocateNextSlot: "enough
// retries" per spec.md §4.B is defined as max parallel actions * 2, where
// max parallel actions counts every subscriber plus the skeleton's own
// tracing path.
func (c *Control) maxRetries() int {
	maxParallelActions := c.policy.MaxSubscribers + 1
	return maxParallelActions * 2
}

// DecrefSlot drops one reference on slot without touching any
// subscriber's transaction log or held table; it satisfies
// txlog.SlotDecrementer for use by the rollback executor, which resets the
// log itself; the executor's caller clears the held table via Unheld.
func (c *Control) DecrefSlot(slot int) (uint16, bool) {
	return c.slots[slot].DecRef()
}

// Unheld clears the held bit for (subscriberLogIdx, slot). Called by the
// rollback executor's caller after a successful rollback decrement, so
// subsequent ReferenceNextEvent calls from a freshly re-registered
// subscriber don't see stale "already held" state.
func (c *Control) Unheld(subscriberLogIdx, slot int) {
	if subscriberLogIdx == txlog.SkeletonLogIndex {
		return
	}
	c.heldMu.Lock()
	c.held[subscriberLogIdx][slot] = false
	c.heldMu.Unlock()
}

// AllocateNextSlot finds the slot whose timestamp is the oldest among
// slots that are neither in-writing nor referenced, and attempts to mark
// it InWriting via CAS. Retries up to maxRetries(); the caller owns the
// slot on success and must call EventReady or Discard.
func (c *Control) AllocateNextSlot() (int, bool) {
	for attempt := 0; attempt < c.maxRetries(); attempt++ {
		candidate := noSlot
		var oldestTS uint32
		oldestSeen := false
		for i := range c.slots {
			s := &c.slots[i]
			if s.IsInWriting() || s.IsUsed() {
				continue
			}
			ts := s.Timestamp()
			if !oldestSeen || ts < oldestTS {
				oldestSeen = true
				oldestTS = ts
				candidate = i
			}
		}
		if candidate == noSlot {
			return 0, false
		}
		if c.slots[candidate].TryMarkInWriting() {
			return candidate, true
		}
		// Lost the race for this slot; retry the scan.
	}
	return 0, false
}

// EventReady publishes slot: clears in_writing, stores timestamp, leaves
// ref_count at zero. timestamp must be strictly greater than any
// previously published timestamp from this producer (spec.md §8.2); a
// violation is a programming error in the producer and is logged loudly
// but not itself fatal, since the core cannot distinguish "producer bug"
// from "clock went backwards after a restart" without more context than
// this layer has.
func (c *Control) EventReady(slot int, timestamp uint32) {
	prev := c.lastPublished.Load()
	if timestamp <= prev {
		log.WithComponent("control").Warn().
			Uint32("timestamp", timestamp).
			Uint32("previous", prev).
			Int("slot", slot).
			Msg("EventReady timestamp is not strictly increasing")
	}
	c.slots[slot].MarkReady(timestamp)
	// Best-effort monotonic bump: a CAS loop isn't required here because
	// only this control's single producer ever calls EventReady.
	for {
		cur := c.lastPublished.Load()
		if timestamp <= cur {
			break
		}
		if c.lastPublished.CompareAndSwap(cur, timestamp) {
			break
		}
	}
}

// Discard atomically marks slot Invalid, making it re-allocatable.
func (c *Control) Discard(slot int) {
	c.slots[slot].MarkInvalid()
}

// ReferenceNextEvent finds the slot with the smallest timestamp strictly
// greater than startTS and at most upperTS that is not in-writing, not
// already held by subscriberLogIdx, and within the subscriber's
// max-samples quota, increments its ref count, and records the
// reference transaction in the subscriber's log.
func (c *Control) ReferenceNextEvent(startTS uint32, subscriberLogIdx int, upperTS uint32) (int, error) {
	if c.policy.EnforceMaxSamples {
		if held := c.heldCount(subscriberLogIdx); held >= c.policy.MaxSampleCount {
			return 0, fmt.Errorf("%w: subscriber %d at max sample quota (%d)",
				lolaerr.SampleAllocationFailure, subscriberLogIdx, c.policy.MaxSampleCount)
		}
	}

	candidate := noSlot
	var bestTS uint32
	bestSeen := false
	for i := range c.slots {
		s := &c.slots[i]
		if s.IsInWriting() {
			continue
		}
		if c.isHeld(subscriberLogIdx, i) {
			continue
		}
		ts := s.Timestamp()
		if ts <= startTS || ts > upperTS {
			continue
		}
		if !bestSeen || ts < bestTS {
			bestSeen = true
			bestTS = ts
			candidate = i
		}
	}
	if candidate == noSlot {
		return 0, fmt.Errorf("%w: no new event for subscriber %d", lolaerr.SampleAllocationFailure, subscriberLogIdx)
	}
	if !c.referenceSlot(candidate, subscriberLogIdx) {
		return 0, fmt.Errorf("%w: lost race referencing slot %d", lolaerr.SampleAllocationFailure, candidate)
	}
	return candidate, nil
}

// ReferenceSpecificEvent references a named slot directly, used by the
// skeleton's own tracing path. Returns false if the slot is in-writing,
// already held by the caller, or the CAS lost the race.
func (c *Control) ReferenceSpecificEvent(slot, subscriberLogIdx int) bool {
	if c.slots[slot].IsInWriting() {
		return false
	}
	if c.isHeld(subscriberLogIdx, slot) {
		return false
	}
	return c.referenceSlot(slot, subscriberLogIdx)
}

func (c *Control) referenceSlot(slot, subscriberLogIdx int) bool {
	metrics.ReferenceCallsTotal.WithLabelValues(string(c.quality)).Inc()
	entry := c.logs.For(subscriberLogIdx).Entry(slot)
	entry.BeginReference()
	_, ok := c.slots[slot].IncRef()
	entry.EndReference()
	if ok {
		c.setHeld(subscriberLogIdx, slot, true)
	}
	return ok
}

// DereferenceEvent records a deref transaction in the subscriber's log and
// atomically decrements the slot's ref count.
func (c *Control) DereferenceEvent(slot, subscriberLogIdx int) {
	metrics.DereferenceCallsTotal.WithLabelValues(string(c.quality)).Inc()
	entry := c.logs.For(subscriberLogIdx).Entry(slot)
	entry.BeginDereference()
	c.slots[slot].DecRef()
	entry.EndDereference()
	c.setHeld(subscriberLogIdx, slot, false)
}

// GetNumNewEvents counts published slots with timestamp > sinceTS.
func (c *Control) GetNumNewEvents(sinceTS uint32) int {
	n := 0
	for i := range c.slots {
		if c.slots[i].IsInWriting() {
			continue
		}
		if c.slots[i].Timestamp() > sinceTS {
			n++
		}
	}
	return n
}

// RemoveAllocationsForWriting scans every slot and marks any slot still
// InWriting as Invalid. Called by the skeleton after detecting a prior
// crash (spec.md §4.B / CleanupSharedMemoryAfterCrash).
func (c *Control) RemoveAllocationsForWriting() int {
	n := 0
	for i := range c.slots {
		if c.slots[i].IsInWriting() {
			c.slots[i].MarkInvalid()
			n++
		}
	}
	return n
}

// Slot exposes the raw slot word at index i for composite-level
// coordination (entity C needs to inspect/CAS slots directly to implement
// its dual-lock allocation policy).
func (c *Control) Slot(i int) *slotstate.Word {
	return &c.slots[i]
}

func (c *Control) isHeld(subscriberLogIdx, slot int) bool {
	if subscriberLogIdx == txlog.SkeletonLogIndex {
		return false
	}
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	return c.held[subscriberLogIdx][slot]
}

func (c *Control) setHeld(subscriberLogIdx, slot int, v bool) {
	if subscriberLogIdx == txlog.SkeletonLogIndex {
		return
	}
	c.heldMu.Lock()
	c.held[subscriberLogIdx][slot] = v
	c.heldMu.Unlock()
}

func (c *Control) heldCount(subscriberLogIdx int) int {
	if subscriberLogIdx == txlog.SkeletonLogIndex {
		return 0
	}
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	n := 0
	for _, h := range c.held[subscriberLogIdx] {
		if h {
			n++
		}
	}
	return n
}
