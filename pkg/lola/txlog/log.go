// Package txlog implements the per-subscriber transaction log used to make
// slot references crash-recoverable (spec entity D). Each subscriber (and
// the skeleton's own tracing path) gets one Log, indexed by slot, recording
// the begin/end counts of every reference and dereference transaction.
package txlog

import "sync/atomic"

// Entry is one slot's transaction counters for one subscriber. All four
// counters are monotonically increasing for the lifetime of the
// subscription; Reset zeroes them after a successful rollback.
type Entry struct {
	refBegin   atomic.Uint32
	refEnd     atomic.Uint32
	derefBegin atomic.Uint32
	derefEnd   atomic.Uint32
}

// Snapshot is a point-in-time read of an Entry's four counters.
type Snapshot struct {
	RefBegin, RefEnd, DerefBegin, DerefEnd uint32
}

func (e *Entry) snapshot() Snapshot {
	return Snapshot{
		RefBegin:   e.refBegin.Load(),
		RefEnd:     e.refEnd.Load(),
		DerefBegin: e.derefBegin.Load(),
		DerefEnd:   e.derefEnd.Load(),
	}
}

// BeginReference records that a reference transaction has started.
func (e *Entry) BeginReference() { e.refBegin.Add(1) }

// EndReference records that a reference transaction has completed.
func (e *Entry) EndReference() { e.refEnd.Add(1) }

// BeginDereference records that a dereference transaction has started.
func (e *Entry) BeginDereference() { e.derefBegin.Add(1) }

// EndDereference records that a dereference transaction has completed.
func (e *Entry) EndDereference() { e.derefEnd.Add(1) }

// Reset zeroes all four counters. Called once rollback has fully resolved
// the entry's contribution to the slot's ref count.
func (e *Entry) Reset() {
	e.refBegin.Store(0)
	e.refEnd.Store(0)
	e.derefBegin.Store(0)
	e.derefEnd.Store(0)
}

// Log is one subscriber's transaction log, one Entry per slot.
type Log struct {
	entries []Entry
}

// NewLog allocates a Log with numSlots entries, all zeroed.
func NewLog(numSlots int) *Log {
	return &Log{entries: make([]Entry, numSlots)}
}

// Entry returns the entry for the given slot index. Panics on an
// out-of-range index, mirroring the fixed-size-array discipline of the
// shared-memory layout it models: a bad slot index here is a programming
// error, not a runtime condition to recover from.
func (l *Log) Entry(slot int) *Entry {
	return &l.entries[slot]
}

// NumSlots returns the number of slot entries in the log.
func (l *Log) NumSlots() int {
	return len(l.entries)
}

// Set holds one Log per subscriber plus one distinguished log for the
// skeleton's own tracing path (index SkeletonLogIndex), per spec entity B's
// transaction_log_set.
type Set struct {
	logs []*Log
}

// SkeletonLogIndex is the reserved index for the skeleton's own tracing
// transaction log, distinct from every subscriber index.
const SkeletonLogIndex = -1

// NewSet allocates a Set with one Log per subscriber (indices
// 0..maxSubscribers-1) plus a distinguished skeleton log, each with
// numSlots entries.
func NewSet(maxSubscribers, numSlots int) *Set {
	logs := make([]*Log, maxSubscribers+1)
	for i := range logs {
		logs[i] = NewLog(numSlots)
	}
	return &Set{logs: logs}
}

// index maps a subscriber log index (or SkeletonLogIndex) to the backing
// slice position; the skeleton log is kept last.
func (s *Set) index(subscriberLogIdx int) int {
	if subscriberLogIdx == SkeletonLogIndex {
		return len(s.logs) - 1
	}
	return subscriberLogIdx
}

// For returns the Log for the given subscriber log index (or
// SkeletonLogIndex for the skeleton's tracing log).
func (s *Set) For(subscriberLogIdx int) *Log {
	return s.logs[s.index(subscriberLogIdx)]
}

// MaxSubscribers returns the number of subscriber slots in the set,
// excluding the distinguished skeleton log.
func (s *Set) MaxSubscribers() int {
	return len(s.logs) - 1
}
