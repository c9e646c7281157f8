// Package slotstate implements the single-word atomic slot status used by
// the LoLa event data control block (spec entity A). A slot is either
// InWriting (producer owns it), InUse (ref_count > 0), or Invalid
// (re-allocatable). All fields live in one 64-bit word so that a single
// compare-and-swap is the linearisation point for every transition.
package slotstate

import "sync/atomic"

const (
	inWritingBit = 1 << 0
	timestampLo  = 1
	timestampBits = 32
	timestampMask = uint64(1)<<timestampBits - 1
	refCountLo    = timestampLo + timestampBits // bit 33
	refCountBits  = 16
	refCountMask  = uint64(1)<<refCountBits - 1
)

// Word is one slot's status, stored as a single atomic 64-bit value.
// The zero value is Invalid (timestamp 0, not in writing, ref count 0),
// matching the "0 reserved for InWriting" convention: a freshly allocated
// slot array starts fully Invalid.
type Word struct {
	raw atomic.Uint64
}

func pack(inWriting bool, timestamp uint32, refCount uint16) uint64 {
	var v uint64
	if inWriting {
		v |= inWritingBit
	}
	v |= (uint64(timestamp) & timestampMask) << timestampLo
	v |= (uint64(refCount) & refCountMask) << refCountLo
	return v
}

func unpack(v uint64) (inWriting bool, timestamp uint32, refCount uint16) {
	inWriting = v&inWritingBit != 0
	timestamp = uint32((v >> timestampLo) & timestampMask)
	refCount = uint16((v >> refCountLo) & refCountMask)
	return
}

// cas is the single indirection point over the atomic compare-and-swap,
// required so unit tests can substitute a hook that simulates CAS loss
// without racing the real hardware instruction.
var casHook func(w *Word, old, new uint64) bool

func (w *Word) cas(old, new uint64) bool {
	if casHook != nil {
		return casHook(w, old, new)
	}
	return w.raw.CompareAndSwap(old, new)
}

// MarkInWriting unconditionally transitions the word to InWriting with a
// zero timestamp and zero ref count. Nothing in this module calls it: the
// allocator reaches InWriting only through a successful CAS (see
// TryMarkInWriting), and RemoveAllocationsForWriting clears in-writing
// slots with MarkInvalid.
func (w *Word) MarkInWriting() {
	w.raw.Store(pack(true, 0, 0))
}

// TryMarkInWriting attempts to move a free slot (not in writing, not
// referenced) into InWriting via CAS, preserving nothing: InWriting slots
// carry no ref count and no meaningful timestamp until EventReady.
// Returns false if the word changed underneath the caller.
func (w *Word) TryMarkInWriting() bool {
	old := w.raw.Load()
	inWriting, _, refCount := unpack(old)
	if inWriting || refCount > 0 {
		return false
	}
	return w.cas(old, pack(true, 0, 0))
}

// MarkInvalid atomically marks the slot Invalid, making it re-allocatable.
func (w *Word) MarkInvalid() {
	w.raw.Store(pack(false, 0, 0))
}

// MarkReady publishes the slot: clears in_writing, stores the new
// timestamp, leaves ref_count at zero. Caller must already own the slot
// (have won TryMarkInWriting) and must supply a timestamp strictly greater
// than any previously published timestamp from this producer — callers
// enforce the monotonicity invariant, MarkReady itself is unconditional
// because it runs under exclusive producer ownership of the slot.
func (w *Word) MarkReady(timestamp uint32) {
	w.raw.Store(pack(false, timestamp, 0))
}

// Timestamp returns the currently published timestamp.
func (w *Word) Timestamp() uint32 {
	_, ts, _ := unpack(w.raw.Load())
	return ts
}

// IsInvalid reports timestamp==0 and not in-writing.
func (w *Word) IsInvalid() bool {
	inWriting, ts, _ := unpack(w.raw.Load())
	return ts == 0 && !inWriting
}

// IsUsed reports ref_count>0 or in_writing.
func (w *Word) IsUsed() bool {
	inWriting, _, refCount := unpack(w.raw.Load())
	return inWriting || refCount > 0
}

// IsInWriting reports whether the slot is currently owned by a producer.
func (w *Word) IsInWriting() bool {
	inWriting, _, _ := unpack(w.raw.Load())
	return inWriting
}

// IncRef atomically increments the ref count via CAS retry loop and
// returns the new count. ok is false only if the slot became in-writing
// or invalid underneath the caller (a referencer must re-check after a
// false return, it never means "overflow").
func (w *Word) IncRef() (newCount uint16, ok bool) {
	for {
		old := w.raw.Load()
		inWriting, ts, refCount := unpack(old)
		if inWriting || ts == 0 {
			return 0, false
		}
		refCount++
		if w.cas(old, pack(inWriting, ts, refCount)) {
			return refCount, true
		}
	}
}

// DecRef atomically decrements the ref count via CAS retry loop and
// returns the new count. ok is false if the ref count was already zero.
func (w *Word) DecRef() (newCount uint16, ok bool) {
	for {
		old := w.raw.Load()
		inWriting, ts, refCount := unpack(old)
		if refCount == 0 {
			return 0, false
		}
		refCount--
		if w.cas(old, pack(inWriting, ts, refCount)) {
			return refCount, true
		}
	}
}

// RefCount returns the current ref count without mutating state.
func (w *Word) RefCount() uint16 {
	_, _, refCount := unpack(w.raw.Load())
	return refCount
}

// Raw returns the underlying 64-bit encoding, for diagnostics and tests.
func (w *Word) Raw() uint64 {
	return w.raw.Load()
}
