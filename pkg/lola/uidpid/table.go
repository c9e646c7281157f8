// Package uidpid implements the fixed-capacity UID→PID mapping (spec
// entity E) used to detect proxy restarts: each entry's status and uid
// live in a single atomic word so readers never observe a half-written
// pair, while the pid itself is only mutated by the owning uid or while
// the entry is mid-takeover.
package uidpid

import (
	"sync/atomic"

	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/log"
)

// Status is an entry's lifecycle state.
type Status uint8

const (
	Unused Status = iota
	Used
	Updating
)

// DefaultCapacity is the default number of entries in a Table, matching
// spec.md §4.E's default of 50.
const DefaultCapacity = 50

// minRegisterRetries is the bounded retry budget for RegisterPid's CAS
// loop when claiming a fresh Unused entry. spec.md §4.E requires >= 50;
// kept as a named constant rather than scaled off the deployment, since
// contention here is bounded by concurrent *first-time* registrations
// racing for the same empty slot, not by steady-state traffic.
const minRegisterRetries = 50

func pack(status Status, uid uint32) uint64 {
	return uint64(status)<<32 | uint64(uid)
}

func unpack(v uint64) (Status, uint32) {
	return Status(v >> 32), uint32(v)
}

// entry is one UID→PID slot: a single atomic status+uid word, and a
// separate atomic pid mutated only under the discipline spec.md §4.E
// describes.
type entry struct {
	word atomic.Uint64
	pid  atomic.Uint32
}

// Table is a fixed-capacity lock-free UID→PID map.
type Table struct {
	entries []entry
}

// New allocates a Table with the given capacity.
func New(capacity int) *Table {
	return &Table{entries: make([]entry, capacity)}
}

// RegisterPid maps uid to pid. If uid was already registered, its pid is
// updated in place and the prior pid is returned with hadPrev true. If the
// table is full and uid is not already present, ok is false.
func (t *Table) RegisterPid(uid, pid uint32) (prev uint32, hadPrev bool, ok bool) {
	logger := log.WithComponent("uidpid")

	// Step 1: an entry already Used by this uid — update pid in place,
	// owned by our uid, and return the prior value.
	for i := range t.entries {
		e := &t.entries[i]
		status, entryUID := unpack(e.word.Load())
		if status == Used && entryUID == uid {
			prior := e.pid.Swap(pid)
			if prior != pid {
				metrics.UidPidTakeoversTotal.Inc()
			}
			return prior, true, true
		}
	}

	// Step 2: an entry stuck Updating with our uid — we previously
	// crashed mid-takeover; finish the transition ourselves.
	for i := range t.entries {
		e := &t.entries[i]
		status, entryUID := unpack(e.word.Load())
		if status == Updating && entryUID == uid {
			prior := e.pid.Swap(pid)
			e.word.Store(pack(Used, uid))
			metrics.UidPidTakeoversTotal.Inc()
			logger.Warn().Uint32("uid", uid).Msg("completed an interrupted UID→PID takeover")
			return prior, true, true
		}
	}

	// Step 3: claim a fresh Unused entry via CAS(Unused,*) -> Updating.
	for attempt := 0; attempt < minRegisterRetries; attempt++ {
		for i := range t.entries {
			e := &t.entries[i]
			old := e.word.Load()
			status, _ := unpack(old)
			if status != Unused {
				continue
			}
			if e.word.CompareAndSwap(old, pack(Updating, uid)) {
				e.pid.Store(pid)
				e.word.Store(pack(Used, uid))
				return 0, false, true
			}
		}
	}

	logger.Error().Uint32("uid", uid).Msg("UID→PID table full")
	return 0, false, false
}

// Lookup returns the current pid registered for uid, if any.
func (t *Table) Lookup(uid uint32) (pid uint32, found bool) {
	for i := range t.entries {
		e := &t.entries[i]
		status, entryUID := unpack(e.word.Load())
		if status != Unused && entryUID == uid {
			return e.pid.Load(), true
		}
	}
	return 0, false
}

// Capacity returns the table's fixed entry count.
func (t *Table) Capacity() int { return len(t.entries) }
