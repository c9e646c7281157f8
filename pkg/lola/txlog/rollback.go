package txlog

import (
	"fmt"
	"sync"

	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lolaerr"
	"github.com/cuemby/lola/pkg/log"
)

// SlotDecrementer is the minimal surface Rollback needs from a slot status
// array: the ability to drop one reference on a named slot. control.Control
// satisfies this without txlog importing control, avoiding an import cycle
// between the two entities spec.md pairs together (B and D).
type SlotDecrementer interface {
	DecrefSlot(slot int) (newCount uint16, ok bool)
}

// Decision records what Rollback did for one slot, returned for test
// assertions and for the optional forensic sink.
type Decision struct {
	Slot        int
	Case        Case
	Decremented int
}

// Case names which branch of the spec.md §4.D algorithm fired for a slot.
type Case string

const (
	CaseNone         Case = "none"
	CaseCrashedRef   Case = "crashed_ref"   // ref_begin > ref_end
	CaseCrashedDeref Case = "crashed_deref" // deref_begin > deref_end
	CaseOutstanding  Case = "outstanding"   // both equal, ref_calls - deref_calls outstanding
)

// Executor runs the rollback algorithm for one subscriber's log against a
// control block. It is non-reentrant: the caller must hold the
// instance-usage flock (skeleton re-open path) or the usage shared-flock
// (proxy create path) for the whole call, and must serialize concurrent
// Rollback calls on the same Executor with Guard.
type Executor struct {
	Guard *sync.Mutex

	mu      sync.Mutex
	running bool
}

// NewExecutor builds an Executor that carries the supplied mutex as Guard,
// typically the same mutex the caller uses to hold its flock-protected
// critical section. Rollback itself never locks Guard; it refuses a
// re-entered call with an error instead.
func NewExecutor(guard *sync.Mutex) *Executor {
	return &Executor{Guard: guard}
}

// Rollback executes the 4-case recovery algorithm against every slot entry
// of the subscriber's log, then resets the log. It returns the per-slot
// decisions taken so callers (and the forensic sink) can audit exactly
// what was undone.
func (x *Executor) Rollback(decrementer SlotDecrementer, l *Log) ([]Decision, error) {
	x.mu.Lock()
	if x.running {
		x.mu.Unlock()
		return nil, fmt.Errorf("%w: rollback executor re-entered", lolaerr.BindingFailure)
	}
	x.running = true
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.running = false
		x.mu.Unlock()
	}()

	logger := log.WithComponent("txlog")
	decisions := make([]Decision, 0, l.NumSlots())

	for slot := 0; slot < l.NumSlots(); slot++ {
		entry := l.Entry(slot)
		snap := entry.snapshot()

		var decision Decision
		decision.Slot = slot

		switch {
		case snap.RefBegin > snap.RefEnd:
			decision.Case = CaseCrashedRef
			if _, ok := decrementer.DecrefSlot(slot); ok {
				decision.Decremented = 1
			}

		case snap.DerefBegin > snap.DerefEnd:
			decision.Case = CaseCrashedDeref
			// Deref already took effect on the slot before the crash;
			// no further decrement.

		default:
			outstanding := int(snap.RefEnd) - int(snap.DerefEnd)
			if outstanding > 0 {
				decision.Case = CaseOutstanding
				for i := 0; i < outstanding; i++ {
					if _, ok := decrementer.DecrefSlot(slot); ok {
						decision.Decremented++
					}
				}
			} else {
				decision.Case = CaseNone
			}
		}

		if decision.Case != CaseNone {
			logger.Debug().
				Int("slot", slot).
				Str("case", string(decision.Case)).
				Int("decremented", decision.Decremented).
				Msg("rollback applied to slot")
			decisions = append(decisions, decision)
			metrics.RollbackExecutionsTotal.WithLabelValues(string(decision.Case)).Inc()
		}

		entry.Reset()
	}

	return decisions, nil
}
