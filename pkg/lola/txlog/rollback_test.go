package txlog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSlots is a minimal SlotDecrementer that just counts decrements per
// slot, enough to assert rollback's arithmetic without pulling in control.
type fakeSlots struct {
	refCount []int
}

func newFakeSlots(n int) *fakeSlots {
	return &fakeSlots{refCount: make([]int, n)}
}

func (f *fakeSlots) DecrefSlot(slot int) (uint16, bool) {
	if f.refCount[slot] == 0 {
		return 0, false
	}
	f.refCount[slot]--
	return uint16(f.refCount[slot]), true
}

func TestExecutor_CrashedWhileReferencing(t *testing.T) {
	l := NewLog(4)
	l.Entry(2).BeginReference() // refBegin=1, refEnd=0: crashed mid-reference

	slots := newFakeSlots(4)
	slots.refCount[2] = 1 // the CAS that took the ref already landed

	ex := NewExecutor(&sync.Mutex{})
	decisions, err := ex.Rollback(slots, l)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, CaseCrashedRef, decisions[0].Case)
	require.Equal(t, 0, slots.refCount[2])

	snap := l.Entry(2).snapshot()
	require.Zero(t, snap.RefBegin)
}

func TestExecutor_CrashedWhileDereferencing(t *testing.T) {
	l := NewLog(4)
	l.Entry(1).BeginReference()
	l.Entry(1).EndReference()
	l.Entry(1).BeginDereference() // crashed after decrementing, before recording end

	slots := newFakeSlots(4)
	// The deref's CAS already ran before the crash, so the slot reflects
	// zero outstanding refs for this subscriber already.

	ex := NewExecutor(&sync.Mutex{})
	decisions, err := ex.Rollback(slots, l)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, CaseCrashedDeref, decisions[0].Case)
	require.Equal(t, 0, decisions[0].Decremented)
}

func TestExecutor_OutstandingReferences(t *testing.T) {
	l := NewLog(4)
	// Two completed reference() calls, no dereference() calls: two
	// outstanding refs to unwind.
	for i := 0; i < 2; i++ {
		l.Entry(3).BeginReference()
		l.Entry(3).EndReference()
	}

	slots := newFakeSlots(4)
	slots.refCount[3] = 2

	ex := NewExecutor(&sync.Mutex{})
	decisions, err := ex.Rollback(slots, l)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, CaseOutstanding, decisions[0].Case)
	require.Equal(t, 2, decisions[0].Decremented)
	require.Equal(t, 0, slots.refCount[3])
}

func TestExecutor_BalancedLogContributesNothing(t *testing.T) {
	l := NewLog(4)
	l.Entry(0).BeginReference()
	l.Entry(0).EndReference()
	l.Entry(0).BeginDereference()
	l.Entry(0).EndDereference()

	slots := newFakeSlots(4)
	ex := NewExecutor(&sync.Mutex{})
	decisions, err := ex.Rollback(slots, l)
	require.NoError(t, err)
	require.Empty(t, decisions)
}

func TestExecutor_ResetsLogAfterRollback(t *testing.T) {
	l := NewLog(2)
	l.Entry(0).BeginReference()
	l.Entry(0).EndReference()

	slots := newFakeSlots(2)
	slots.refCount[0] = 1

	ex := NewExecutor(&sync.Mutex{})
	_, err := ex.Rollback(slots, l)
	require.NoError(t, err)

	snap := l.Entry(0).snapshot()
	require.Zero(t, snap.RefBegin)
	require.Zero(t, snap.RefEnd)
	require.Zero(t, snap.DerefBegin)
	require.Zero(t, snap.DerefEnd)
}

func TestExecutor_RejectsReentrance(t *testing.T) {
	ex := NewExecutor(&sync.Mutex{})
	ex.running = true
	_, err := ex.Rollback(newFakeSlots(1), NewLog(1))
	require.Error(t, err)
}
