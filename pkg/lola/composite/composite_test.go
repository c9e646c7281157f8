package composite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/lola/pkg/lola/control"
)

func newPair(numSlots, maxSubs int) (*control.Control, *control.Control) {
	policy := control.Policy{MaxSubscribers: maxSubs}
	return control.New(numSlots, policy), control.New(numSlots, policy)
}

func TestComposite_QMOnlyDelegates(t *testing.T) {
	qm, _ := newPair(3, 2)
	c := New(qm, nil)

	slot, ignoreQM, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.False(t, ignoreQM)
	require.Equal(t, 0, slot)
}

func TestComposite_DualAllocatePublishesToBoth(t *testing.T) {
	qm, b := newPair(3, 2)
	c := New(qm, b)

	slot, ignoreQM, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.False(t, ignoreQM)

	c.EventReady(slot, 5)
	require.Equal(t, uint32(5), qm.Slot(slot).Timestamp())
	require.Equal(t, uint32(5), b.Slot(slot).Timestamp())
}

// S3: dual-quality allocate with a QM CAS that always fails.
func TestComposite_QMStarvationLatchesIgnoreQM(t *testing.T) {
	qm, b := newPair(5, 2)
	c := New(qm, b)

	for i := 0; i < 5; i++ {
		_, _ = qm.AllocateNextSlot()
		qm.EventReady(i, uint32(i+1))
	}
	// Hold a reference on every QM slot so IsUsed() is true for all of
	// them: the dual candidate search then finds no slot free in both
	// blocks, and the composite latches ignore_qm and falls back to
	// ASIL-B-only allocation.
	for i := 0; i < 5; i++ {
		_, err := qm.ReferenceNextEvent(0, 0, ^uint32(0))
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		b.Discard(i) // ASIL-B side stays free
	}

	slot, ignoreQM, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.True(t, ignoreQM)
	require.True(t, c.IgnoreQM())
	require.GreaterOrEqual(t, slot, 0)

	// No-regression invariant (spec.md §8.4): once latched, further
	// operations never touch QM again.
	c.EventReady(slot, 99)
	require.False(t, qm.Slot(slot).IsUsed() && qm.Slot(slot).Timestamp() == 99)
	require.Nil(t, c.QM())
}

func TestComposite_SkipsSlotInWritingOnASILB(t *testing.T) {
	qm, b := newPair(2, 2)
	c := New(qm, b)

	// Pre-mark slot 0 InWriting on ASIL-B only: the dual candidate search
	// skips slots that are not free in both blocks, so slot 0 is never
	// reserved on QM.
	require.True(t, b.Slot(0).TryMarkInWriting())

	slot, ignoreQM, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.False(t, ignoreQM)
	require.Equal(t, 1, slot, "slot 0 is in writing on ASIL-B, allocation must move to slot 1")
	require.False(t, qm.Slot(0).IsInWriting(), "slot 0 must be left untouched on QM")
}
