package control

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{MaxSubscribers: 4, EnforceMaxSamples: false}
}

// S1: single slot allocate / publish / read.
func TestControl_SingleSlotRoundTrip(t *testing.T) {
	c := New(5, testPolicy())

	slot, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.Equal(t, 0, slot)

	c.EventReady(slot, 1)
	require.Equal(t, uint32(1), c.Slot(0).Timestamp())

	ref, err := c.ReferenceNextEvent(0, 0, math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, 0, ref)

	c.DereferenceEvent(ref, 0)
	require.Equal(t, uint16(0), c.Slot(0).RefCount())
	require.Equal(t, uint32(1), c.Slot(0).Timestamp())
}

// S2: oldest-slot reuse.
func TestControl_AllocateReturnsOldestSlot(t *testing.T) {
	c := New(5, testPolicy())

	for i := 0; i < 5; i++ {
		slot, ok := c.AllocateNextSlot()
		require.True(t, ok)
		require.Equal(t, i, slot)
		c.EventReady(slot, uint32(i+1))
	}

	// All slots are now Ready (not in-writing, not referenced) with
	// timestamps 1..5; slot 0 has the oldest timestamp and must be the
	// next allocation even though every slot is "free".
	slot, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.Equal(t, 0, slot)
}

func TestControl_AllocateSkipsReferencedAndInWritingSlots(t *testing.T) {
	c := New(3, testPolicy())
	for i := 0; i < 3; i++ {
		slot, _ := c.AllocateNextSlot()
		c.EventReady(slot, uint32(i+1))
	}

	// Hold a reference on slot 0, the oldest; allocation must skip it.
	_, err := c.ReferenceNextEvent(0, 0, math.MaxUint32)
	require.NoError(t, err)

	slot, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.Equal(t, 1, slot)
}

func TestControl_AllocateFailsWhenAllSlotsUsed(t *testing.T) {
	c := New(2, testPolicy())
	for i := 0; i < 2; i++ {
		slot, _ := c.AllocateNextSlot()
		c.EventReady(slot, uint32(i+1))
		_, err := c.ReferenceNextEvent(0, 0, math.MaxUint32)
		require.NoError(t, err)
	}
	_, ok := c.AllocateNextSlot()
	require.False(t, ok)
}

func TestControl_ReferenceNextEventRespectsUpperBound(t *testing.T) {
	c := New(3, testPolicy())
	for i := 0; i < 3; i++ {
		slot, _ := c.AllocateNextSlot()
		c.EventReady(slot, uint32(i+1))
	}

	ref, err := c.ReferenceNextEvent(0, 0, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), c.Slot(ref).Timestamp())
}

func TestControl_ReferenceNextEventNeverDoubleCountsSameSubscriber(t *testing.T) {
	// Open Question resolution: a subscriber must not be able to
	// increment the same slot's ref count twice without an intervening
	// dereference.
	c := New(2, testPolicy())
	slot, _ := c.AllocateNextSlot()
	c.EventReady(slot, 1)

	first, err := c.ReferenceNextEvent(0, 0, math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, slot, first)

	_, err = c.ReferenceNextEvent(0, 0, math.MaxUint32)
	require.Error(t, err, "subscriber already holds the only published slot")
	require.Equal(t, uint16(1), c.Slot(slot).RefCount())
}

func TestControl_MaxSamplesEnforced(t *testing.T) {
	policy := Policy{MaxSubscribers: 2, EnforceMaxSamples: true, MaxSampleCount: 1}
	c := New(3, policy)
	for i := 0; i < 3; i++ {
		slot, _ := c.AllocateNextSlot()
		c.EventReady(slot, uint32(i+1))
	}

	_, err := c.ReferenceNextEvent(0, 0, math.MaxUint32)
	require.NoError(t, err)

	// Subscriber already holds one slot at its quota of 1: a second
	// reference must be denied even though free slots exist.
	_, err = c.ReferenceNextEvent(1, 0, math.MaxUint32)
	require.Error(t, err)
}

func TestControl_DiscardMakesSlotReallocatable(t *testing.T) {
	c := New(1, testPolicy())
	slot, _ := c.AllocateNextSlot()
	c.EventReady(slot, 1)
	c.Discard(slot)

	require.True(t, c.Slot(slot).IsInvalid())
	next, ok := c.AllocateNextSlot()
	require.True(t, ok)
	require.Equal(t, slot, next)
}

func TestControl_GetNumNewEvents(t *testing.T) {
	c := New(4, testPolicy())
	for i := 0; i < 4; i++ {
		slot, _ := c.AllocateNextSlot()
		c.EventReady(slot, uint32(i+1))
	}
	require.Equal(t, 4, c.GetNumNewEvents(0))
	require.Equal(t, 2, c.GetNumNewEvents(2))
	require.Equal(t, 0, c.GetNumNewEvents(10))
}

func TestControl_RemoveAllocationsForWriting(t *testing.T) {
	c := New(3, testPolicy())
	_, ok := c.AllocateNextSlot()
	require.True(t, ok)
	// Slot 0 is now InWriting, simulating a producer crash before
	// EventReady.
	n := c.RemoveAllocationsForWriting()
	require.Equal(t, 1, n)
	require.True(t, c.Slot(0).IsInvalid())
}

// Universal invariant (spec.md §8.1): ref_count always equals the sum of
// outstanding refs across all subscribers.
func TestControl_RefCountMatchesTransactionLog(t *testing.T) {
	policy := Policy{MaxSubscribers: 3, EnforceMaxSamples: false}
	c := New(2, policy)
	slot, _ := c.AllocateNextSlot()
	c.EventReady(slot, 1)

	for sub := 0; sub < 3; sub++ {
		_, err := c.ReferenceNextEvent(0, sub, math.MaxUint32)
		require.NoError(t, err)
	}
	require.Equal(t, uint16(3), c.Slot(slot).RefCount())

	c.DereferenceEvent(slot, 1)
	require.Equal(t, uint16(2), c.Slot(slot).RefCount())

	c.DereferenceEvent(slot, 0)
	c.DereferenceEvent(slot, 2)
	require.Equal(t, uint16(0), c.Slot(slot).RefCount())
}
