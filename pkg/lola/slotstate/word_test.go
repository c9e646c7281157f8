package slotstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWord_InitialStateIsInvalid(t *testing.T) {
	var w Word
	require.True(t, w.IsInvalid())
	require.False(t, w.IsUsed())
	require.False(t, w.IsInWriting())
}

func TestWord_RoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		inWriting  bool
		timestamp  uint32
		refCount   uint16
	}{
		{"writing", true, 0, 0},
		{"ready-no-refs", false, 42, 0},
		{"ready-with-refs", false, 7, 3},
		{"max-timestamp", false, 0xFFFFFFFF, 0},
		{"max-refcount", false, 5, 0xFFFF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := pack(tc.inWriting, tc.timestamp, tc.refCount)
			inWriting, ts, refCount := unpack(raw)
			require.Equal(t, tc.inWriting, inWriting)
			require.Equal(t, tc.timestamp, ts)
			require.Equal(t, tc.refCount, refCount)
		})
	}
}

func TestWord_MarkReadyThenDiscard(t *testing.T) {
	var w Word
	require.True(t, w.TryMarkInWriting())
	require.True(t, w.IsInWriting())
	w.MarkReady(5)
	require.False(t, w.IsInWriting())
	require.Equal(t, uint32(5), w.Timestamp())
	require.True(t, w.IsUsed() == false)

	w.MarkInvalid()
	require.True(t, w.IsInvalid())
}

func TestWord_IncDecRef(t *testing.T) {
	var w Word
	w.MarkReady(1)

	n, ok := w.IncRef()
	require.True(t, ok)
	require.Equal(t, uint16(1), n)
	require.True(t, w.IsUsed())

	n, ok = w.IncRef()
	require.True(t, ok)
	require.Equal(t, uint16(2), n)

	n, ok = w.DecRef()
	require.True(t, ok)
	require.Equal(t, uint16(1), n)

	n, ok = w.DecRef()
	require.True(t, ok)
	require.Equal(t, uint16(0), n)
	require.False(t, w.IsUsed())

	_, ok = w.DecRef()
	require.False(t, ok, "decrementing a zero ref count must fail")
}

func TestWord_IncRefFailsWhileInWriting(t *testing.T) {
	var w Word
	require.True(t, w.TryMarkInWriting())
	_, ok := w.IncRef()
	require.False(t, ok)
}

func TestWord_TryMarkInWritingFailsWhenUsed(t *testing.T) {
	var w Word
	w.MarkReady(1)
	_, _ = w.IncRef()
	require.False(t, w.TryMarkInWriting())
}

func TestWord_CASHookSimulatesLoss(t *testing.T) {
	var w Word
	attempts := 0
	casHook = func(word *Word, old, new uint64) bool {
		attempts++
		if attempts < 3 {
			return false
		}
		return word.raw.CompareAndSwap(old, new)
	}
	defer func() { casHook = nil }()

	w.MarkReady(1)
	n, ok := w.IncRef()
	require.True(t, ok)
	require.Equal(t, uint16(1), n)
	require.Equal(t, 3, attempts)
}
