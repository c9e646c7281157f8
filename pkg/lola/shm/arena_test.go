package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArena_CreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lola-ctl-test")

	a, err := Create(path, 64)
	require.NoError(t, err)
	copy(a.Bytes(), []byte("hello"))
	require.NoError(t, a.Close())

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, 64, b.Size())
	require.Equal(t, []byte("hello"), b.At(0, 5))
}

func TestFactory_RemoveStaleArtefacts(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(dir)

	_, err := f.Create(KindData, 1, 1, 16)
	require.NoError(t, err)
	_, err = f.Create(KindControlQM, 1, 1, 16)
	require.NoError(t, err)
	_, err = f.Create(KindControlASILB, 1, 1, 16)
	require.NoError(t, err)

	require.NoError(t, f.RemoveStaleArtefacts(1, 1, true))

	_, err = f.Open(KindData, 1, 1)
	require.Error(t, err)
}

func TestSizeByEstimation_OverApproximates(t *testing.T) {
	events := []EventSizing{{NumSlots: 5, SampleSize: 64}, {NumSlots: 3, SampleSize: 128}}
	ctrl := SizeByEstimation(events)
	data := SizeDataByEstimation(events)

	require.Greater(t, ctrl, 0)
	require.GreaterOrEqual(t, data, 5*64+3*128, "data sizing must at least cover raw sample bytes")
}
