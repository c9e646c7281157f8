package flagfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/lola/pkg/lola/shm"
)

func TestMake_CreatesAndExists(t *testing.T) {
	root := t.TempDir()
	id := EnrichedID{ServiceID: 10, InstanceID: 1, Quality: shm.QualityQM}

	h, err := Make(root, id, 1)
	require.NoError(t, err)
	defer h.Close()

	ok, err := Exists(root, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMake_RemovesPriorSameQualityFlagFile(t *testing.T) {
	root := t.TempDir()
	id := EnrichedID{ServiceID: 10, InstanceID: 1, Quality: shm.QualityQM}

	h1, err := Make(root, id, 1)
	require.NoError(t, err)
	first := h1.Path()

	h2, err := Make(root, id, 2)
	require.NoError(t, err)
	defer h2.Close()

	_, statErr := os.Stat(first)
	require.Error(t, statErr, "Make must remove the previous flag file for the same quality")
}

func TestMake_DoesNotDisturbOtherQuality(t *testing.T) {
	root := t.TempDir()
	qm := EnrichedID{ServiceID: 10, InstanceID: 1, Quality: shm.QualityQM}
	b := EnrichedID{ServiceID: 10, InstanceID: 1, Quality: shm.QualityASILB}

	hqm, err := Make(root, qm, 1)
	require.NoError(t, err)
	defer hqm.Close()

	hb, err := Make(root, b, 2)
	require.NoError(t, err)
	defer hb.Close()

	okQM, _ := Exists(root, qm)
	okB, _ := Exists(root, b)
	require.True(t, okQM)
	require.True(t, okB)
}

func TestHandle_CloseRemovesFile(t *testing.T) {
	root := t.TempDir()
	id := EnrichedID{ServiceID: 1, InstanceID: 1, Quality: shm.QualityQM}

	h, err := Make(root, id, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	ok, err := Exists(root, id)
	require.NoError(t, err)
	require.False(t, ok)

	// Closing twice must be a no-op, not an error.
	require.NoError(t, h.Close())
}

func TestExists_FalseWhenDirectoryMissing(t *testing.T) {
	root := t.TempDir()
	ok, err := Exists(root, EnrichedID{ServiceID: 5, InstanceID: 5, Quality: shm.QualityQM})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseFileName(t *testing.T) {
	q, ok := parseFileName("1234_asil-qm_987")
	require.True(t, ok)
	require.Equal(t, shm.QualityQM, q)

	q, ok = parseFileName("1234_asil-b_987")
	require.True(t, ok)
	require.Equal(t, shm.QualityASILB, q)

	_, ok = parseFileName("not-a-flag-file")
	require.False(t, ok)
}
