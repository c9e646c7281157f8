package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathFor_BitExact(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindData, "/dev/shm/lola-data-0000000000000042-00007"},
		{KindControlQM, "/dev/shm/lola-ctl-0000000000000042-00007"},
		{KindControlASILB, "/dev/shm/lola-ctl-0000000000000042-00007-b"},
	}
	for _, tc := range cases {
		got := PathFor(DefaultMount, tc.kind, 42, 7)
		require.Equal(t, tc.want, got)
	}
}

func TestPathFor_UnknownKindPanics(t *testing.T) {
	require.Panics(t, func() {
		PathFor(DefaultMount, Kind(99), 1, 1)
	})
}
