package proxy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/lola/pkg/lola/control"
	"github.com/cuemby/lola/pkg/lola/discovery/watcher"
	"github.com/cuemby/lola/pkg/lola/proxy"
	"github.com/cuemby/lola/pkg/lola/shm"
	"github.com/cuemby/lola/pkg/lola/skeleton"
)

type fakeMessaging struct {
	uid             uint32
	oldPid, newPid  uint32
	notified        bool
}

func (f *fakeMessaging) NotifyEvent(string) {}

func (f *fakeMessaging) NotifyOutdatedNodeId(uid uint32, oldPid, newPid uint32) {
	f.notified = true
	f.uid, f.oldPid, f.newPid = uid, oldPid, newPid
}

func newTestSkeleton(t *testing.T) (*skeleton.Skeleton, skeleton.Config, skeleton.ElementFqId) {
	t.Helper()
	cfg := skeleton.Config{
		Mount:         t.TempDir(),
		StateDir:      t.TempDir(),
		DiscoveryRoot: t.TempDir(),
	}
	sk := skeleton.New(cfg, 10, 1, false)
	require.NoError(t, sk.Create())
	require.NoError(t, sk.PrepareOffer([]shm.EventSizing{{NumSlots: 4, SampleSize: 8}}))

	id := skeleton.ElementFqId{ServiceID: 10, ElementID: 0, InstanceID: 1, ElementType: skeleton.ElementEvent}
	policy := control.Policy{MaxSubscribers: 4}
	_, err := skeleton.Register[struct{}](sk, id, struct{}{}, 4, policy, false)
	require.NoError(t, err)
	require.NoError(t, sk.FinalizeOffer())
	return sk, cfg, id
}

// TestProxy_RestartReregistersPidAndRollsBackOutstandingRef is spec
// scenario S5: a proxy (uid 42, pid 100) references one event and crashes
// before dereferencing it. A second proxy instance for the same uid but a
// new pid (101) attaches: Create must roll back the one outstanding
// reference, discover the prior pid was 100, and notify messaging of the
// replacement.
func TestProxy_RestartReregistersPidAndRollsBackOutstandingRef(t *testing.T) {
	sk, cfg, id := newTestSkeleton(t)
	defer sk.PrepareStopOffer()

	w, err := watcher.New(cfg.DiscoveryRoot)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	attach, err := sk.Attach()
	require.NoError(t, err)

	px1 := proxy.New(proxy.Config{ServiceID: 10, InstanceID: 1, UID: 42, PID: 100})
	require.NoError(t, px1.Create(attach, w))

	comp, ok := px1.Element(id)
	require.True(t, ok)
	logIdx, ok := px1.LogIndex(id)
	require.True(t, ok)

	slot, _, ok := comp.AllocateNextSlot()
	require.True(t, ok)
	comp.EventReady(slot, 1)
	require.True(t, comp.QM().ReferenceSpecificEvent(slot, logIdx), "px1 references the event and then crashes before dereferencing")
	require.Equal(t, uint16(1), comp.QM().Slot(slot).RefCount())

	// px1 "crashes": no Close(), no Dereference. The ref count and the
	// transaction log entry are left exactly as a mid-reference crash
	// would leave them.

	msg := &fakeMessaging{}
	px2 := proxy.New(proxy.Config{ServiceID: 10, InstanceID: 1, UID: 42, PID: 101, Messaging: msg})
	require.NoError(t, px2.Create(attach, w))

	require.Equal(t, uint16(0), comp.QM().Slot(slot).RefCount(), "rollback must undo the one outstanding reference left by the crashed px1")

	require.True(t, msg.notified)
	require.Equal(t, uint32(42), msg.uid)
	require.Equal(t, uint32(100), msg.oldPid, "RegisterPid must report the crashed proxy's previous pid")
	require.Equal(t, uint32(101), msg.newPid)

	pid, found := attach.UIDTable.Lookup(42)
	require.True(t, found)
	require.Equal(t, uint32(101), pid)
}

func TestProxy_CreateFailsWithoutUsageMarker(t *testing.T) {
	cfg := skeleton.Config{Mount: t.TempDir(), StateDir: t.TempDir(), DiscoveryRoot: t.TempDir()}
	sk := skeleton.New(cfg, 11, 1, false)
	require.NoError(t, sk.Create())
	// No PrepareOffer: Attach must refuse, so there is nothing to attach to.
	_, err := sk.Attach()
	require.Error(t, err)
}

func TestProxy_CloseMovesToClosedAndIsIdempotent(t *testing.T) {
	sk, cfg, _ := newTestSkeleton(t)
	defer sk.PrepareStopOffer()

	w, err := watcher.New(cfg.DiscoveryRoot)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	attach, err := sk.Attach()
	require.NoError(t, err)

	px := proxy.New(proxy.Config{ServiceID: 10, InstanceID: 1, UID: 7, PID: 200})
	require.NoError(t, px.Create(attach, w))
	require.Equal(t, proxy.StateCreated, px.State())

	require.NoError(t, px.Close())
	require.Equal(t, proxy.StateClosed, px.State())
	require.NoError(t, px.Close(), "Close must be idempotent")
}
