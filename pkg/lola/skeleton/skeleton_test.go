package skeleton

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/lola/pkg/lola/control"
	"github.com/cuemby/lola/pkg/lola/discovery/flagfile"
	"github.com/cuemby/lola/pkg/lola/shm"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Mount:         t.TempDir(),
		StateDir:      t.TempDir(),
		DiscoveryRoot: t.TempDir(),
	}
}

func TestSkeleton_CreateTakesExclusiveExistenceLock(t *testing.T) {
	cfg := testConfig(t)

	a := New(cfg, 1, 1, false)
	require.NoError(t, a.Create())
	defer a.Destroy()

	b := New(cfg, 1, 1, false)
	err := b.Create()
	require.Error(t, err, "a second skeleton for the same instance must not win the existence flock")
}

func TestSkeleton_PrepareOfferCreatesFreshArenaWhenNoProxy(t *testing.T) {
	cfg := testConfig(t)
	sk := New(cfg, 2, 1, true)
	require.NoError(t, sk.Create())

	events := []shm.EventSizing{{NumSlots: 5, SampleSize: 16}}
	require.NoError(t, sk.PrepareOffer(events))
	require.False(t, sk.Reopened())
	require.NotNil(t, sk.dataArena)
	require.NotNil(t, sk.qmArena)
	require.NotNil(t, sk.bArena, "ASIL-B instance must get a control-B arena")
}

func TestSkeleton_FullLifecycleRegisterOfferStopOffer(t *testing.T) {
	cfg := testConfig(t)
	sk := New(cfg, 3, 1, false)
	require.NoError(t, sk.Create())
	require.NoError(t, sk.PrepareOffer([]shm.EventSizing{{NumSlots: 4, SampleSize: 8}}))

	id := ElementFqId{ServiceID: 3, ElementID: 0, InstanceID: 1, ElementType: ElementEvent}
	reg, err := Register[struct{ Rate int }](sk, id, struct{ Rate int }{Rate: 10}, 4, control.Policy{MaxSubscribers: 2}, false)
	require.NoError(t, err)
	require.Equal(t, 10, reg.Properties.Rate)
	require.NotNil(t, reg.Composite)

	require.NoError(t, sk.FinalizeOffer())
	require.Equal(t, StateOffered, sk.State())

	exists, err := flagfile.Exists(cfg.DiscoveryRoot, flagfile.EnrichedID{ServiceID: 3, InstanceID: 1, Quality: shm.QualityQM})
	require.NoError(t, err)
	require.True(t, exists, "FinalizeOffer must advertise QM")

	require.NoError(t, sk.PrepareStopOffer())
	require.Equal(t, StateStopOffered, sk.State())

	exists, err = flagfile.Exists(cfg.DiscoveryRoot, flagfile.EnrichedID{ServiceID: 3, InstanceID: 1, Quality: shm.QualityQM})
	require.NoError(t, err)
	require.False(t, exists, "PrepareStopOffer must withdraw the advertisement")

	require.NoError(t, sk.Destroy())
	require.Equal(t, StateDestroyed, sk.State())
}

func TestSkeleton_DisconnectQMConsumersRequiresASILB(t *testing.T) {
	cfg := testConfig(t)
	sk := New(cfg, 4, 1, false)
	require.NoError(t, sk.Create())
	require.NoError(t, sk.PrepareOffer([]shm.EventSizing{{NumSlots: 2, SampleSize: 8}}))
	require.NoError(t, sk.FinalizeOffer())

	err := sk.DisconnectQMConsumers()
	require.Error(t, err)
}

func TestSkeleton_DisconnectQMConsumersClosesOnlyQM(t *testing.T) {
	cfg := testConfig(t)
	sk := New(cfg, 5, 1, true)
	require.NoError(t, sk.Create())
	require.NoError(t, sk.PrepareOffer([]shm.EventSizing{{NumSlots: 2, SampleSize: 8}}))
	require.NoError(t, sk.FinalizeOffer())

	require.NoError(t, sk.DisconnectQMConsumers())

	qmExists, err := flagfile.Exists(cfg.DiscoveryRoot, flagfile.EnrichedID{ServiceID: 5, InstanceID: 1, Quality: shm.QualityQM})
	require.NoError(t, err)
	require.False(t, qmExists)

	bExists, err := flagfile.Exists(cfg.DiscoveryRoot, flagfile.EnrichedID{ServiceID: 5, InstanceID: 1, Quality: shm.QualityASILB})
	require.NoError(t, err)
	require.True(t, bExists, "ASIL-B advertisement must survive DisconnectQMConsumers")
}

// TestSkeleton_RestartWithLiveProxy_S4 is spec scenario S4: a skeleton
// crashes with an in-writing slot while a proxy still holds the usage
// marker's shared flock; the restarted skeleton must detect this, reopen
// the existing arena instead of recreating it, and rebuild the registered
// element from the registry. Control blocks live on the Go heap, so the
// rebuilt element starts with fresh slot words: the in-writing slot skA
// left behind is not carried over into skB.
func TestSkeleton_RestartWithLiveProxy_S4(t *testing.T) {
	cfg := testConfig(t)

	skA := New(cfg, 6, 1, false)
	require.NoError(t, skA.Create())
	events := []shm.EventSizing{{NumSlots: 5, SampleSize: 8}}
	require.NoError(t, skA.PrepareOffer(events))

	id := ElementFqId{ServiceID: 6, ElementID: 0, InstanceID: 1, ElementType: ElementEvent}
	reg, err := Register[struct{}](skA, id, struct{}{}, 5, control.Policy{MaxSubscribers: 4}, true)
	require.NoError(t, err)

	slot, _, ok := reg.Composite.AllocateNextSlot()
	require.True(t, ok)
	require.True(t, reg.Composite.QM().Slot(slot).IsInWriting(), "slot must be left in-writing, simulating a crash mid-publish")

	// Simulate a still-connected proxy holding the usage marker's shared
	// flock, independently of skA's own file descriptor.
	proxyUsageFile, err := os.OpenFile(skA.usageMarkerPath(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer proxyUsageFile.Close()
	require.NoError(t, unix.Flock(int(proxyUsageFile.Fd()), unix.LOCK_SH|unix.LOCK_NB))

	// skA "crashes": release its existence flock without running
	// PrepareStopOffer, as a real process crash would.
	skA.existenceFile.Close()

	skB := New(cfg, 6, 1, false)
	require.NoError(t, skB.Create())
	require.NoError(t, skB.PrepareOffer(events))
	require.True(t, skB.Reopened(), "usage marker is still shared-locked by the live proxy")

	reopenedEntry, ok := skB.elements[id]
	require.True(t, ok, "PrepareOffer's reopen path must rebuild the registered element from the registry")
	require.False(t, reopenedEntry.qm.Slot(slot).IsInWriting(), "the rebuilt element's slot must not be in writing")
}
