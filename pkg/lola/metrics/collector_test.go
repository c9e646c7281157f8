package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	stats     []ElementStats
	instances int
}

func (f *fakeSource) ElementStats() []ElementStats { return f.stats }
func (f *fakeSource) KnownInstances() int          { return f.instances }

func TestCollector_CollectsOpenSlotsAndOutstandingRefs(t *testing.T) {
	source := &fakeSource{
		stats: []ElementStats{
			{Element: "svc/1/event", Quality: "qm", OpenSlots: 3, OutstandingRefs: 1},
		},
		instances: 3,
	}

	c := NewCollector(source)
	c.collect()

	if got := testutil.ToFloat64(OpenSlots.WithLabelValues("svc/1/event", "qm")); got != 3 {
		t.Errorf("OpenSlots = %v, want 3", got)
	}
	if got := testutil.ToFloat64(OutstandingRefs.WithLabelValues("svc/1/event", "qm")); got != 1 {
		t.Errorf("OutstandingRefs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(KnownInstances); got != 3 {
		t.Errorf("KnownInstances = %v, want 3", got)
	}
}

func TestCollector_StartStopDoesNotPanic(t *testing.T) {
	source := &fakeSource{}
	c := NewCollector(source)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
