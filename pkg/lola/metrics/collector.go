package metrics

import "time"

// ElementStats is one element/quality pair's live slot occupancy, as
// computed by whatever owns the Composite (skeleton or proxy) — Source
// deliberately doesn't hand Collector a *composite.Composite itself, so
// this package stays a leaf the rest of pkg/lola can safely import for
// its counters without creating an import cycle back into metrics.
type ElementStats struct {
	Element         string
	Quality         string
	OpenSlots       int
	OutstandingRefs int
}

// Source supplies the live state a Collector polls into gauges.
type Source interface {
	// ElementStats returns one entry per element/quality pair this
	// process currently has a view of.
	ElementStats() []ElementStats
	// KnownInstances returns the number of service instances currently
	// advertised under the discovery root.
	KnownInstances() int
}

// Collector ticks on an interval, polling a Source and updating the live
// gauges (open slots, outstanding refs, known instances). Modeled on the
// teacher's metrics.Collector.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds, in a background
// goroutine, collecting once immediately before the first tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, s := range c.source.ElementStats() {
		OpenSlots.WithLabelValues(s.Element, s.Quality).Set(float64(s.OpenSlots))
		OutstandingRefs.WithLabelValues(s.Element, s.Quality).Set(float64(s.OutstandingRefs))
	}
	KnownInstances.Set(float64(c.source.KnownInstances()))
}
