// Package metrics provides Prometheus instrumentation for the LoLa
// transport, modeled directly on the teacher's pkg/metrics: package-level
// metric variables registered at init, a Collector that ticks on an
// interval polling live gauges, and a Timer helper for histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Allocation metrics (entity B/C: control.Control, composite.Composite)
	AllocateAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_allocate_attempts_total",
			Help: "Total number of slot allocation attempts by quality",
		},
		[]string{"quality"},
	)

	AllocateSuccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_allocate_success_total",
			Help: "Total number of successful slot allocations by quality",
		},
		[]string{"quality"},
	)

	AllocateExhaustionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_allocate_exhaustion_total",
			Help: "Total number of allocation attempts that found no free slot",
		},
		[]string{"quality"},
	)

	// Reference-counting metrics
	ReferenceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_reference_calls_total",
			Help: "Total number of ReferenceNextEvent/ReferenceSpecificEvent calls",
		},
		[]string{"quality"},
	)

	DereferenceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_dereference_calls_total",
			Help: "Total number of DereferenceEvent calls",
		},
		[]string{"quality"},
	)

	// Transaction log / crash recovery metrics
	RollbackExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_rollback_executions_total",
			Help: "Total number of transaction log rollbacks executed, by decision case",
		},
		[]string{"case"},
	)

	// Dual-quality latch metrics (entity C)
	IgnoreQMTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lola_ignore_qm_trips_total",
			Help: "Total number of times the one-way ignore_qm latch was tripped",
		},
	)

	// Discovery metrics (entities G, I, J)
	FlagFileCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_flagfile_creates_total",
			Help: "Total number of offer flag files created, by quality",
		},
		[]string{"quality"},
	)

	FlagFileRemovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lola_flagfile_removes_total",
			Help: "Total number of offer flag files removed, by quality",
		},
		[]string{"quality"},
	)

	WatcherEventsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lola_watcher_events_processed_total",
			Help: "Total number of inotify events the discovery watcher processed",
		},
	)

	WatcherEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lola_watcher_events_dropped_total",
			Help: "Total number of inotify events dropped because the event queue overflowed",
		},
	)

	// UID/PID table metrics (entity E)
	UidPidTakeoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lola_uidpid_takeovers_total",
			Help: "Total number of UID registrations that replaced a previously-registered pid",
		},
	)

	// Live gauges, refreshed by Collector
	OpenSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lola_open_slots",
			Help: "Number of slots currently free (not in writing, zero refcount) by element and quality",
		},
		[]string{"element", "quality"},
	)

	OutstandingRefs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lola_outstanding_refs",
			Help: "Sum of ref counts across all slots by element and quality",
		},
		[]string{"element", "quality"},
	)

	KnownInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lola_known_instances",
			Help: "Number of service instances currently advertised under the discovery root",
		},
	)
)

func init() {
	prometheus.MustRegister(AllocateAttemptsTotal)
	prometheus.MustRegister(AllocateSuccessTotal)
	prometheus.MustRegister(AllocateExhaustionTotal)
	prometheus.MustRegister(ReferenceCallsTotal)
	prometheus.MustRegister(DereferenceCallsTotal)
	prometheus.MustRegister(RollbackExecutionsTotal)
	prometheus.MustRegister(IgnoreQMTripsTotal)
	prometheus.MustRegister(FlagFileCreatesTotal)
	prometheus.MustRegister(FlagFileRemovesTotal)
	prometheus.MustRegister(WatcherEventsProcessedTotal)
	prometheus.MustRegister(WatcherEventsDroppedTotal)
	prometheus.MustRegister(UidPidTakeoversTotal)
	prometheus.MustRegister(OpenSlots)
	prometheus.MustRegister(OutstandingRefs)
	prometheus.MustRegister(KnownInstances)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording them to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
