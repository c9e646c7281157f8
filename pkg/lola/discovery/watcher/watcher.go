// Package watcher implements the service-discovery crawler and inotify
// watcher (spec entity J): it enumerates existing flag-file offers and
// watches for their creation/deletion, fanning out de-duplicated
// handle-set changes to registered finders.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lola/discovery/flagfile"
	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lola/shm"
)

// ServiceInstanceIdentifier names a service, optionally narrowed to one
// instance. A nil InstanceID means "any instance of this service".
type ServiceInstanceIdentifier struct {
	ServiceID  uint16
	InstanceID *uint16
}

func (s ServiceInstanceIdentifier) matches(instanceID uint16) bool {
	return s.InstanceID == nil || *s.InstanceID == instanceID
}

// InstanceOffering is a snapshot of one instance's currently advertised
// qualities.
type InstanceOffering struct {
	InstanceID uint16
	Qualities  []shm.Quality
}

// Handler is invoked with the current handle-set snapshot for a finder's
// identifier whenever it changes.
type Handler func(instances []InstanceOffering)

// FindServiceHandle identifies one StartFindService registration, used by
// StopFindService to unregister it.
type FindServiceHandle struct {
	id uint64
}

type instKey struct {
	serviceID, instanceID uint16
}

type finder struct {
	id           ServiceInstanceIdentifier
	handler      Handler
	lastReported map[instKey][]shm.Quality
}

type readResult struct {
	events []rawEvent
	err    error
}

// Watcher runs a single long-lived worker goroutine that owns all mutable
// discovery state; every read of that state from outside the worker goes
// through the same channel-serialized control path StopFindService uses,
// so the single-mutex discipline spec.md §5 requires is realized as
// "only the worker touches the maps" rather than lock/unlock pairs
// sprinkled across call sites.
type Watcher struct {
	root string
	be   backend

	serviceWatches   map[uint16]int32
	serviceWatchRev  map[int32]uint16
	instanceWatches  map[instKey]int32
	instanceWatchRev map[int32]instKey

	known map[instKey]map[shm.Quality]bool

	finders    map[uint64]*finder
	nextFinder uint64

	eventsCh  chan readResult
	controlCh chan func()
	stopCh    chan struct{}
	doneCh    chan struct{}

	startOnce sync.Once
}

// New constructs a Watcher rooted at the discovery directory root (see
// spec.md §6's discovery root path) but does not start its worker
// goroutine; call Start.
func New(root string) (*Watcher, error) {
	be, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("discovery watcher: %w", err)
	}
	return &Watcher{
		root:            root,
		be:              be,
		serviceWatches:  make(map[uint16]int32),
		serviceWatchRev: make(map[int32]uint16),
		instanceWatches: make(map[instKey]int32),
		instanceWatchRev: make(map[int32]instKey),
		known:           make(map[instKey]map[shm.Quality]bool),
		finders:         make(map[uint64]*finder),
		eventsCh:        make(chan readResult),
		controlCh:       make(chan func()),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// Start launches the reader and worker goroutines. Safe to call once.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		go w.readLoop()
		go w.run()
	})
}

// Stop closes the inotify handle, which causes the blocking read to
// return an error that the worker interprets as a stop request, and
// waits for the worker to exit. Pending scheduled callbacks are dropped.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.be.Close()
	<-w.doneCh
}

func (w *Watcher) readLoop() {
	for {
		events, err := w.be.Read()
		select {
		case w.eventsCh <- readResult{events: events, err: err}:
		case <-w.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	logger := log.WithComponent("watcher")
	for {
		select {
		case res := <-w.eventsCh:
			if res.err != nil {
				select {
				case <-w.stopCh:
					logger.Info().Msg("watcher stopped")
				default:
					logger.Error().Err(res.err).Msg("inotify read failed, stopping watcher")
				}
				return
			}
			w.processEvents(res.events)
		case fn := <-w.controlCh:
			fn()
		case <-w.stopCh:
			return
		}
	}
}

// control runs fn on the worker goroutine and blocks until it has
// completed, giving external callers (StartFindService, StopFindService)
// exclusive, race-free access to the watcher's maps without duplicating
// its locking discipline.
func (w *Watcher) control(fn func()) {
	done := make(chan struct{})
	select {
	case w.controlCh <- func() { fn(); close(done) }:
		<-done
	case <-w.stopCh:
	}
}

func (w *Watcher) processEvents(events []rawEvent) {
	logger := log.WithComponent("watcher")
	impacted := make(map[instKey]bool)

	for _, ev := range events {
		if ev.Overflow {
			metrics.WatcherEventsDroppedTotal.Inc()
			logger.Fatal().Msg("inotify queue overflow, service discovery is compromised")
			return
		}

		metrics.WatcherEventsProcessedTotal.Inc()
		if sid, ok := w.serviceWatchRev[ev.Wd]; ok {
			w.handleServiceEvent(sid, ev, impacted)
			continue
		}
		if key, ok := w.instanceWatchRev[ev.Wd]; ok {
			w.handleInstanceEvent(key, ev, impacted)
			continue
		}
		logger.Warn().Int32("wd", ev.Wd).Msg("inotify event for unknown watch descriptor, ignoring")
	}

	for key := range impacted {
		w.notifyFinders(key)
	}
}

func (w *Watcher) handleServiceEvent(sid uint16, ev rawEvent, impacted map[instKey]bool) {
	logger := log.WithComponent("watcher")
	if ev.SelfDeleted {
		logger.Fatal().Uint16("service_id", sid).Msg("service discovery directory removed out from under the watcher")
		return
	}
	switch {
	case ev.Mask&maskCreate != 0:
		iid, err := strconv.ParseUint(ev.Name, 10, 16)
		if err != nil {
			logger.Warn().Str("name", ev.Name).Msg("unparsable instance directory name, ignoring")
			return
		}
		instanceID := uint16(iid)
		if err := w.watchInstanceDir(sid, instanceID); err != nil {
			logger.Error().Err(err).Uint16("instance_id", instanceID).Msg("failed to watch new instance directory")
			return
		}
		impacted[instKey{sid, instanceID}] = true
	default:
		logger.Warn().Str("event", fmt.Sprintf("%#x", ev.Mask)).Msg("unexpected event at service-directory level, ignoring")
	}
}

func (w *Watcher) handleInstanceEvent(key instKey, ev rawEvent, impacted map[instKey]bool) {
	logger := log.WithComponent("watcher")
	if ev.SelfDeleted {
		logger.Fatal().Uint16("service_id", key.serviceID).Uint16("instance_id", key.instanceID).
			Msg("instance directory removed out from under the watcher")
		return
	}

	quality, ok := flagfile.ParseQuality(ev.Name)
	if !ok {
		logger.Warn().Str("name", ev.Name).Msg("unparsable flag file name, ignoring")
		return
	}

	set := w.known[key]
	if set == nil {
		set = make(map[shm.Quality]bool)
		w.known[key] = set
	}

	switch {
	case ev.Mask&maskCreate != 0:
		set[quality] = true
	case ev.Mask&maskDelete != 0:
		delete(set, quality)
	default:
		logger.Warn().Str("event", fmt.Sprintf("%#x", ev.Mask)).Msg("unexpected event at instance-directory level, ignoring")
		return
	}
	impacted[key] = true
}

// watchInstanceDir registers a watch on the instance directory and seeds
// known[] with a crawl of its current flag files.
func (w *Watcher) watchInstanceDir(serviceID, instanceID uint16) error {
	key := instKey{serviceID, instanceID}
	if _, already := w.instanceWatches[key]; already {
		return nil
	}
	dir := flagfile.InstanceDir(w.root, serviceID, instanceID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	wd, err := w.be.AddWatch(dir)
	if err != nil {
		return err
	}
	w.instanceWatches[key] = wd
	w.instanceWatchRev[wd] = key

	return w.peekInstanceDir(serviceID, instanceID)
}

func (w *Watcher) watchServiceDir(serviceID uint16) error {
	if _, already := w.serviceWatches[serviceID]; already {
		return nil
	}
	dir := flagfile.ServiceDir(w.root, serviceID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	wd, err := w.be.AddWatch(dir)
	if err != nil {
		return err
	}
	w.serviceWatches[serviceID] = wd
	w.serviceWatchRev[wd] = serviceID
	return nil
}

// crawlExisting enumerates instance directories already present under a
// service directory and seeds known[] + watches for each, for
// CrawlAndWatch.
func (w *Watcher) crawlExisting(serviceID uint16) error {
	return w.enumerateInstances(serviceID, w.watchInstanceDir)
}

// enumerateServiceOnly enumerates instance directories and seeds known[]
// without registering any watch, for Crawl's watch-free semantics.
func (w *Watcher) enumerateServiceOnly(serviceID uint16) error {
	return w.enumerateInstances(serviceID, w.peekInstanceDir)
}

func (w *Watcher) enumerateInstances(serviceID uint16, visit func(serviceID, instanceID uint16) error) error {
	dir := flagfile.ServiceDir(w.root, serviceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		iid, err := strconv.ParseUint(filepath.Base(e.Name()), 10, 16)
		if err != nil {
			continue
		}
		if err := visit(serviceID, uint16(iid)); err != nil {
			return err
		}
	}
	return nil
}

// peekInstanceDir seeds known[] from an instance directory's current flag
// files without registering a watch on it.
func (w *Watcher) peekInstanceDir(serviceID, instanceID uint16) error {
	key := instKey{serviceID, instanceID}
	dir := flagfile.InstanceDir(w.root, serviceID, instanceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	set := make(map[shm.Quality]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if q, ok := flagfile.ParseQuality(e.Name()); ok {
			set[q] = true
		}
	}
	w.known[key] = set
	return nil
}

// snapshot returns the current InstanceOffering list matching id.
func (w *Watcher) snapshot(id ServiceInstanceIdentifier) []InstanceOffering {
	var out []InstanceOffering
	for key, qualities := range w.known {
		if key.serviceID != id.ServiceID || !id.matches(key.instanceID) {
			continue
		}
		if len(qualities) == 0 {
			continue
		}
		var qs []shm.Quality
		for q := range qualities {
			qs = append(qs, q)
		}
		out = append(out, InstanceOffering{InstanceID: key.instanceID, Qualities: qs})
	}
	return out
}

func equalOfferings(a, b []InstanceOffering) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[uint16]map[shm.Quality]bool, len(a))
	for _, o := range a {
		s := make(map[shm.Quality]bool, len(o.Qualities))
		for _, q := range o.Qualities {
			s[q] = true
		}
		am[o.InstanceID] = s
	}
	for _, o := range b {
		s, ok := am[o.InstanceID]
		if !ok || len(s) != len(o.Qualities) {
			return false
		}
		for _, q := range o.Qualities {
			if !s[q] {
				return false
			}
		}
	}
	return true
}

// notifyFinders calls every finder whose identifier matches the instance
// named by key, exactly once per actual change (deduplicated against the
// last-reported snapshot for that finder), per spec.md §8.8 / §4.J.
func (w *Watcher) notifyFinders(key instKey) {
	for _, f := range w.finders {
		if f.id.ServiceID != key.serviceID || !f.id.matches(key.instanceID) {
			continue
		}
		current := w.snapshot(f.id)
		prev := flattenLast(f.lastReported)
		if equalOfferings(current, prev) {
			continue
		}
		f.lastReported = storeLast(current)
		f.handler(current)
	}
}

func flattenLast(m map[instKey][]shm.Quality) []InstanceOffering {
	out := make([]InstanceOffering, 0, len(m))
	for k, qs := range m {
		out = append(out, InstanceOffering{InstanceID: k.instanceID, Qualities: qs})
	}
	return out
}

func storeLast(offerings []InstanceOffering) map[instKey][]shm.Quality {
	m := make(map[instKey][]shm.Quality, len(offerings))
	for _, o := range offerings {
		m[instKey{instanceID: o.InstanceID}] = o.Qualities
	}
	return m
}

// Crawl performs a snapshot-only enumeration of instances matching id,
// without registering any watches.
func (w *Watcher) Crawl(id ServiceInstanceIdentifier) ([]InstanceOffering, error) {
	var out []InstanceOffering
	w.control(func() {
		if err := w.enumerateServiceOnly(id.ServiceID); err != nil {
			log.WithComponent("watcher").Error().Err(err).Msg("crawl failed")
		}
		out = w.snapshot(id)
	})
	return out, nil
}

// CrawlAndWatch enumerates existing instances matching id and registers
// inotify watches at the service-level directory and every matching
// instance-level directory, per spec.md §4.J.
func (w *Watcher) CrawlAndWatch(id ServiceInstanceIdentifier) ([]InstanceOffering, error) {
	var out []InstanceOffering
	var watchErr error
	w.control(func() {
		if err := w.watchServiceDir(id.ServiceID); err != nil {
			watchErr = err
			return
		}
		if err := w.crawlExisting(id.ServiceID); err != nil {
			watchErr = err
			return
		}
		out = w.snapshot(id)
	})
	return out, watchErr
}

// StartFindService registers handler to be called whenever the handle-set
// for id changes. If a compatible watch already exists it is reused;
// otherwise CrawlAndWatch is called. If any matching instance already
// exists, handler is invoked synchronously before StartFindService
// returns.
func (w *Watcher) StartFindService(id ServiceInstanceIdentifier, handler Handler) (FindServiceHandle, error) {
	current, err := w.CrawlAndWatch(id)
	if err != nil {
		return FindServiceHandle{}, err
	}

	var h FindServiceHandle
	w.control(func() {
		w.nextFinder++
		h.id = w.nextFinder
		w.finders[h.id] = &finder{id: id, handler: handler, lastReported: storeLast(current)}
	})

	if len(current) > 0 {
		handler(current)
	}
	return h, nil
}

// StopFindService unregisters the finder identified by h. The actual map
// mutation is deferred onto the worker goroutine via the control channel
// so callers never race the worker's own event processing.
func (w *Watcher) StopFindService(h FindServiceHandle) {
	w.control(func() {
		delete(w.finders, h.id)
	})
}
