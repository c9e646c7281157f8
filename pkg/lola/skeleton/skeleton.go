package skeleton

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lola/composite"
	"github.com/cuemby/lola/pkg/lola/control"
	"github.com/cuemby/lola/pkg/lola/discovery/flagfile"
	"github.com/cuemby/lola/pkg/lola/metrics"
	"github.com/cuemby/lola/pkg/lola/shm"
	"github.com/cuemby/lola/pkg/lola/txlog"
	"github.com/cuemby/lola/pkg/lola/uidpid"
	"github.com/cuemby/lola/pkg/lolaerr"
)

// State names one point in the Constructed → Offered → StopOffered →
// Destroyed lifecycle.
type State int

const (
	stateUninitialized State = iota - 1
	StateConstructed
	StateOffered
	StateStopOffered
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateOffered:
		return "offered"
	case StateStopOffered:
		return "stop_offered"
	case StateDestroyed:
		return "destroyed"
	default:
		return "uninitialized"
	}
}

// Config bundles the deployment-independent knobs a Skeleton needs.
type Config struct {
	Mount         string // shared-memory mount point, e.g. shm.DefaultMount
	StateDir      string // partial-restart directory: markers, registry, forensic sink
	DiscoveryRoot string // flag-file discovery root
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Mount:         shm.DefaultMount,
		StateDir:      "/var/run/lola",
		DiscoveryRoot: "/tmp/lola-discovery",
	}
}

type elementEntry struct {
	meta      elementMeta
	qm        *control.Control
	b         *control.Control
	composite *composite.Composite
}

// Skeleton offers one service instance: it owns the shared-memory arenas,
// the UID→PID table, and every registered element's control/composite
// pair, guarding the whole lifecycle with the existence-marker and
// usage-marker flock discipline of spec.md §4.G.
type Skeleton struct {
	cfg        Config
	serviceID  uint16
	instanceID uint16
	hasASILB   bool

	mu    sync.Mutex
	state State

	existenceFile *os.File
	usageFile     *os.File
	reopened      bool

	factory   *shm.Factory
	dataArena *shm.Arena
	qmArena   *shm.Arena
	bArena    *shm.Arena

	uidTable *uidpid.Table
	elements map[ElementFqId]*elementEntry

	reg      *registry
	forensic *txlog.ForensicSink

	offerHandles []flagfile.Handle

	pid           uint32
	disambiguator int64
}

// New constructs a Skeleton for (serviceID, instanceID). hasASILB selects
// whether this instance offers an ASIL-B control segment in addition to
// QM. Call Create to take ownership.
func New(cfg Config, serviceID, instanceID uint16, hasASILB bool) *Skeleton {
	return &Skeleton{
		cfg:        cfg,
		serviceID:  serviceID,
		instanceID: instanceID,
		hasASILB:   hasASILB,
		state:      stateUninitialized,
		factory:    shm.NewFactory(cfg.Mount),
		elements:   make(map[ElementFqId]*elementEntry),
	}
}

func (s *Skeleton) existenceMarkerPath() string {
	return filepath.Join(s.cfg.StateDir, fmt.Sprintf("lola-exists-%d-%d", s.serviceID, s.instanceID))
}

func (s *Skeleton) usageMarkerPath() string {
	return filepath.Join(s.cfg.StateDir, fmt.Sprintf("lola-usage-%d-%d", s.serviceID, s.instanceID))
}

// Create opens (creating if necessary) the partial-restart directory and
// the per-instance existence marker, and takes an exclusive non-blocking
// flock on it. If another live skeleton already owns this instance, Create
// fails with lolaerr.BindingFailure and no state is mutated.
func (s *Skeleton) Create() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUninitialized {
		return fmt.Errorf("%w: skeleton already created", lolaerr.InvalidBindingInformation)
	}

	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating partial-restart directory %s: %v", lolaerr.ErroneousFileHandle, s.cfg.StateDir, err)
	}

	f, err := os.OpenFile(s.existenceMarkerPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening existence marker: %v", lolaerr.ErroneousFileHandle, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("%w: instance %d/%d already owned by a live skeleton", lolaerr.BindingFailure, s.serviceID, s.instanceID)
	}

	reg, err := openRegistry(s.cfg.StateDir, s.serviceID, s.instanceID)
	if err != nil {
		f.Close()
		return err
	}
	forensic, err := txlog.OpenForensicSink(s.cfg.StateDir)
	if err != nil {
		reg.close()
		f.Close()
		return err
	}

	s.existenceFile = f
	s.reg = reg
	s.forensic = forensic
	s.pid = uint32(os.Getpid())
	s.state = StateConstructed

	log.WithComponent("skeleton").Info().
		Uint16("service_id", s.serviceID).
		Uint16("instance_id", s.instanceID).
		Msg("skeleton created")
	return nil
}

// PrepareOffer opens the usage marker and attempts an exclusive
// non-blocking flock on it. If acquired, no proxy is using the previous
// arena: stale artefacts are removed and fresh segments are created, sized
// from events (the deployment's event list for this instance). If the
// flock fails, proxies are still attached to the previous arena: the
// existing segments are re-opened, the skeleton PID is updated, and
// CleanupSharedMemoryAfterCrash runs against every previously registered
// element.
func (s *Skeleton) PrepareOffer(events []shm.EventSizing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConstructed {
		return fmt.Errorf("%w: PrepareOffer requires state constructed, have %s", lolaerr.InvalidBindingInformation, s.state)
	}

	f, err := os.OpenFile(s.usageMarkerPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening usage marker: %v", lolaerr.ErroneousFileHandle, err)
	}
	s.usageFile = f

	controlSize := shm.SizeByEstimation(events)
	dataSize := shm.SizeDataByEstimation(events)

	if flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); flockErr == nil {
		s.reopened = false
		if err := s.factory.RemoveStaleArtefacts(s.serviceID, s.instanceID, s.hasASILB); err != nil {
			return err
		}
		if err := s.reg.deleteAll(); err != nil {
			return err
		}

		dataArena, err := s.factory.Create(shm.KindData, s.serviceID, s.instanceID, dataSize)
		if err != nil {
			return err
		}
		qmArena, err := s.factory.Create(shm.KindControlQM, s.serviceID, s.instanceID, controlSize)
		if err != nil {
			dataArena.Close()
			return err
		}
		var bArena *shm.Arena
		if s.hasASILB {
			bArena, err = s.factory.Create(shm.KindControlASILB, s.serviceID, s.instanceID, controlSize)
			if err != nil {
				dataArena.Close()
				qmArena.Close()
				return err
			}
		}

		s.dataArena, s.qmArena, s.bArena = dataArena, qmArena, bArena
		s.uidTable = uidpid.New(uidpid.DefaultCapacity)
		s.elements = make(map[ElementFqId]*elementEntry)

		// The exclusive flock only tests "is any proxy still attached to
		// the previous arena" at this instant; holding it would starve
		// every proxy that attaches afterwards of its own shared flock
		// (spec.md §4.H step 1), so it is released immediately once the
		// fresh arena is ready.
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			log.WithComponent("skeleton").Warn().Err(err).Msg("failed releasing usage-marker test flock")
		}

		log.WithComponent("skeleton").Info().
			Uint16("service_id", s.serviceID).Uint16("instance_id", s.instanceID).
			Msg("prepared fresh arena")
		return nil
	}

	// Flock failed: a proxy still holds the previous arena's shared lock.
	s.reopened = true

	dataArena, err := s.factory.Open(shm.KindData, s.serviceID, s.instanceID)
	if err != nil {
		return fmt.Errorf("%w: reopening data segment after detecting a live proxy: %v", lolaerr.ErroneousFileHandle, err)
	}
	qmArena, err := s.factory.Open(shm.KindControlQM, s.serviceID, s.instanceID)
	if err != nil {
		dataArena.Close()
		return fmt.Errorf("%w: reopening QM control segment after detecting a live proxy: %v", lolaerr.ErroneousFileHandle, err)
	}
	var bArena *shm.Arena
	if s.hasASILB {
		bArena, err = s.factory.Open(shm.KindControlASILB, s.serviceID, s.instanceID)
		if err != nil {
			dataArena.Close()
			qmArena.Close()
			return fmt.Errorf("%w: reopening ASIL-B control segment after detecting a live proxy: %v", lolaerr.ErroneousFileHandle, err)
		}
	}
	s.dataArena, s.qmArena, s.bArena = dataArena, qmArena, bArena
	s.uidTable = uidpid.New(uidpid.DefaultCapacity)

	metas, err := s.reg.loadAll()
	if err != nil {
		return err
	}
	s.elements = make(map[ElementFqId]*elementEntry, len(metas))
	for _, meta := range metas {
		s.elements[meta.ID] = buildElementEntry(meta)
	}

	log.WithComponent("skeleton").Warn().
		Uint16("service_id", s.serviceID).Uint16("instance_id", s.instanceID).
		Int("reconstructed_elements", len(metas)).
		Msg("re-opened arena still held by a proxy, running crash recovery")

	return s.CleanupSharedMemoryAfterCrash()
}

func buildElementEntry(meta elementMeta) *elementEntry {
	policy := control.Policy{MaxSubscribers: meta.MaxSubs, EnforceMaxSamples: meta.EnforceMS, MaxSampleCount: meta.MaxSample}
	qm := control.New(meta.NumSlots, policy)
	var b *control.Control
	if meta.HasASILB {
		b = control.New(meta.NumSlots, policy)
	}
	return &elementEntry{meta: meta, qm: qm, b: b, composite: composite.New(qm, b)}
}

// Registration is the typed handle Register returns: the element's
// identity, its caller-supplied properties (the Go-generic replacement for
// the original's C++ template parameter, per spec.md §9), and the
// composite view proxies and the skeleton's own tracing path allocate
// against.
type Registration[T any] struct {
	ID         ElementFqId
	Properties T
	Composite  *composite.Composite
}

// Register constructs (or, if the arena was re-opened, looks up) the
// control/storage entries for one element and returns a typed handle to
// it. Go methods cannot carry their own type parameters, so Register is a
// package-level generic function taking the Skeleton explicitly, mirroring
// how the original's class template parameter becomes a free type
// parameter in Go.
func Register[T any](s *Skeleton, id ElementFqId, properties T, numSlots int, policy control.Policy, tracing bool) (*Registration[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConstructed {
		return nil, fmt.Errorf("%w: Register requires state constructed, have %s", lolaerr.InvalidBindingInformation, s.state)
	}

	if existing, ok := s.elements[id]; ok {
		return &Registration[T]{ID: id, Properties: properties, Composite: existing.composite}, nil
	}

	meta := elementMeta{
		ID: id, NumSlots: numSlots, HasASILB: s.hasASILB, Tracing: tracing,
		MaxSubs: policy.MaxSubscribers, EnforceMS: policy.EnforceMaxSamples, MaxSample: policy.MaxSampleCount,
	}
	entry := buildElementEntry(meta)
	s.elements[id] = entry
	if err := s.reg.save(meta); err != nil {
		delete(s.elements, id)
		return nil, err
	}

	return &Registration[T]{ID: id, Properties: properties, Composite: entry.composite}, nil
}

// FinalizeOffer advertises this instance via service discovery (spec
// entity I) at QM quality, and additionally at ASIL-B quality if this
// instance offers it, then transitions to Offered.
func (s *Skeleton) FinalizeOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConstructed {
		return fmt.Errorf("%w: FinalizeOffer requires state constructed, have %s", lolaerr.InvalidBindingInformation, s.state)
	}

	s.disambiguator = flagfile.NewDisambiguator()
	qualities := []shm.Quality{shm.QualityQM}
	if s.hasASILB {
		qualities = append(qualities, shm.QualityASILB)
	}

	var handles []flagfile.Handle
	for _, q := range qualities {
		h, err := flagfile.Make(s.cfg.DiscoveryRoot, flagfile.EnrichedID{ServiceID: s.serviceID, InstanceID: s.instanceID, Quality: q}, s.disambiguator)
		if err != nil {
			for _, prior := range handles {
				prior.Close()
			}
			return fmt.Errorf("%w: advertising quality %s: %v", lolaerr.ServiceNotOffered, q, err)
		}
		handles = append(handles, h)
	}

	s.offerHandles = handles
	s.state = StateOffered
	log.WithComponent("skeleton").Info().
		Uint16("service_id", s.serviceID).Uint16("instance_id", s.instanceID).
		Msg("instance offered")
	return nil
}

// PrepareStopOffer withdraws the service-discovery advertisement, then
// tries the usage-marker flock again: if it is acquired (no proxy is
// still attached), the shared-memory files are removed. In all cases
// in-process references are dropped and the skeleton moves to
// StopOffered.
func (s *Skeleton) PrepareStopOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOffered {
		return fmt.Errorf("%w: PrepareStopOffer requires state offered, have %s", lolaerr.InvalidBindingInformation, s.state)
	}

	for _, h := range s.offerHandles {
		h.Close()
	}
	s.offerHandles = nil

	if unix.Flock(int(s.usageFile.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil {
		if err := s.factory.RemoveStaleArtefacts(s.serviceID, s.instanceID, s.hasASILB); err != nil {
			log.WithComponent("skeleton").Error().Err(err).Msg("failed removing shared-memory files during stop-offer")
		}
	}

	if s.dataArena != nil {
		s.dataArena.Close()
	}
	if s.qmArena != nil {
		s.qmArena.Close()
	}
	if s.bArena != nil {
		s.bArena.Close()
	}
	s.dataArena, s.qmArena, s.bArena = nil, nil, nil
	s.elements = make(map[ElementFqId]*elementEntry)

	s.state = StateStopOffered
	log.WithComponent("skeleton").Info().
		Uint16("service_id", s.serviceID).Uint16("instance_id", s.instanceID).
		Msg("instance stop-offered")
	return nil
}

// DisconnectQMConsumers withdraws only the QM service-discovery
// advertisement, after which no new QM proxy can find the instance,
// without affecting ASIL-B consumers. Valid only for instances that offer
// ASIL-B.
func (s *Skeleton) DisconnectQMConsumers() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasASILB {
		return fmt.Errorf("%w: DisconnectQMConsumers is only valid for ASIL-B instances", lolaerr.InvalidBindingInformation)
	}
	if s.state != StateOffered {
		return fmt.Errorf("%w: DisconnectQMConsumers requires state offered, have %s", lolaerr.InvalidBindingInformation, s.state)
	}

	remaining := s.offerHandles[:0]
	for _, h := range s.offerHandles {
		if h.ID().Quality == shm.QualityQM {
			h.Close()
			continue
		}
		remaining = append(remaining, h)
	}
	s.offerHandles = remaining

	log.WithComponent("skeleton").Info().
		Uint16("service_id", s.serviceID).Uint16("instance_id", s.instanceID).
		Msg("disconnected QM consumers, ASIL-B advertisement unaffected")
	return nil
}

// CleanupSharedMemoryAfterCrash scans every registered element's composite
// and invokes RemoveAllocationsForWriting, then rolls back the skeleton's
// own tracing transaction log against each control block, recording every
// rollback's decisions to the forensic sink.
func (s *Skeleton) CleanupSharedMemoryAfterCrash() error {
	guard := &sync.Mutex{}
	executor := txlog.NewExecutor(guard)

	for id, entry := range s.elements {
		reclaimed := entry.composite.RemoveAllocationsForWriting()
		if reclaimed > 0 {
			log.WithComponent("skeleton").Warn().
				Str("element", id.String()).Int("slots_reclaimed", reclaimed).
				Msg("reclaimed in-writing slots left behind by a crash")
		}

		decisions, err := executor.Rollback(entry.qm, entry.qm.Logs().For(txlog.SkeletonLogIndex))
		if err != nil {
			return err
		}
		if err := s.forensic.RecordRollback(s.serviceID, s.instanceID, string(shm.QualityQM), txlog.SkeletonLogIndex, decisions); err != nil {
			log.WithComponent("skeleton").Error().Err(err).Msg("failed recording QM rollback to forensic sink")
		}

		if entry.b != nil {
			decisions, err := executor.Rollback(entry.b, entry.b.Logs().For(txlog.SkeletonLogIndex))
			if err != nil {
				return err
			}
			if err := s.forensic.RecordRollback(s.serviceID, s.instanceID, string(shm.QualityASILB), txlog.SkeletonLogIndex, decisions); err != nil {
				log.WithComponent("skeleton").Error().Err(err).Msg("failed recording ASIL-B rollback to forensic sink")
			}
		}
	}
	return nil
}

// Attachment exposes what a same-process Proxy needs to attach to this
// skeleton's arenas: the shared UID→PID table and every registered
// element's composite view, plus the usage-marker path the proxy takes its
// own shared flock on. A real deployment recovers these by mapping the
// shared-memory segments the skeleton already created; within this
// module's process-local simplification (control/composite/uidpid live on
// the Go heap rather than literally inside the mmap'd bytes, see
// DESIGN.md) the Skeleton is the authority a Proxy attaches through
// instead of reopening raw memory.
type Attachment struct {
	UsageMarkerPath string
	UIDTable        *uidpid.Table
	Elements        map[ElementFqId]*composite.Composite
}

// Attach returns a snapshot of this skeleton's current arena for a Proxy to
// attach to. Valid only once PrepareOffer has succeeded.
func (s *Skeleton) Attach() (Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if (s.state != StateConstructed && s.state != StateOffered) || s.qmArena == nil {
		return Attachment{}, fmt.Errorf("%w: Attach requires an arena prepared by PrepareOffer", lolaerr.BindingFailure)
	}
	elems := make(map[ElementFqId]*composite.Composite, len(s.elements))
	for id, e := range s.elements {
		elems[id] = e.composite
	}
	return Attachment{
		UsageMarkerPath: s.usageMarkerPath(),
		UIDTable:        s.uidTable,
		Elements:        elems,
	}, nil
}

// Reopened reports whether the most recent PrepareOffer found the
// previous arena still attached to a live proxy.
func (s *Skeleton) Reopened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reopened
}

// metricsSource adapts a Skeleton to metrics.Source without the metrics
// package ever needing to import composite/control: this adapter lives in
// skeleton, which is free to import metrics (metrics never imports
// skeleton), so computing ElementStats here keeps metrics itself a leaf
// package every control-path package can safely wire counters into.
type metricsSource struct{ s *Skeleton }

// MetricsSource returns a metrics.Source view of this skeleton's
// elements, suitable for metrics.NewCollector.
func (s *Skeleton) MetricsSource() metrics.Source {
	return metricsSource{s: s}
}

func (m metricsSource) ElementStats() []metrics.ElementStats {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	stats := make([]metrics.ElementStats, 0, len(m.s.elements)*2)
	for id, e := range m.s.elements {
		stats = append(stats, elementQualityStats(id, string(shm.QualityQM), e.qm)...)
		if e.b != nil {
			stats = append(stats, elementQualityStats(id, string(shm.QualityASILB), e.b)...)
		}
	}
	return stats
}

func elementQualityStats(id ElementFqId, quality string, ctrl *control.Control) []metrics.ElementStats {
	open := 0
	var refs uint64
	for i := 0; i < ctrl.NumSlots(); i++ {
		slot := ctrl.Slot(i)
		if !slot.IsUsed() {
			open++
		}
		refs += uint64(slot.RefCount())
	}
	return []metrics.ElementStats{{
		Element:         id.String(),
		Quality:         quality,
		OpenSlots:       open,
		OutstandingRefs: int(refs),
	}}
}

func (m metricsSource) KnownInstances() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.state == StateOffered {
		return 1
	}
	return 0
}

// State returns the skeleton's current lifecycle state.
func (s *Skeleton) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Destroy releases the existence marker and every resource Create/
// PrepareOffer acquired. Valid from StopOffered, or from Constructed
// before anything has been offered.
func (s *Skeleton) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopOffered && s.state != StateConstructed {
		return fmt.Errorf("%w: Destroy requires state stop_offered or constructed, have %s", lolaerr.InvalidBindingInformation, s.state)
	}

	if s.forensic != nil {
		s.forensic.Close()
	}
	if s.reg != nil {
		s.reg.close()
	}
	if s.usageFile != nil {
		s.usageFile.Close()
	}
	if s.existenceFile != nil {
		unix.Flock(int(s.existenceFile.Fd()), unix.LOCK_UN)
		s.existenceFile.Close()
		os.Remove(s.existenceMarkerPath())
	}

	s.state = StateDestroyed
	log.WithComponent("skeleton").Info().
		Uint16("service_id", s.serviceID).Uint16("instance_id", s.instanceID).
		Msg("skeleton destroyed")
	return nil
}
