// Package proxy implements the consuming side of a service instance (spec
// entity H): attaching to a skeleton's shared-memory arena, rolling back
// any transaction log this UID left outstanding from a prior crash,
// registering the current PID, and tearing itself down once the offer it
// attached to goes away.
package proxy

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/lola/pkg/log"
	"github.com/cuemby/lola/pkg/lola/composite"
	"github.com/cuemby/lola/pkg/lola/discovery/watcher"
	"github.com/cuemby/lola/pkg/lola/messaging"
	"github.com/cuemby/lola/pkg/lola/skeleton"
	"github.com/cuemby/lola/pkg/lola/txlog"
	"github.com/cuemby/lola/pkg/lolaerr"
)

// Config bundles the identity and wiring a Proxy needs.
type Config struct {
	ServiceID     uint16
	InstanceID    uint16
	UID           uint32 // transaction_log_id, per spec.md §3 ("derived from proxy UID")
	PID           uint32 // defaults to os.Getpid() if zero
	DiscoveryRoot string
	Messaging     messaging.Service // defaults to messaging.NoopService{}
}

// State names one point in the proxy's own lifecycle.
type State int

const (
	stateUncreated State = iota
	StateCreated
	StateClosed
)

// Proxy attaches to one skeleton-offered service instance.
type Proxy struct {
	cfg Config

	mu    sync.Mutex
	state State

	usageFile  *os.File
	elements   map[skeleton.ElementFqId]*composite.Composite
	logIndices map[skeleton.ElementFqId]int

	watcher    *watcher.Watcher
	findHandle watcher.FindServiceHandle
	subscribed bool
}

// New constructs a Proxy for (cfg.ServiceID, cfg.InstanceID) as cfg.UID. Call
// Create to attach it to a live skeleton's arena.
func New(cfg Config) *Proxy {
	if cfg.PID == 0 {
		cfg.PID = uint32(os.Getpid())
	}
	if cfg.Messaging == nil {
		cfg.Messaging = messaging.NoopService{}
	}
	return &Proxy{cfg: cfg, state: stateUncreated}
}

// Create implements the 5-step sequence of spec.md §4.H against the given
// attachment (see skeleton.Attachment's doc comment for why a same-process
// attachment stands in for reopening shared-memory segments by path in
// this module). w must already be Start-ed; Create registers a
// find-service subscription on it so the proxy tears itself down once the
// instance it attached to stops being offered.
func (p *Proxy) Create(attach skeleton.Attachment, w *watcher.Watcher) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateUncreated {
		return fmt.Errorf("%w: proxy already created", lolaerr.InvalidBindingInformation)
	}

	// Step 1: shared non-blocking flock on the usage marker, held for the
	// proxy's lifetime. This is what prevents the skeleton from reclaiming
	// the arena out from under a live consumer (spec.md §4.G).
	f, err := os.OpenFile(attach.UsageMarkerPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening usage marker %s: %v", lolaerr.BindingFailure, attach.UsageMarkerPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("%w: taking shared usage-marker flock: %v", lolaerr.BindingFailure, err)
	}

	// Step 2: both shared-memory segments are already attached via attach
	// (the skeleton-side Composite views this process resolves by
	// deterministic path in a true multi-process deployment).
	p.elements = attach.Elements
	p.logIndices = make(map[skeleton.ElementFqId]int, len(attach.Elements))

	// Step 3: roll back this uid's transaction log against every event's
	// QM control block, and ASIL-B if present. Failure is fatal for Create.
	guard := &sync.Mutex{}
	executor := txlog.NewExecutor(guard)
	for id, comp := range attach.Elements {
		logIdx, ok := comp.RegisterSubscriber(p.cfg.UID)
		if !ok {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return fmt.Errorf("%w: element %s has no free subscriber log slot for uid %d", lolaerr.BindingFailure, id, p.cfg.UID)
		}
		p.logIndices[id] = logIdx

		if qm := comp.QM(); qm != nil {
			decisions, err := executor.Rollback(qm, qm.Logs().For(logIdx))
			if err != nil {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
				return fmt.Errorf("%w: rolling back QM transaction log for %s: %v", lolaerr.BindingFailure, id, err)
			}
			for _, d := range decisions {
				qm.Unheld(logIdx, d.Slot)
			}
		}
		if b := comp.ASILB(); b != nil {
			decisions, err := executor.Rollback(b, b.Logs().For(logIdx))
			if err != nil {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
				return fmt.Errorf("%w: rolling back ASIL-B transaction log for %s: %v", lolaerr.BindingFailure, id, err)
			}
			for _, d := range decisions {
				b.Unheld(logIdx, d.Slot)
			}
		}
	}

	// Step 4: register our pid, notifying messaging on stale-PID takeover.
	prevPid, hadPrev, ok := attach.UIDTable.RegisterPid(p.cfg.UID, p.cfg.PID)
	if !ok {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("%w: UID→PID table full registering uid %d", lolaerr.BindingFailure, p.cfg.UID)
	}
	if hadPrev && prevPid != p.cfg.PID {
		p.cfg.Messaging.NotifyOutdatedNodeId(p.cfg.UID, prevPid, p.cfg.PID)
	}

	p.usageFile = f
	p.watcher = w
	p.state = StateCreated

	log.WithComponent("proxy").Info().
		Uint16("service_id", p.cfg.ServiceID).
		Uint16("instance_id", p.cfg.InstanceID).
		Uint32("uid", p.cfg.UID).
		Uint32("pid", p.cfg.PID).
		Msg("proxy created")

	// Step 5: find-service subscription so StopOffer tears us down.
	if w != nil {
		instanceID := p.cfg.InstanceID
		id := watcher.ServiceInstanceIdentifier{ServiceID: p.cfg.ServiceID, InstanceID: &instanceID}
		handle, err := w.StartFindService(id, p.onOfferingsChanged)
		if err != nil {
			return fmt.Errorf("%w: starting find-service subscription: %v", lolaerr.BindingFailure, err)
		}
		p.findHandle = handle
		p.subscribed = true
	}

	return nil
}

// onOfferingsChanged is the find-service handler registered in Create's
// step 5: once the instance we attached to no longer has any advertised
// quality, the proxy tears itself down. The watcher invokes this handler
// synchronously from its own worker goroutine, so Close (which calls back
// into StopFindService) is dispatched on a fresh goroutine rather than run
// inline, or the worker would deadlock waiting on itself.
func (p *Proxy) onOfferingsChanged(offerings []watcher.InstanceOffering) {
	for _, o := range offerings {
		if o.InstanceID == p.cfg.InstanceID && len(o.Qualities) > 0 {
			return
		}
	}
	log.WithComponent("proxy").Warn().
		Uint16("service_id", p.cfg.ServiceID).
		Uint16("instance_id", p.cfg.InstanceID).
		Msg("offering withdrawn, tearing down proxy")
	go p.Close()
}

// LogIndex returns the stable subscriber log index Create assigned this
// proxy's uid for element id, for callers driving ReferenceNextEvent
// directly against the element's composite.
func (p *Proxy) LogIndex(id skeleton.ElementFqId) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.logIndices[id]
	return idx, ok
}

// Element returns the composite view for id, for callers that need direct
// access to allocate/reference/dereference operations.
func (p *Proxy) Element(id skeleton.ElementFqId) (*composite.Composite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.elements[id]
	return c, ok
}

// State returns the proxy's current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close unregisters the find-service subscription and releases the
// usage-marker shared flock. Safe to call more than once.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil
	}

	if p.subscribed && p.watcher != nil {
		p.watcher.StopFindService(p.findHandle)
		p.subscribed = false
	}
	if p.usageFile != nil {
		unix.Flock(int(p.usageFile.Fd()), unix.LOCK_UN)
		p.usageFile.Close()
		p.usageFile = nil
	}

	p.state = StateClosed
	log.WithComponent("proxy").Info().
		Uint16("service_id", p.cfg.ServiceID).
		Uint16("instance_id", p.cfg.InstanceID).
		Uint32("uid", p.cfg.UID).
		Msg("proxy closed")
	return nil
}
