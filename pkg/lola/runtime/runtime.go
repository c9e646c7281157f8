// Package runtime holds the process-wide context a skeleton or proxy
// constructor needs: the resolved uid/pid, the loaded configuration, the
// shared discovery watcher, and the messaging collaborator. spec.md §9
// flags the original's function-local static singleton as something a
// clean-room implementation should re-architect into an explicit context
// object passed by reference; Set/Get below is the thin
// singleton-accessor-that-panics-before-init this module keeps for
// top-level wiring. cmd/lola does not build or install a Runtime, and the
// skeleton and proxy constructors take their own Config values instead.
package runtime

import (
	"os"

	"github.com/cuemby/lola/pkg/lola/config"
	"github.com/cuemby/lola/pkg/lola/discovery/watcher"
	"github.com/cuemby/lola/pkg/lola/messaging"
)

// Runtime bundles the identity and collaborators shared across every
// skeleton and proxy a process creates.
type Runtime struct {
	UID uint32
	PID uint32

	Config    *config.Configuration
	Watcher   *watcher.Watcher
	Messaging messaging.Service
}

// New constructs a Runtime. uid is resolved by the caller, typically from
// the process's real or effective uid; Watcher, if non-nil, must already
// be Start-ed.
func New(uid uint32, cfg *config.Configuration, w *watcher.Watcher, svc messaging.Service) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	if svc == nil {
		svc = messaging.NoopService{}
	}
	return &Runtime{
		UID:       uid,
		PID:       uint32(os.Getpid()),
		Config:    cfg,
		Watcher:   w,
		Messaging: svc,
	}
}

var mustRuntime *Runtime

// Set installs rt as the process-wide Runtime that Get returns. Call it
// once, before any skeleton or proxy is created.
func Set(rt *Runtime) {
	mustRuntime = rt
}

// Get returns the process-wide Runtime installed by Set. It panics if Set
// has not yet been called, since every caller of Get is on a path that
// requires the runtime to already exist.
func Get() *Runtime {
	if mustRuntime == nil {
		panic("runtime: Get called before Set")
	}
	return mustRuntime
}
