// Package messaging defines the skeleton-side notification collaborator a
// Proxy reports stale-PID replacement to. The actual cross-process
// messaging transport is out of scope (spec.md §1); this package only
// fixes the interface and provides the two trivial implementations every
// caller in this module actually needs.
package messaging

import "github.com/cuemby/lola/pkg/log"

// ElementFqId is deliberately untyped here (an opaque string) rather than
// importing the skeleton package's ElementFqId, so messaging stays a leaf
// dependency of both skeleton and proxy instead of sitting between them.
type ElementFqId = string

// Service is the notification surface a Proxy reports through.
type Service interface {
	// NotifyEvent signals that new data is available for element, for a
	// push-notification binding; unused by the polling paths this module
	// implements but kept so a future transport can be wired in without
	// changing Proxy's call site.
	NotifyEvent(element ElementFqId)

	// NotifyOutdatedNodeId reports that uid's previously-registered pid
	// (oldPid) was replaced by newPid, per spec.md §4.H step 4.
	NotifyOutdatedNodeId(uid uint32, oldPid, newPid uint32)
}

// NoopService discards every notification. The default when no messaging
// transport is configured.
type NoopService struct{}

func (NoopService) NotifyEvent(ElementFqId)                          {}
func (NoopService) NotifyOutdatedNodeId(uid uint32, oldPid, newPid uint32) {}

// LoggingService logs every notification via pkg/log instead of sending it
// anywhere, useful for development and for tests that want to observe
// stale-PID detection without a real transport.
type LoggingService struct{}

func (LoggingService) NotifyEvent(element ElementFqId) {
	log.WithComponent("messaging").Debug().Str("element", element).Msg("event notification")
}

func (LoggingService) NotifyOutdatedNodeId(uid uint32, oldPid, newPid uint32) {
	log.WithComponent("messaging").Warn().
		Uint32("uid", uid).
		Uint32("old_pid", oldPid).
		Uint32("new_pid", newPid).
		Msg("stale pid replaced for uid")
}
