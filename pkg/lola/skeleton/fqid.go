// Package skeleton implements the offering side of a service instance
// (spec entity G): the Constructed → Offered → StopOffered → Destroyed
// lifecycle, the existence-marker/usage-marker flock discipline that
// detects another live skeleton or lingering proxies, and the root
// objects (event controls, the UID→PID table) that a proxy later
// attaches to.
package skeleton

import "fmt"

// ElementType distinguishes the two kinds of service element a
// skeleton can register.
type ElementType uint8

const (
	ElementEvent ElementType = iota
	ElementField
)

func (t ElementType) String() string {
	if t == ElementField {
		return "field"
	}
	return "event"
}

// ElementFqId uniquely names one service element of one service instance;
// it is the key into every control/storage map a skeleton owns.
type ElementFqId struct {
	ServiceID   uint16
	ElementID   uint8
	InstanceID  uint16
	ElementType ElementType
}

func (id ElementFqId) String() string {
	return fmt.Sprintf("%d/%d/%d/%s", id.ServiceID, id.InstanceID, id.ElementID, id.ElementType)
}
