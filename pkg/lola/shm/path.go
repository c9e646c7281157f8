// Package shm implements the shared-memory arena and its deterministic
// path builder (spec entity F): sized arenas backing control and data
// segments, named bit-exact per spec.md §4.F/§6 so a skeleton and its
// proxies always agree on where to find an instance's segments.
package shm

import "fmt"

// Kind selects which of the three segment files a path names.
type Kind int

const (
	KindData Kind = iota
	KindControlQM
	KindControlASILB
)

// Quality selects which control segment a reference applies to.
type Quality string

const (
	QualityQM    Quality = "qm"
	QualityASILB Quality = "asil-b"
)

// DefaultMount is the platform shared-memory mount point on Linux.
const DefaultMount = "/dev/shm"

// PathFor returns the bit-exact path for the given segment kind, under
// mount (pass DefaultMount in production; tests pass a temp directory).
//
//	Data           lola-data-<sid:016d>-<iid:05d>
//	Control (QM)   lola-ctl-<sid:016d>-<iid:05d>
//	Control (B)    lola-ctl-<sid:016d>-<iid:05d>-b
func PathFor(mount string, kind Kind, serviceID, instanceID uint16) string {
	switch kind {
	case KindData:
		return fmt.Sprintf("%s/lola-data-%016d-%05d", mount, serviceID, instanceID)
	case KindControlQM:
		return fmt.Sprintf("%s/lola-ctl-%016d-%05d", mount, serviceID, instanceID)
	case KindControlASILB:
		return fmt.Sprintf("%s/lola-ctl-%016d-%05d-b", mount, serviceID, instanceID)
	default:
		panic(fmt.Sprintf("shm: unknown segment kind %d", kind))
	}
}
