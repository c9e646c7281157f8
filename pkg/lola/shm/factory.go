package shm

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/lola/pkg/log"
)

// Factory creates, opens, and removes the shared-memory segments for one
// service instance, rooted at a configurable mount point (so tests never
// touch the real /dev/shm).
type Factory struct {
	Mount string
}

// NewFactory builds a Factory rooted at mount.
func NewFactory(mount string) *Factory {
	return &Factory{Mount: mount}
}

// Create creates a new segment of the given kind and size for (serviceID,
// instanceID).
func (f *Factory) Create(kind Kind, serviceID, instanceID uint16, size int) (*Arena, error) {
	return Create(PathFor(f.Mount, kind, serviceID, instanceID), size)
}

// Open opens an existing segment of the given kind for (serviceID,
// instanceID).
func (f *Factory) Open(kind Kind, serviceID, instanceID uint16) (*Arena, error) {
	return Open(PathFor(f.Mount, kind, serviceID, instanceID))
}

// Remove unlinks the segment file of the given kind for (serviceID,
// instanceID), if it exists.
func (f *Factory) Remove(kind Kind, serviceID, instanceID uint16) error {
	path := PathFor(f.Mount, kind, serviceID, instanceID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RemoveStaleArtefacts removes every segment (data, control-QM,
// control-ASIL-B) for (serviceID, instanceID), tolerating files that don't
// exist. Called by PrepareOffer before re-creating an instance's arenas
// from scratch once the usage-marker flock confirms no proxy still holds
// them mapped.
func (f *Factory) RemoveStaleArtefacts(serviceID, instanceID uint16, hasASILB bool) error {
	logger := log.WithComponent("shm")
	kinds := []Kind{KindData, KindControlQM}
	if hasASILB {
		kinds = append(kinds, KindControlASILB)
	}
	for _, k := range kinds {
		if err := f.Remove(k, serviceID, instanceID); err != nil {
			return err
		}
	}
	logger.Debug().
		Uint16("service_id", serviceID).
		Uint16("instance_id", instanceID).
		Msg("removed stale shared-memory artefacts")
	return nil
}
