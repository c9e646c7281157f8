package skeleton

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketElements = []byte("elements")

// elementMeta is the persisted shape of one registration: everything
// PrepareOffer's reopen path needs to reconstruct the element's
// control/composite pair before CleanupSharedMemoryAfterCrash can run
// against it, without requiring the previous process's Go heap.
// Grounded on the teacher's BoltStore (pkg/storage/boltdb.go): one bucket,
// JSON-encoded values keyed by a stable string id.
type elementMeta struct {
	ID        ElementFqId `json:"id"`
	NumSlots  int         `json:"num_slots"`
	HasASILB  bool        `json:"has_asilb"`
	Tracing   bool        `json:"tracing"`
	MaxSubs   int         `json:"max_subscribers"`
	EnforceMS bool        `json:"enforce_max_samples"`
	MaxSample int         `json:"max_sample_count"`
}

func elementKey(id ElementFqId) []byte {
	return []byte(fmt.Sprintf("%d-%d-%d-%d", id.ServiceID, id.InstanceID, id.ElementID, id.ElementType))
}

// registry persists element metadata across a skeleton restart, for one
// service instance.
type registry struct {
	db *bolt.DB
}

func openRegistry(stateDir string, serviceID, instanceID uint16) (*registry, error) {
	path := filepath.Join(stateDir, fmt.Sprintf("lola-elements-%d-%d.db", serviceID, instanceID))
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open element registry %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketElements)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize element registry %s: %w", path, err)
	}
	return &registry{db: db}, nil
}

func (r *registry) close() error {
	return r.db.Close()
}

func (r *registry) save(meta elementMeta) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketElements).Put(elementKey(meta.ID), data)
	})
}

func (r *registry) loadAll() ([]elementMeta, error) {
	var out []elementMeta
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketElements).ForEach(func(k, v []byte) error {
			var meta elementMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	return out, err
}

func (r *registry) deleteAll() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketElements); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketElements)
		return err
	})
}
