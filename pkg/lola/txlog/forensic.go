package txlog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRollbacks = []byte("rollback_decisions")

// ForensicSink persists every rollback executor decision to an on-disk
// bbolt database, so a post-mortem can answer "what did recovery actually
// undo" after a skeleton or proxy crash, independent of whatever log
// retention policy is in effect. Grounded on the teacher's BoltStore
// (pkg/storage/boltdb.go), repurposed here as an audit trail instead of
// cluster state.
type ForensicSink struct {
	db *bolt.DB
}

// rollbackRecord is the durable shape of one Rollback call.
type rollbackRecord struct {
	RecordedAt       time.Time  `json:"recorded_at"`
	ServiceID        uint16     `json:"service_id"`
	InstanceID       uint16     `json:"instance_id"`
	Quality          string     `json:"quality"`
	SubscriberLogIdx int        `json:"subscriber_log_idx"`
	Decisions        []Decision `json:"decisions"`
}

// OpenForensicSink opens (creating if necessary) the forensic database
// under stateDir.
func OpenForensicSink(stateDir string) (*ForensicSink, error) {
	path := filepath.Join(stateDir, "lola-forensic.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open forensic sink %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRollbacks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize forensic sink %s: %w", path, err)
	}
	return &ForensicSink{db: db}, nil
}

// Close closes the underlying database.
func (s *ForensicSink) Close() error {
	return s.db.Close()
}

// RecordRollback appends one rollback's decisions to the sink. A no-op
// (nil error) if decisions is empty, since an empty rollback doesn't
// warrant an audit entry.
func (s *ForensicSink) RecordRollback(serviceID, instanceID uint16, quality string, subscriberLogIdx int, decisions []Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	record := rollbackRecord{
		RecordedAt:       time.Now().UTC(),
		ServiceID:        serviceID,
		InstanceID:       instanceID,
		Quality:          quality,
		SubscriberLogIdx: subscriberLogIdx,
		Decisions:        decisions,
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRollbacks)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%d-%d-%d-%d", serviceID, instanceID, subscriberLogIdx, record.RecordedAt.UnixNano()))
		return b.Put(key, data)
	})
}

// ListRollbacks returns every recorded rollback for (serviceID,
// instanceID), oldest first, for post-mortem inspection.
func (s *ForensicSink) ListRollbacks(serviceID, instanceID uint16) ([]rollbackRecord, error) {
	var out []rollbackRecord
	prefix := []byte(fmt.Sprintf("%d-%d-", serviceID, instanceID))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRollbacks)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec rollbackRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
