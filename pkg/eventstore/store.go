// Package eventstore is the append-only, per-aggregate event log that
// backs every CA and publisher in rpkid. The daemon runs single-node
// per data directory, so durability comes from bbolt's fsync'd
// transactions rather than log replication.
package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// ErrConflict is returned by Append when the caller's expected version
// does not match the aggregate's current version: another command
// committed events for this handle in the meantime.
type ErrConflict struct {
	Kind        string
	Handle      string
	ExpectedVer uint64
	ActualVer   uint64
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("%s/%s: version conflict, expected %d, have %d", e.Kind, e.Handle, e.ExpectedVer, e.ActualVer)
}

// ErrNotFound is returned when an aggregate handle has no recorded
// events.
type ErrNotFound struct {
	Kind   string
	Handle string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s/%s: not found", e.Kind, e.Handle)
}

// StoredEvent is a single envelope persisted in the log: a version
// number (1-indexed, monotonically increasing per handle) plus the
// JSON-encoded domain event and its type tag.
type StoredEvent struct {
	Version uint64          `json:"version"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Snapshot is a point-in-time materialization of an aggregate, stored
// alongside the events that produced it so replay can start from it
// instead of from event 1.
type Snapshot struct {
	Version uint64          `json:"version"`
	State   json.RawMessage `json:"state"`
}

// Store is the bbolt-backed event log. One bucket per aggregate kind
// (e.g. "ca", "pubd") holds one nested bucket per handle; inside that,
// events are keyed by big-endian version number so ForEach and cursor
// scans return them in order.
type Store struct {
	db *bolt.DB
}

var (
	snapshotKey = []byte("__snapshot__")
)

// Open opens (creating if needed) the bbolt database at dataDir/events.db.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "events.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open event store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append appends events to an aggregate's log, enforcing optimistic
// concurrency: expectedVersion must equal the aggregate's current
// version (0 meaning "does not yet exist") or the append is rejected
// with ErrConflict and nothing is written.
func (s *Store) Append(kind, handle string, expectedVersion uint64, events []StoredEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kindBucket, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return fmt.Errorf("create kind bucket %s: %w", kind, err)
		}
		handleBucket, err := kindBucket.CreateBucketIfNotExists([]byte(handle))
		if err != nil {
			return fmt.Errorf("create handle bucket %s/%s: %w", kind, handle, err)
		}

		current := currentVersion(handleBucket)
		if current != expectedVersion {
			return &ErrConflict{Kind: kind, Handle: handle, ExpectedVer: expectedVersion, ActualVer: current}
		}

		next := current
		for _, ev := range events {
			next++
			ev.Version = next
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %s v%d: %w", kind, next, err)
			}
			if err := handleBucket.Put(versionKey(next), data); err != nil {
				return fmt.Errorf("put event %s/%s v%d: %w", kind, handle, next, err)
			}
		}
		return nil
	})
}

// Load returns every event for a handle after its most recent
// snapshot (or from version 1 if there is none), along with that
// snapshot if present. Returns ErrNotFound if the handle has never
// been written.
func (s *Store) Load(kind, handle string) (*Snapshot, []StoredEvent, error) {
	var snap *Snapshot
	var events []StoredEvent

	err := s.db.View(func(tx *bolt.Tx) error {
		kindBucket := tx.Bucket([]byte(kind))
		if kindBucket == nil {
			return &ErrNotFound{Kind: kind, Handle: handle}
		}
		handleBucket := kindBucket.Bucket([]byte(handle))
		if handleBucket == nil {
			return &ErrNotFound{Kind: kind, Handle: handle}
		}

		if raw := handleBucket.Get(snapshotKey); raw != nil {
			var sn Snapshot
			if err := json.Unmarshal(raw, &sn); err != nil {
				return fmt.Errorf("unmarshal snapshot %s/%s: %w", kind, handle, err)
			}
			snap = &sn
		}

		minVersion := uint64(0)
		if snap != nil {
			minVersion = snap.Version
		}

		c := handleBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) == string(snapshotKey) {
				continue
			}
			var ev StoredEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event %s/%s: %w", kind, handle, err)
			}
			if ev.Version > minVersion {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	return snap, events, nil
}

// PutSnapshot stores a materialized state at a given version,
// allowing future Load calls to skip replaying everything before it.
func (s *Store) PutSnapshot(kind, handle string, snap Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		kindBucket, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		handleBucket, err := kindBucket.CreateBucketIfNotExists([]byte(handle))
		if err != nil {
			return err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s/%s: %w", kind, handle, err)
		}
		return handleBucket.Put(snapshotKey, data)
	})
}

// ListHandles returns every handle recorded under an aggregate kind.
func (s *Store) ListHandles(kind string) ([]string, error) {
	var handles []string
	err := s.db.View(func(tx *bolt.Tx) error {
		kindBucket := tx.Bucket([]byte(kind))
		if kindBucket == nil {
			return nil
		}
		return kindBucket.ForEach(func(name, v []byte) error {
			if v == nil { // nested bucket, not a plain key/value pair
				handles = append(handles, string(name))
			}
			return nil
		})
	})
	sort.Strings(handles)
	return handles, err
}

// Ping is a cheap liveness probe suitable for health.EventStoreChecker:
// it confirms the underlying bbolt transaction machinery still works.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func currentVersion(handleBucket *bolt.Bucket) uint64 {
	var max uint64
	c := handleBucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) != 8 {
			continue // skips snapshotKey, which is not an 8-byte version key
		}
		if v := binary.BigEndian.Uint64(k); v > max {
			max = v
		}
	}
	return max
}

func versionKey(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
