package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"

	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
)

const (
	KindPeriodic  = "periodic"
	KindEmergency = "emergency"
	KindShutdown  = "shutdown"
)

// Snapshot is one persisted view of the executor's state. Everything
// needed to rebuild the book and safety counters after a restart.
type Snapshot struct {
	ID         string               `json:"id"`
	Kind       string               `json:"kind"`
	Reason     string               `json:"reason,omitempty"`
	TakenAt    time.Time            `json:"taken_at"`
	Safety     safety.Snapshot      `json:"safety"`
	Positions  []positions.Position `json:"positions"`
	Strategies []string             `json:"strategies,omitempty"`
	KillSwitch bool                 `json:"kill_switch_active"`
}

var bucketSnapshots = []byte("snapshots")

// Store persists snapshots in a bolt database, keeping only the newest
// N. Keys are RFC3339Nano timestamps so bolt's key order is time order.
type Store struct {
	db     *bolt.DB
	keep   int
	logger zerolog.Logger
}

// OpenStore opens or creates the snapshot database
func OpenStore(path string, keep int, logger zerolog.Logger) (*Store, error) {
	if keep <= 0 {
		keep = 24
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &Store{db: db, keep: keep, logger: logger.With().Str("component", "SnapshotStore").Logger()}, nil
}

// Save writes a snapshot and prunes beyond the retention count
func (s *Store) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := []byte(snap.TakenAt.UTC().Format(time.RFC3339Nano))

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if err := b.Put(key, data); err != nil {
			return err
		}
		// Ring buffer: drop oldest entries past the retention count
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-s.keep; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest returns the newest snapshot, if any
func (s *Store) Latest() (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		if err := json.Unmarshal(v, &snap); err != nil {
			return fmt.Errorf("unmarshal snapshot %s: %w", k, err)
		}
		found = true
		return nil
	})
	return snap, found, err
}

// List returns all retained snapshots, newest first
func (s *Store) List() ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				s.logger.Warn().Str("key", string(k)).Err(err).Msg("Skipping unreadable snapshot")
				continue
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// Count returns the number of retained snapshots
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSnapshots).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
