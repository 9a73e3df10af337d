// Package statedb persists the daemon's crash-recovery journal — per-worker
// backoff/retry counters and the last processed event sequence number — in
// a small go.etcd.io/bbolt database. This journal is non-authoritative: it
// exists purely to avoid re-learning backoff state from scratch on every
// restart. Its loss degrades gracefully to "assume no prior failures,"
// never to an unsafe state, so every read here tolerates a missing bucket
// or key.
package statedb

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRetries  = []byte("retries")
	bucketSequence = []byte("sequence")
)

// DB wraps a bbolt database for the journal's narrow schema.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the journal at path.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("statedb: opening %s: %w", path, err)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRetries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSequence)
		return err
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("statedb: initializing buckets in %s: %w", path, err)
	}

	return &DB{bolt: b}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// PutRetryCount persists the retry counter for a device index.
func (d *DB) PutRetryCount(deviceIndex int, count int) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetries)
		return b.Put(itob(deviceIndex), itob(count))
	})
}

// RetryCount reads the retry counter for a device index, returning 0 if
// absent (the safe default: "no prior failures known").
func (d *DB) RetryCount(deviceIndex int) int {
	var count int
	_ = d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetries)
		v := b.Get(itob(deviceIndex))
		if v != nil {
			count = btoi(v)
		}
		return nil
	})
	return count
}

// ClearRetryCount removes a device's retry counter. The reconciler calls it
// after every step that leaves the worker outside PhaseFailed.
func (d *DB) ClearRetryCount(deviceIndex int) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetries).Delete(itob(deviceIndex))
	})
}

// PutSequenceCheckpoint persists the last event sequence number the
// reconciler fully processed.
func (d *DB) PutSequenceCheckpoint(seq uint64) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSequence).Put([]byte("last"), u64tob(seq))
	})
}

// SequenceCheckpoint reads the last checkpointed sequence number, or 0 if
// none was ever recorded.
func (d *DB) SequenceCheckpoint() uint64 {
	var seq uint64
	_ = d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSequence).Get([]byte("last"))
		if v != nil {
			seq = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return seq
}

func itob(v int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(int64(v)))
	return b
}

func btoi(b []byte) int {
	return int(int64(binary.BigEndian.Uint64(b)))
}

func u64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
