// Package queue is the client's durable offline queue. Pending change
// events survive restarts in a local bbolt file and drain oldest-first
// once connectivity returns.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SavageHobbies/Aether-2/internal/model"
)

var (
	bucketPending = []byte("pending")
	bucketMeta    = []byte("meta")

	keyLastSync = []byte("last_sync_timestamp")
)

// Entry is one queued event plus its delivery bookkeeping.
type Entry struct {
	Seq      uint64            `json:"seq"`
	Event    model.ChangeEvent `json:"event"`
	Attempts int               `json:"attempts"`
	QueuedAt time.Time         `json:"queuedAt"`
}

// Queue is a FIFO of pending events backed by bbolt. Keys are big-endian
// sequence numbers so bucket order is insertion order.
type Queue struct {
	db *bbolt.DB
}

// Open opens or creates the queue file.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPending); err != nil {
			return fmt.Errorf("failed to create pending bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Append enqueues an event and returns its sequence number.
func (q *Queue) Append(ev *model.ChangeEvent) (uint64, error) {
	var seq uint64
	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		s, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		seq = s

		entry := Entry{Seq: seq, Event: *ev.Clone(), QueuedAt: time.Now().UTC()}
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Peek returns the oldest entry without removing it, or nil when the
// queue is empty.
func (q *Queue) Peek() (*Entry, error) {
	var entry *Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketPending).Cursor().First()
		if k == nil {
			return nil
		}
		entry = &Entry{}
		if err := json.Unmarshal(v, entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the entry with the given sequence, or nil.
func (q *Queue) Get(seq uint64) (*Entry, error) {
	var entry *Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPending).Get(seqKey(seq))
		if v == nil {
			return nil
		}
		entry = &Entry{}
		if err := json.Unmarshal(v, entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Ack removes a delivered entry.
func (q *Queue) Ack(seq uint64) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(seqKey(seq))
	})
}

// IncrementAttempts bumps the delivery counter of an entry, keeping it
// queued.
func (q *Queue) IncrementAttempts(seq uint64) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		v := bucket.Get(seqKey(seq))
		if v == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entry.Attempts++
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// Len reports the number of pending entries.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// LastSync returns the persisted replay cursor, zero when never synced.
func (q *Queue) LastSync() (time.Time, error) {
	var ts time.Time
	err := q.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLastSync)
		if v == nil {
			return nil
		}
		return ts.UnmarshalText(v)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync: %w", err)
	}
	return ts, nil
}

// SetLastSync persists the replay cursor. Cursors never move backwards;
// an older timestamp is ignored.
func (q *Queue) SetLastSync(ts time.Time) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if v := bucket.Get(keyLastSync); v != nil {
			var cur time.Time
			if err := cur.UnmarshalText(v); err == nil && ts.Before(cur) {
				return nil
			}
		}
		data, err := ts.UTC().MarshalText()
		if err != nil {
			return err
		}
		return bucket.Put(keyLastSync, data)
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
