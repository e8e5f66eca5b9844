// Package queue implements a size-bounded, disk-persisted FIFO used to
// hold outbound bus publications across restarts and bus outages. Control
// transactions are not stored here; the control pipeline keeps its own
// in-memory queue. It is backed by a single BadgerDB database;
// enqueue and evict-oldest run inside one transaction so the size bound
// holds even across a crash mid-insert.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/oig-proxy/internal/bytesize"
)

const entryPrefix = "queue/"

// Entry is one queued item: an opaque payload plus enough metadata to
// replay it correctly (topic, retain flag, ready time) once the bus is
// reachable again.
type Entry struct {
	ID            uint64    `json:"id"`
	Topic         string    `json:"topic"`
	Payload       []byte    `json:"payload"`
	Retain        bool      `json:"retain"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DeferredUntil time.Time `json:"deferred_until"`
}

// Queue is a size-bounded FIFO. All methods are safe for concurrent use.
type Queue struct {
	db *badger.DB

	mu     sync.Mutex
	maxLen int
	nextID uint64
}

// Open opens (creating if absent) a Badger-backed queue at dir, bounded to
// maxLen entries. Oldest entries are evicted automatically once maxLen is
// exceeded.
func Open(dir string, maxLen int) (*Queue, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", dir, err)
	}

	q := &Queue{db: db, maxLen: maxLen}
	if err := q.loadNextID(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// DiskUsage returns the queue's current on-disk footprint (LSM tree plus
// value log), for the heartbeat log.
func (q *Queue) DiskUsage() bytesize.ByteSize {
	lsm, vlog := q.db.Size()
	return bytesize.ByteSize(lsm + vlog)
}

func (q *Queue) loadNextID() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.Reverse = true
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past any real key to land on
		// the highest key under the prefix.
		seekKey := append([]byte(entryPrefix), 0xFF)
		it.Seek(seekKey)
		if !it.Valid() {
			q.nextID = 1
			return nil
		}

		id, err := idFromKey(it.Item().Key())
		if err != nil {
			return err
		}
		q.nextID = id + 1
		return nil
	})
}

func keyFor(id uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], id)
	return key
}

func idFromKey(key []byte) (uint64, error) {
	if len(key) != len(entryPrefix)+8 {
		return 0, fmt.Errorf("queue: malformed key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(entryPrefix):]), nil
}

// Enqueue appends a new entry and returns its assigned id. If the queue's
// size after insertion exceeds its bound, the single oldest entry is
// deleted in the same transaction.
func (q *Queue) Enqueue(topic string, payload []byte, retain bool) (uint64, error) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.mu.Unlock()

	entry := Entry{
		ID:         id,
		Topic:      topic,
		Payload:    payload,
		Retain:     retain,
		EnqueuedAt: time.Now(),
	}
	entry.DeferredUntil = entry.EnqueuedAt

	err := q.db.Update(func(txn *badger.Txn) error {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("queue: encode entry: %w", err)
		}
		if err := txn.Set(keyFor(id), encoded); err != nil {
			return fmt.Errorf("queue: store entry: %w", err)
		}

		if q.maxLen <= 0 {
			return nil
		}
		count, oldestKey, err := countAndOldest(txn)
		if err != nil {
			return err
		}
		if count > q.maxLen && oldestKey != nil {
			if err := txn.Delete(oldestKey); err != nil {
				return fmt.Errorf("queue: evict oldest: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func countAndOldest(txn *badger.Txn) (count int, oldestKey []byte, err error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(entryPrefix)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if oldestKey == nil {
			key := it.Item().KeyCopy(nil)
			oldestKey = key
		}
		count++
	}
	return count, oldestKey, nil
}

// PeekNextReady returns the lowest-id entry whose DeferredUntil has
// passed, or ok=false if none is ready.
func (q *Queue) PeekNextReady() (entry Entry, ok bool, err error) {
	now := time.Now()
	err = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var candidate Entry
			decodeErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			})
			if decodeErr != nil {
				return decodeErr
			}
			if !candidate.DeferredUntil.After(now) {
				entry = candidate
				ok = true
				return nil
			}
		}
		return nil
	})
	return entry, ok, err
}

// Defer pushes the named entry's ready time forward by the given delay.
func (q *Queue) Defer(id uint64, delay time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		key := keyFor(id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("queue: defer: entry %d not found", id)
		}
		if err != nil {
			return err
		}

		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}

		entry.DeferredUntil = time.Now().Add(delay)
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("queue: encode entry: %w", err)
		}
		return txn.Set(key, encoded)
	})
}

// Remove deletes the named entry. Removing an absent id is a no-op.
func (q *Queue) Remove(id uint64) error {
	return q.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(keyFor(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Size returns the number of entries currently queued.
func (q *Queue) Size() (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// OldestAge returns the age of the oldest entry by EnqueuedAt, or false if
// the queue is empty.
func (q *Queue) OldestAge() (age time.Duration, ok bool, err error) {
	now := time.Now()
	err = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return nil
		}
		var entry Entry
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}
		age = now.Sub(entry.EnqueuedAt)
		ok = true
		return nil
	})
	return age, ok, err
}

// NextReadyInSeconds returns the number of seconds until the next entry
// becomes ready, 0 if one already is, or ok=false if the queue is empty.
func (q *Queue) NextReadyInSeconds() (seconds int, ok bool, err error) {
	var earliest time.Time
	found := false

	err = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if !found || entry.DeferredUntil.Before(earliest) {
				earliest = entry.DeferredUntil
				found = true
			}
		}
		return nil
	})
	if err != nil || !found {
		return 0, found, err
	}

	remaining := time.Until(earliest)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining.Seconds()), true, nil
}
