// Package memorydb is an ephemeral storage.KeyValueStore backed by a plain
// map, used by tests and the CLI demo in cmd/deltampt-shell. It is not meant
// for production use: there is no persistence and no compaction.
package memorydb

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/cfxstorage/delta-mpt/storage"
)

// MemDB is an in-memory key-value store guarded by a RWMutex. The row-number
// allocator is a counter on the store itself, not on any one transaction, so
// that it stays monotonic across the lifetime of the store regardless of how
// many transactions commit, abort, or overlap in time.
type MemDB struct {
	db      map[string][]byte
	lock    sync.RWMutex
	nextRow int64
}

// New returns an empty MemDB.
func New() *MemDB {
	return &MemDB{
		db: make(map[string][]byte),
	}
}

// Get implements storage.KeyValueReader.
func (d *MemDB) Get(key []byte) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	v, ok := d.db[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	// Return a copy: callers (and the cache manager) may retain the slice
	// well past this lock.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// NewTransaction implements storage.Batcher.
func (d *MemDB) NewTransaction() storage.Transaction {
	return &memTx{db: d}
}

// memTx buffers writes until Commit, at which point they're applied to the
// backing map under a single lock acquisition, matching the "not visible
// until commit" contract of storage.Transaction.
type memTx struct {
	db      *MemDB
	pending []kv
}

type kv struct {
	key, value []byte
}

func (tx *memTx) Put(key, value []byte) error {
	tx.pending = append(tx.pending, kv{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (tx *memTx) PutWithNumberKey(key int64, value []byte) error {
	return tx.Put(storage.NumberKey(key), value)
}

// NextRowNumber atomically allocates the next row number from the store's
// counter. Numbers handed out to a transaction that never commits are not
// reclaimed: monotonicity matters here, not gaplessness.
func (tx *memTx) NextRowNumber() (int64, error) {
	n := atomic.AddInt64(&tx.db.nextRow, 1)
	// n <= 0 catches the counter having wrapped past math.MaxInt64 on a call
	// after the first overflow error.
	if n >= math.MaxInt64 || n <= 0 {
		return 0, storage.ErrRowNumberOverflow
	}
	return n, nil
}

func (tx *memTx) Commit() error {
	tx.db.lock.Lock()
	defer tx.db.lock.Unlock()

	for _, e := range tx.pending {
		tx.db.db[string(e.key)] = e.value
	}
	tx.pending = nil
	return nil
}
