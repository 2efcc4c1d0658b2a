package deltamptdb

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cfxstorage/delta-mpt/storage"
)

// cacheKey identifies one committed node across every delta-MPT instance
// sharing a CacheManager.
type cacheKey struct {
	mptID MptID
	dbKey int64
}

// CacheManager is a bounded LRU: it resolves a Committed NodeRef to an Arena
// slot, loading from the KV collaborator on a cold miss, and evicting the
// least-recently-used committed slot back to the Arena's free list when the
// LRU is full. Several update sessions across different MptIDs may share
// one CacheManager; its internal mutex linearizes their LRU touches.
type CacheManager struct {
	mu    sync.Mutex
	arena *Arena
	db    storage.KeyValueReader
	cache *lru.Cache[cacheKey, Slot]
}

// NewCacheManager builds a cache manager with room for capacity cached
// committed nodes, backed by db for misses and arena for slot storage.
func NewCacheManager(capacity int, arena *Arena, db storage.KeyValueReader) (*CacheManager, error) {
	cm := &CacheManager{arena: arena, db: db}
	c, err := lru.NewWithEvict[cacheKey, Slot](capacity, cm.onEvict)
	if err != nil {
		return nil, fmt.Errorf("deltamptdb: building cache manager: %w", err)
	}
	cm.cache = c
	return cm, nil
}

// onEvict runs with cm.mu already held (golang-lru invokes the eviction
// callback synchronously from within Add/Get). It frees the evicted slot
// back to the arena. Only committed nodes are ever inserted into this cache
// (dirty nodes bypass it entirely, per node_cell_with_cache_manager below),
// so an evicted slot can never be a live dirty node; that invariant is what
// lets this free the slot unconditionally instead of consulting an
// owned-node-set, which CacheManager — being shared across sessions — has
// no single instance of anyway.
func (cm *CacheManager) onEvict(key cacheKey, slot Slot) {
	log.Trace("delta-mpt: evicting cached node", "mpt_id", key.mptID, "db_key", key.dbKey, "slot", slot)
	cm.arena.Free(slot)
}

// NodeCellWithCacheManager resolves ref to a guarded, readable node. For a
// Dirty ref it returns the arena slot directly with no locking, since dirty
// slots are never behind the cache manager's mutex. For a Committed ref it
// consults the LRU, loading from db and installing into a fresh arena slot
// on a cold miss. loadedFromDB reports whether a KV read was required, for
// callers tracking a db-loads counter during Merkle computation.
func (cm *CacheManager) NodeCellWithCacheManager(ref NodeRef, mptID MptID) (g Guarded[*TrieNode], loadedFromDB bool, err error) {
	switch ref.Kind {
	case RefDirty:
		return NewGuarded(cm.arena.Get(ref.Slot), nil), false, nil

	case RefCommitted:
		cm.mu.Lock()
		key := cacheKey{mptID: mptID, dbKey: ref.DBKey}
		if slot, ok := cm.cache.Get(key); ok {
			node := cm.arena.Get(slot)
			return NewGuarded(node, cm.mu.Unlock), false, nil
		}

		// Cold miss: load from the KV collaborator under the lock. This
		// blocks other sessions' cache touches for the duration of one KV
		// read; a strict async-on-miss design is left to a future revision
		// (see DESIGN.md).
		node, loadErr := cm.loadCommitted(ref.DBKey)
		if loadErr != nil {
			cm.mu.Unlock()
			return Guarded[*TrieNode]{}, false, loadErr
		}
		slot, entry, resErr := cm.arena.Reserve()
		if resErr != nil {
			cm.mu.Unlock()
			return Guarded[*TrieNode]{}, false, resErr
		}
		entry.Insert(node)
		cm.cache.Add(key, slot)
		return NewGuarded(node, cm.mu.Unlock), true, nil

	default:
		return Guarded[*TrieNode]{}, false, fmt.Errorf("%w: node_cell_with_cache_manager called on empty ref", ErrInvariantViolation)
	}
}

// loadCommitted reads and decodes the node stored under dbKey. Caller must
// hold cm.mu.
func (cm *CacheManager) loadCommitted(dbKey int64) (*TrieNode, error) {
	blob, err := cm.db.Get(storage.NumberKey(dbKey))
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("%w: db_key %d", ErrNodeNotFound, dbKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading node %d: %v", ErrKvIO, dbKey, err)
	}
	node, err := DecodeTrieNode(blob)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// IsCached reports whether the committed node at (mptID, dbKey) currently
// sits in the LRU, without touching its recency (a Contains check, not a
// Get). Used by the Merkle engine to tell a cheap cache hit apart from a
// child that would actually cost a KV load to re-hash.
func (cm *CacheManager) IsCached(mptID MptID, dbKey int64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.cache.Contains(cacheKey{mptID: mptID, dbKey: dbKey})
}

// InsertToNodeRefMapAndCallCacheAccess promotes a just-committed node into
// the cache under (mptID, dbKey) → slot. It may evict some other committed
// slot via the normal LRU policy.
func (cm *CacheManager) InsertToNodeRefMapAndCallCacheAccess(mptID MptID, dbKey int64, slot Slot) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cache.Add(cacheKey{mptID: mptID, dbKey: dbKey}, slot)
}

// ChildrenMerkleSidecarFor loads the optional "cm"-prefixed sidecar for
// dbKey, returning (nil, nil) if absent.
func (cm *CacheManager) ChildrenMerkleSidecarFor(dbKey int64) (*ChildrenMerkleSidecar, error) {
	blob, err := cm.db.Get(storage.ChildrenMerkleKey(dbKey))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: loading children merkle sidecar for %d: %v", ErrKvIO, dbKey, err)
	}
	return DecodeChildrenMerkleSidecar(blob)
}
