package deltamptdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cfxstorage/delta-mpt/storage"
)

// CommitDirtyRecursively writes the dirty subtree behind c to tx, depth
// first, so that every child is committed (and its parent's children table
// updated to the resulting db_key) before the parent itself is encoded. It
// returns false, nil if c is not owned — nothing to do. On any failure the
// child that failed still has its ownership released via IntoChild before
// the error propagates, satisfying the drop-time invariant even on a
// partial commit, the same discipline subtree deletion uses.
func CommitDirtyRecursively(
	c *CowNodeRef,
	cache *CacheManager,
	arena *Arena,
	ownedSet *OwnedNodeSet,
	tx storage.Transaction,
	childrenMerkleMap ChildrenMerkleMap,
) (bool, error) {
	if !c.owned {
		return false, nil
	}
	slot := c.NodeRef.Slot
	node := arena.GetMut(slot)

	if err := commitDirtyRecurseIntoChildren(cache, arena, ownedSet, tx, childrenMerkleMap, c.mptID, &node.Children); err != nil {
		return false, err
	}

	dbKey, err := tx.NextRowNumber()
	if err != nil {
		return false, err
	}
	blob, err := EncodeTrieNode(node)
	if err != nil {
		return false, err
	}
	if err := tx.PutWithNumberKey(dbKey, blob); err != nil {
		return false, fmt.Errorf("%w: writing node %d: %v", ErrKvIO, dbKey, err)
	}

	if sidecar, ok := childrenMerkleMap[slot]; ok {
		sc := ChildrenMerkleSidecar(sidecar)
		scBlob, err := EncodeChildrenMerkleSidecar(&sc)
		if err != nil {
			return false, err
		}
		if err := tx.Put(storage.ChildrenMerkleKey(dbKey), scBlob); err != nil {
			return false, fmt.Errorf("%w: writing children merkle sidecar for %d: %v", ErrKvIO, dbKey, err)
		}
	}

	cache.InsertToNodeRefMapAndCallCacheAccess(c.mptID, dbKey, slot)

	ownedSet.Remove(slot)
	c.NodeRef = Committed(dbKey)
	c.owned = false

	log.Trace("delta-mpt: committed node", "mpt_id", c.mptID, "db_key", dbKey, "slot", slot)
	return true, nil
}

// commitDirtyRecurseIntoChildren commits every dirty child of children in
// place, replacing its table entry with the resulting Committed ref. A
// child that is Empty or already Committed is left untouched.
func commitDirtyRecurseIntoChildren(
	cache *CacheManager,
	arena *Arena,
	ownedSet *OwnedNodeSet,
	tx storage.Transaction,
	childrenMerkleMap ChildrenMerkleMap,
	mptID MptID,
	children *ChildrenTable,
) error {
	for i := 0; i < ChildrenCount; i++ {
		ref := children.Get(i)
		if ref.IsEmpty() || !ref.IsDirty() {
			continue
		}
		childCow := NewCowNodeRef(ref, ownedSet, mptID)
		committed, err := CommitDirtyRecursively(&childCow, cache, arena, ownedSet, tx, childrenMerkleMap)
		if err != nil {
			children.Set(i, childCow.IntoChild())
			return err
		}
		if committed {
			children.Set(i, childCow.NodeRef)
		}
	}
	return nil
}
