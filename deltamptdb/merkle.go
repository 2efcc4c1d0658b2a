package deltamptdb

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/cfxstorage/delta-mpt/deltamptcfg"
)

// ChildrenMerkleMap records, for a dirty node's arena slot, the 16-slot
// array of child Merkle hashes computed while hashing it — the candidate
// children-hash sidecar the commit engine may persist.
type ChildrenMerkleMap map[Slot][16]common.Hash

// MerkleStats accumulates counters observed while computing Merkle hashes,
// most importantly how many times a committed node had to be loaded from
// the KV store along the way.
type MerkleStats struct {
	ComputeMerkleDBLoads int
}

// uncachedChildrenCount returns the number of non-empty children that are
// Committed refs NOT currently resident in cache's LRU — the ones whose
// Merkle hash would actually cost a KV load to obtain, which is the cost
// the sidecar exists to avoid. A committed child already sitting in cache
// is cheap to re-hash directly and so doesn't count, even though it hasn't
// been forked into this session's dirty set.
func uncachedChildrenCount(cache *CacheManager, mptID MptID, t *ChildrenTable) int {
	n := 0
	t.Iterate(func(_ int, ref NodeRefCompact) {
		if ref.IsCommitted() && !cache.IsCached(mptID, ref.DBKey) {
			n++
		}
	})
	return n
}

// GetOrComputeMerkle resolves the Merkle hash of the node behind c.
// Committed nodes return their persisted hash directly. Dirty nodes
// have their child hashes gathered — optionally from the on-disk
// children-hash sidecar when the depth/uncached-count thresholds in cfg
// fire — and are (re)hashed via TrieNode.ComputeMerkle, with the result
// cached via SetMerkle and, if the thresholds fired, recorded into
// childrenMerkleMap for the commit engine to persist.
//
// parentPathStepsPlusOne is 0 for the root, 1 for the root's direct
// children, and increments by this node's own path_steps()+1 on each
// descent; it doubles as both the path_without_first_nibble parity bit and
// the "depth" the sidecar thresholds compare against.
func GetOrComputeMerkle(
	c *CowNodeRef,
	cache *CacheManager,
	ownedSet *OwnedNodeSet,
	cfg deltamptcfg.Config,
	childrenMerkleMap ChildrenMerkleMap,
	parentPathStepsPlusOne int,
	stats *MerkleStats,
) (common.Hash, error) {
	guarded, loadedFromDB, err := c.GetTrieNode(cache)
	if err != nil {
		return common.Hash{}, err
	}
	if loadedFromDB {
		stats.ComputeMerkleDBLoads++
	}
	node := guarded.Value

	if c.NodeRef.IsCommitted() {
		h := node.GetMerkle()
		guarded.Release()
		return h, nil
	}

	pathWithoutFirstNibble := parentPathStepsPlusOne%2 == 1
	childrenCount := node.Children.Count()

	if childrenCount == 0 {
		h := node.ComputeMerkle(nil, pathWithoutFirstNibble)
		node.SetMerkle(h)
		guarded.Release()
		return h, nil
	}

	slot := c.NodeRef.Slot
	originalDBKey, hasOriginal := ownedSet.OriginalDBKey(slot)
	uncached := uncachedChildrenCount(cache, c.mptID, &node.Children)

	var sidecar *ChildrenMerkleSidecar
	if cfg.EnableChildrenMerkles &&
		hasOriginal &&
		parentPathStepsPlusOne > cfg.ChildrenMerkleDepthThreshold &&
		uncached > cfg.ChildrenMerkleUncachedThreshold {
		sc, serr := cache.ChildrenMerkleSidecarFor(originalDBKey)
		if serr != nil {
			guarded.Release()
			return common.Hash{}, serr
		}
		if sc != nil {
			sidecar = sc
			stats.ComputeMerkleDBLoads++
		}
	}

	children := snapshotChildren(&node.Children)
	childDepth := parentPathStepsPlusOne + node.CompressedPath.PathSteps() + 1
	guarded.Release()

	var childHashes [ChildrenCount]common.Hash
	for i := range childHashes {
		childHashes[i] = MerkleNullNode
	}
	for _, cs := range children {
		if sidecar != nil && cs.ref.IsCommitted() {
			childHashes[cs.index] = sidecar[cs.index]
			continue
		}
		childCow := NewCowNodeRef(cs.ref, ownedSet, c.mptID)
		h, cerr := GetOrComputeMerkle(&childCow, cache, ownedSet, cfg, childrenMerkleMap, childDepth, stats)
		if cerr != nil {
			return common.Hash{}, cerr
		}
		childHashes[cs.index] = h
	}

	h := node.ComputeMerkle(&childHashes, pathWithoutFirstNibble)
	node.SetMerkle(h)

	if cfg.EnableChildrenMerkles &&
		parentPathStepsPlusOne > cfg.ChildrenMerkleDepthThreshold &&
		uncached > cfg.ChildrenMerkleUncachedThreshold {
		childrenMerkleMap[slot] = childHashes
	}

	return h, nil
}
