package deltamptdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cfxstorage/delta-mpt/deltamptcfg"
	"github.com/cfxstorage/delta-mpt/storage"
)

// DeltaMpt is the minimal caller-facing driver over the engine's node
// primitives: not a general state-machine layer, just enough policy to walk
// keys down to the right CowNodeRef, apply the single COW primitive,
// recompute Merkle hashes, and commit. One DeltaMpt is one update session:
// single-threaded, bound to one Arena, one OwnedNodeSet and one
// CacheManager, all three built by NewDeltaMpt for this session alone.
type DeltaMpt struct {
	mptID    MptID
	cfg      deltamptcfg.Config
	arena    *Arena
	ownedSet *OwnedNodeSet
	cache    *CacheManager
	store    storage.KeyValueStore
	root     CowNodeRef
	stats    MerkleStats
}

// NewDeltaMpt opens a fresh session over an empty trie.
func NewDeltaMpt(mptID MptID, cfg deltamptcfg.Config, store storage.KeyValueStore) (*DeltaMpt, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	arena := NewArena(cfg.ArenaCapacity)
	cache, err := NewCacheManager(cfg.CacheCapacity, arena, store)
	if err != nil {
		return nil, err
	}
	ownedSet := NewOwnedNodeSet()
	return &DeltaMpt{
		mptID:    mptID,
		cfg:      cfg,
		arena:    arena,
		ownedSet: ownedSet,
		cache:    cache,
		store:    store,
		root:     CowNodeRef{mptID: mptID, NodeRef: EmptyRef},
	}, nil
}

// OpenDeltaMpt opens a session on top of a previously committed root, the
// commit-then-update path a caller takes to continue working from a
// checkpoint.
func OpenDeltaMpt(mptID MptID, cfg deltamptcfg.Config, store storage.KeyValueStore, rootDBKey int64) (*DeltaMpt, error) {
	m, err := NewDeltaMpt(mptID, cfg, store)
	if err != nil {
		return nil, err
	}
	m.root = NewCowNodeRef(Committed(rootDBKey), m.ownedSet, mptID)
	return m, nil
}

// RootRef exposes the current root reference, mainly for tests.
func (m *DeltaMpt) RootRef() NodeRef { return m.root.NodeRef }

// Stats reports the Merkle-engine counters accumulated so far.
func (m *DeltaMpt) Stats() MerkleStats { return m.stats }

// Get resolves key to its value, or (nil, nil) if absent.
func (m *DeltaMpt) Get(key []byte) ([]byte, error) {
	return m.getAt(m.root.NodeRef, KeyBytesToNibbles(key))
}

func (m *DeltaMpt) getAt(ref NodeRef, remaining []byte) ([]byte, error) {
	if ref.IsEmpty() {
		return nil, nil
	}
	c := NewCowNodeRef(ref, m.ownedSet, m.mptID)
	guarded, _, err := c.GetTrieNode(m.cache)
	if err != nil {
		return nil, err
	}
	node := guarded.Value
	path := node.CompressedPath.Nibbles
	commonLen := longestCommonPrefix(path, remaining)
	if commonLen < len(path) {
		guarded.Release()
		return nil, nil
	}
	if commonLen == len(remaining) {
		v := node.ValueClone()
		guarded.Release()
		return v, nil
	}
	childIndex := remaining[commonLen]
	childRef := node.Children.Get(int(childIndex))
	rest := remaining[commonLen+1:]
	guarded.Release()
	return m.getAt(childRef, rest)
}

// Set inserts or overwrites key's value, returning what the value was
// before.
func (m *DeltaMpt) Set(key []byte, value []byte) (ReplaceOutcome, error) {
	nibbles := KeyBytesToNibbles(key)
	if m.root.NodeRef.IsEmpty() {
		leafCow, entry, err := NewUninitializedCowNodeRef(m.arena, m.ownedSet, m.mptID)
		if err != nil {
			return ReplaceOutcome{}, err
		}
		entry.Insert(&TrieNode{CompressedPath: CompressedPath{Nibbles: cloneNibbles(nibbles)}, Value: value})
		m.root = leafCow
		return ReplaceOutcome{Existed: false}, nil
	}
	return m.insertAt(&m.root, nibbles, value)
}

func (m *DeltaMpt) insertAt(c *CowNodeRef, remaining []byte, value []byte) (ReplaceOutcome, error) {
	guarded, _, err := c.GetTrieNode(m.cache)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	node := guarded.Value
	path := node.CompressedPath.Nibbles
	commonLen := longestCommonPrefix(path, remaining)

	if commonLen == len(path) && commonLen == len(remaining) {
		return CowReplaceValueValid(c, m.arena, m.ownedSet, guarded, value)
	}

	if commonLen == len(path) {
		childIndex := remaining[commonLen]
		childRef := node.Children.Get(int(childIndex))
		rest := remaining[commonLen+1:]

		if childRef.IsEmpty() {
			leafCow, entry, err := NewUninitializedCowNodeRef(m.arena, m.ownedSet, m.mptID)
			if err != nil {
				guarded.Release()
				return ReplaceOutcome{}, err
			}
			entry.Insert(&TrieNode{CompressedPath: CompressedPath{Nibbles: cloneNibbles(rest)}, Value: value})
			err = CowModify(c, m.arena, m.ownedSet, guarded, func(n *TrieNode) {
				n.Children.Set(int(childIndex), leafCow.IntoChild())
			})
			return ReplaceOutcome{Existed: false}, err
		}

		guarded.Release()
		childCow := NewCowNodeRef(childRef, m.ownedSet, m.mptID)
		outcome, err := m.insertAt(&childCow, rest, value)
		if err != nil {
			return outcome, err
		}
		newRef := childCow.IntoChild()
		if newRef != childRef {
			guarded2, _, err2 := c.GetTrieNode(m.cache)
			if err2 != nil {
				return outcome, err2
			}
			if err2 := CowModify(c, m.arena, m.ownedSet, guarded2, func(n *TrieNode) {
				n.Children.Set(int(childIndex), newRef)
			}); err2 != nil {
				return outcome, err2
			}
		}
		return outcome, nil
	}

	return m.splitAndInsert(c, guarded, commonLen, remaining, value)
}

// splitAndInsert handles the case where remaining diverges from the
// current node's compressed path partway through: a new branch node is
// synthesized at the divergence point, carrying the old subtree as one
// child and either a new leaf (if the new key is longer) or the new value
// directly (if the new key ends exactly at the divergence point).
func (m *DeltaMpt) splitAndInsert(c *CowNodeRef, guarded Guarded[*TrieNode], commonLen int, remaining []byte, value []byte) (ReplaceOutcome, error) {
	node := guarded.Value
	oldPath := node.CompressedPath.Nibbles
	oldDivergingNibble := oldPath[commonLen]
	oldChildPath := cloneNibbles(oldPath[commonLen+1:])
	oldValue := node.ValueClone()
	oldChildren := node.Children.Clone()

	forkedCow, forkedEntry, err := NewUninitializedCowNodeRef(m.arena, m.ownedSet, m.mptID)
	if err != nil {
		guarded.Release()
		return ReplaceOutcome{}, err
	}
	forkedEntry.Insert(&TrieNode{
		CompressedPath: CompressedPath{Nibbles: oldChildPath},
		Value:          oldValue,
		Children:       oldChildren,
	})

	var branch TrieNode
	branch.CompressedPath = CompressedPath{Nibbles: cloneNibbles(oldPath[:commonLen])}
	branch.Children.Set(int(oldDivergingNibble), forkedCow.IntoChild())

	if commonLen == len(remaining) {
		branch.Value = value
	} else {
		newDivergingNibble := remaining[commonLen]
		newChildPath := cloneNibbles(remaining[commonLen+1:])
		newLeafCow, newLeafEntry, err := NewUninitializedCowNodeRef(m.arena, m.ownedSet, m.mptID)
		if err != nil {
			guarded.Release()
			return ReplaceOutcome{}, err
		}
		newLeafEntry.Insert(&TrieNode{CompressedPath: CompressedPath{Nibbles: newChildPath}, Value: value})
		branch.Children.Set(int(newDivergingNibble), newLeafCow.IntoChild())
	}

	_, err = CowModifyWithOperation(c, m.arena, m.ownedSet, guarded,
		func(n *TrieNode) struct{} { *n = branch; return struct{}{} },
		func(n *TrieNode) (*TrieNode, struct{}) { return &branch, struct{}{} },
	)
	if err != nil {
		return ReplaceOutcome{}, err
	}
	return ReplaceOutcome{Existed: false}, nil
}

// Delete removes key's value, merging a node into its single remaining
// child wherever a node is left with no value and exactly one child.
func (m *DeltaMpt) Delete(key []byte) (bool, error) {
	if m.root.NodeRef.IsEmpty() {
		return false, nil
	}
	deleted, err := m.deleteAt(&m.root, KeyBytesToNibbles(key))
	if err != nil || !deleted {
		return deleted, err
	}
	guarded, _, err := m.root.GetTrieNode(m.cache)
	if err != nil {
		return true, err
	}
	empty := !guarded.Value.HasValue() && guarded.Value.Children.Count() == 0
	guarded.Release()
	if empty {
		m.root.DeleteNode(m.arena, m.ownedSet)
		m.root = CowNodeRef{mptID: m.mptID, NodeRef: EmptyRef}
	}
	return true, nil
}

func (m *DeltaMpt) deleteAt(c *CowNodeRef, remaining []byte) (bool, error) {
	guarded, _, err := c.GetTrieNode(m.cache)
	if err != nil {
		return false, err
	}
	node := guarded.Value
	path := node.CompressedPath.Nibbles
	commonLen := longestCommonPrefix(path, remaining)

	if commonLen < len(path) {
		guarded.Release()
		return false, nil
	}

	if commonLen == len(remaining) {
		if !node.HasValue() {
			guarded.Release()
			return false, nil
		}
		if _, err := CowDeleteValueUnchecked(c, m.arena, m.ownedSet, guarded); err != nil {
			return false, err
		}
		if err := m.maybeMergeAfterDelete(c); err != nil {
			return true, err
		}
		return true, nil
	}

	childIndex := remaining[commonLen]
	childRef := node.Children.Get(int(childIndex))
	if childRef.IsEmpty() {
		guarded.Release()
		return false, nil
	}
	rest := remaining[commonLen+1:]
	guarded.Release()

	childCow := NewCowNodeRef(childRef, m.ownedSet, m.mptID)
	deleted, err := m.deleteAt(&childCow, rest)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	childGuarded, _, err := childCow.GetTrieNode(m.cache)
	if err != nil {
		return true, err
	}
	childEmpty := !childGuarded.Value.HasValue() && childGuarded.Value.Children.Count() == 0
	childGuarded.Release()

	guarded2, _, err := c.GetTrieNode(m.cache)
	if err != nil {
		return true, err
	}
	if childEmpty {
		childCow.DeleteNode(m.arena, m.ownedSet)
		if err := CowModify(c, m.arena, m.ownedSet, guarded2, func(n *TrieNode) {
			n.Children.Set(int(childIndex), EmptyRef)
		}); err != nil {
			return true, err
		}
	} else {
		newRef := childCow.IntoChild()
		if err := CowModify(c, m.arena, m.ownedSet, guarded2, func(n *TrieNode) {
			n.Children.Set(int(childIndex), newRef)
		}); err != nil {
			return true, err
		}
	}

	if err := m.maybeMergeAfterDelete(c); err != nil {
		return true, err
	}
	return true, nil
}

// maybeMergeAfterDelete collapses c's node into its single remaining child
// when it now carries no value and exactly one child.
func (m *DeltaMpt) maybeMergeAfterDelete(c *CowNodeRef) error {
	guarded, _, err := c.GetTrieNode(m.cache)
	if err != nil {
		return err
	}
	node := guarded.Value
	if node.HasValue() || node.Children.Count() != 1 {
		guarded.Release()
		return nil
	}
	var idx int
	var ref NodeRefCompact
	node.Children.Iterate(func(i int, r NodeRefCompact) {
		idx, ref = i, r
	})
	merged, err := CowMergePath(c, m.arena, m.ownedSet, m.cache, guarded, ref, byte(idx))
	if err != nil {
		return err
	}
	*c = merged
	return nil
}

// RootMerkle computes the current root's Merkle hash without committing.
func (m *DeltaMpt) RootMerkle() (common.Hash, error) {
	if m.root.NodeRef.IsEmpty() {
		return MerkleNullNode, nil
	}
	childrenMerkleMap := make(ChildrenMerkleMap)
	return GetOrComputeMerkle(&m.root, m.cache, m.ownedSet, m.cfg, childrenMerkleMap, 0, &m.stats)
}

// Commit hashes and writes every dirty node reachable from the root to the
// store in one atomic transaction. It returns the post-commit root Merkle
// hash. Committing an already-fully-committed
// session (no dirty nodes) is a harmless no-op that still returns the
// correct hash.
func (m *DeltaMpt) Commit() (common.Hash, error) {
	if m.root.NodeRef.IsEmpty() {
		return MerkleNullNode, nil
	}
	childrenMerkleMap := make(ChildrenMerkleMap)
	hash, err := GetOrComputeMerkle(&m.root, m.cache, m.ownedSet, m.cfg, childrenMerkleMap, 0, &m.stats)
	if err != nil {
		return common.Hash{}, err
	}

	tx := m.store.NewTransaction()
	if _, err := CommitDirtyRecursively(&m.root, m.cache, m.arena, m.ownedSet, tx, childrenMerkleMap); err != nil {
		return common.Hash{}, err
	}
	if err := tx.Commit(); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrKvIO, err)
	}
	return hash, nil
}

func longestCommonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func cloneNibbles(n []byte) []byte {
	out := make([]byte, len(n))
	copy(out, n)
	return out
}
