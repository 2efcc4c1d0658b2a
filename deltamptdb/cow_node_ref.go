package deltamptdb

import "fmt"

// CowNodeRef is the engine's centerpiece: a handle over a NodeRef that
// yields read-only access to committed nodes and, on first mutation,
// transparently forks an owned (dirty) copy. It upholds:
//
//  1. owned == true  <=>  NodeRef is Dirty AND ownedSet contains its slot.
//  2. At the end of its life, owned must be false — Go has no destructor to
//     enforce this; AssertNotOwned checks it on demand, and within this
//     package only the tests call it.
//  3. Reads never mutate the trie; the first mutation promotes via
//     ConvertToOwned.
type CowNodeRef struct {
	owned   bool
	mptID   MptID
	NodeRef NodeRef
}

// KeyValue is one (key, value) pair yielded by DeleteSubtree/IterateInternal.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// NewCowNodeRef constructs a handle over an existing reference; owned is
// derived from ownedSet membership, never asserted by the caller.
func NewCowNodeRef(ref NodeRef, ownedSet *OwnedNodeSet, mptID MptID) CowNodeRef {
	owned := ref.IsDirty() && ownedSet.Contains(ref.Slot)
	return CowNodeRef{owned: owned, mptID: mptID, NodeRef: ref}
}

// NewUninitializedCowNodeRef reserves a fresh dirty slot and registers it in
// ownedSet with no original db_key (a brand-new node, not forked from a
// committed one). The caller must populate the returned VacantEntry before
// any other code observes the slot.
func NewUninitializedCowNodeRef(arena *Arena, ownedSet *OwnedNodeSet, mptID MptID) (CowNodeRef, *VacantEntry, error) {
	slot, entry, err := arena.Reserve()
	if err != nil {
		return CowNodeRef{}, nil, err
	}
	ownedSet.Insert(slot, nil)
	return CowNodeRef{owned: true, mptID: mptID, NodeRef: Dirty(slot)}, entry, nil
}

// Owned reports whether this ref currently holds exclusive ownership of a
// dirty node.
func (c *CowNodeRef) Owned() bool { return c.owned }

// MptID reports which delta-MPT instance this ref belongs to.
func (c *CowNodeRef) MptID() MptID { return c.mptID }

// AssertNotOwned panics if this ref still owns a dirty node. Every exit path
// (Take, IntoChild, DeleteNode) clears owned; call this wherever a
// CowNodeRef's scope ends to catch a mutator that forgot to release or
// transfer ownership.
func (c *CowNodeRef) AssertNotOwned() {
	if c.owned {
		panic(fmt.Sprintf("deltamptdb: CowNodeRef dropped while still owning slot %d", c.NodeRef.Slot))
	}
}

// GetTrieNode resolves this ref to a guarded, read-only node via cache,
// loading from the KV collaborator on a cold committed miss.
func (c *CowNodeRef) GetTrieNode(cache *CacheManager) (Guarded[*TrieNode], bool, error) {
	return cache.NodeCellWithCacheManager(c.NodeRef, c.mptID)
}

// ConvertToOwned forks this ref into a fresh dirty slot if it isn't already
// owned. Returns nil, nil if already owned (a no-op); otherwise returns the
// VacantEntry the caller must fill with the forked
// node, and records the original db_key (if this ref was committed) in
// ownedSet so the Merkle engine can later consult the children sidecar.
func (c *CowNodeRef) ConvertToOwned(arena *Arena, ownedSet *OwnedNodeSet) (*VacantEntry, error) {
	if c.owned {
		return nil, nil
	}
	var originalDBKey *int64
	if c.NodeRef.IsCommitted() {
		k := c.NodeRef.DBKey
		originalDBKey = &k
	}
	slot, entry, err := arena.Reserve()
	if err != nil {
		return nil, err
	}
	ownedSet.Insert(slot, originalDBKey)
	c.NodeRef = Dirty(slot)
	c.owned = true
	return entry, nil
}

// Take moves ownership out of c, leaving it unowned, and returns the
// reference it held.
func (c *CowNodeRef) Take() NodeRef {
	ref := c.NodeRef
	c.owned = false
	return ref
}

// IntoChild transfers ownership into a parent's ChildrenTable slot: same
// mechanics as Take, named separately to flag the specific call sites where
// a CowNodeRef's reference is being installed as a child link.
func (c *CowNodeRef) IntoChild() NodeRefCompact {
	ref := c.NodeRef
	c.owned = false
	return ref
}

// DeleteNode frees the owned slot and removes its owned-set entry. Idempotent
// on an already-unowned ref.
func (c *CowNodeRef) DeleteNode(arena *Arena, ownedSet *OwnedNodeSet) {
	if !c.owned {
		return
	}
	slot := c.NodeRef.Slot
	arena.Free(slot)
	ownedSet.Remove(slot)
	c.owned = false
	c.NodeRef = EmptyRef
}

// CowModifyWithOperation is the single COW primitive every mutator in this
// file builds on: if c is already owned, fOwned is applied in place and its
// result returned;
// otherwise fRef synthesizes a replacement node (and a result) from the
// immutable original, the replacement is installed into a freshly forked
// slot, and that same result is returned. Expressing every mutator as a pair
// of lambdas over this one function is what guarantees the in-place and
// clone-then-mutate paths stay behaviorally equivalent. guarded is released
// by this call in every case — callers must not release it again, and must
// not use guarded.Value after calling this.
func CowModifyWithOperation[T any](
	c *CowNodeRef,
	arena *Arena,
	ownedSet *OwnedNodeSet,
	guarded Guarded[*TrieNode],
	fOwned func(*TrieNode) T,
	fRef func(*TrieNode) (*TrieNode, T),
) (T, error) {
	if c.owned {
		out := fOwned(guarded.Value)
		guarded.Release()
		return out, nil
	}
	replacement, out := fRef(guarded.Value)
	guarded.Release()
	entry, err := c.ConvertToOwned(arena, ownedSet)
	if err != nil {
		var zero T
		return zero, err
	}
	entry.Insert(replacement)
	return out, nil
}

// CowSetCompressedPath installs path on the node behind c, COW'd if needed.
// Releases guarded.
func CowSetCompressedPath(c *CowNodeRef, arena *Arena, ownedSet *OwnedNodeSet, guarded Guarded[*TrieNode], path CompressedPath) error {
	_, err := CowModifyWithOperation(c, arena, ownedSet, guarded,
		func(n *TrieNode) struct{} { n.SetCompressedPath(path); return struct{}{} },
		func(n *TrieNode) (*TrieNode, struct{}) { return n.CopyAndReplaceFields(nil, &path, nil), struct{}{} },
	)
	return err
}

// CowDeleteValueUnchecked clears the node's value, COW'd if needed, and
// returns the value that was removed. Releases guarded.
func CowDeleteValueUnchecked(c *CowNodeRef, arena *Arena, ownedSet *OwnedNodeSet, guarded Guarded[*TrieNode]) ([]byte, error) {
	return CowModifyWithOperation(c, arena, ownedSet, guarded,
		func(n *TrieNode) []byte { return n.DeleteValueUnchecked() },
		func(n *TrieNode) (*TrieNode, []byte) {
			old := n.ValueClone()
			var cleared []byte
			return n.CopyAndReplaceFields(&cleared, nil, nil), old
		},
	)
}

// CowReplaceValueValid overwrites the node's value, COW'd if needed, and
// reports what the value was before. Releases guarded.
func CowReplaceValueValid(c *CowNodeRef, arena *Arena, ownedSet *OwnedNodeSet, guarded Guarded[*TrieNode], value []byte) (ReplaceOutcome, error) {
	return CowModifyWithOperation(c, arena, ownedSet, guarded,
		func(n *TrieNode) ReplaceOutcome { return n.ReplaceValueValid(value) },
		func(n *TrieNode) (*TrieNode, ReplaceOutcome) {
			outcome := ReplaceOutcome{Existed: n.HasValue(), Old: n.ValueClone()}
			return n.CopyAndReplaceFields(&value, nil, nil), outcome
		},
	)
}

// CowModify is the identity wrapper: applies an arbitrary in-place mutation
// f to the node behind c, COW'd if needed. Used for children-table edits
// (installing or clearing a single child slot) that don't fit the narrower
// value/path wrappers above. Releases guarded.
func CowModify(c *CowNodeRef, arena *Arena, ownedSet *OwnedNodeSet, guarded Guarded[*TrieNode], f func(*TrieNode)) error {
	_, err := CowModifyWithOperation(c, arena, ownedSet, guarded,
		func(n *TrieNode) struct{} { f(n); return struct{}{} },
		func(n *TrieNode) (*TrieNode, struct{}) {
			clone := n.CopyAndReplaceFields(nil, nil, nil)
			f(clone)
			return clone, struct{}{}
		},
	)
	return err
}

// childSnapshot captures a child slot's index and reference before the
// parent's node lock is released, since the lock must be dropped before any
// recursion into the child.
type childSnapshot struct {
	index int
	ref   NodeRefCompact
}

func snapshotChildren(t *ChildrenTable) []childSnapshot {
	var out []childSnapshot
	t.Iterate(func(i int, ref NodeRefCompact) {
		out = append(out, childSnapshot{index: i, ref: ref})
	})
	return out
}

// DeleteSubtree walks the subtree rooted at c, appending every value found
// to out, freeing every owned node it visits. If c is not owned it behaves
// as pure iteration and frees nothing. guardedNode must be
// the already-resolved node behind c; its lock is released before recursing
// into any child.
func (c *CowNodeRef) DeleteSubtree(
	cache *CacheManager,
	arena *Arena,
	ownedSet *OwnedNodeSet,
	guardedNode Guarded[*TrieNode],
	keyPrefix CompressedPath,
	out *[]KeyValue,
) (err error) {
	node := guardedNode.Value
	owned := c.owned
	if node.HasValue() {
		*out = append(*out, KeyValue{Key: keyPrefix.ToKeyBytes(), Value: node.ValueClone()})
	}
	children := snapshotChildren(&node.Children)
	guardedNode.Release()

	defer func() {
		if owned {
			c.DeleteNode(arena, ownedSet)
		}
	}()

	for _, cs := range children {
		childCow := NewCowNodeRef(cs.ref, ownedSet, c.mptID)
		childGuarded, _, gerr := childCow.GetTrieNode(cache)
		if gerr != nil {
			return gerr
		}
		childPath := JoinConnectedPaths(keyPrefix, byte(cs.index), childGuarded.Value.CompressedPath)
		if derr := childCow.DeleteSubtree(cache, arena, ownedSet, childGuarded, childPath, out); derr != nil {
			return derr
		}
	}
	return nil
}

// IterateInternal walks the subtree rooted at c exactly like DeleteSubtree,
// appending every value to out, but never frees anything.
func (c *CowNodeRef) IterateInternal(
	cache *CacheManager,
	ownedSet *OwnedNodeSet,
	guardedNode Guarded[*TrieNode],
	keyPrefix CompressedPath,
	out *[]KeyValue,
) error {
	node := guardedNode.Value
	if node.HasValue() {
		*out = append(*out, KeyValue{Key: keyPrefix.ToKeyBytes(), Value: node.ValueClone()})
	}
	children := snapshotChildren(&node.Children)
	guardedNode.Release()

	for _, cs := range children {
		childCow := NewCowNodeRef(cs.ref, ownedSet, c.mptID)
		childGuarded, _, err := childCow.GetTrieNode(cache)
		if err != nil {
			return err
		}
		childPath := JoinConnectedPaths(keyPrefix, byte(cs.index), childGuarded.Value.CompressedPath)
		if err := childCow.IterateInternal(cache, ownedSet, childGuarded, childPath, out); err != nil {
			return err
		}
	}
	return nil
}

// CowMergePath collapses a node with no value and exactly one remaining
// child: the child's path becomes this.path ++ childIndex ++ child.path,
// this node is deleted, and the (possibly COW'd) child ref is returned as
// the new link in the child's place.
func CowMergePath(
	c *CowNodeRef,
	arena *Arena,
	ownedSet *OwnedNodeSet,
	cache *CacheManager,
	guardedThis Guarded[*TrieNode],
	childRef NodeRefCompact,
	childIndex byte,
) (CowNodeRef, error) {
	thisPath := guardedThis.Value.CompressedPath
	guardedThis.Release()

	childCow := NewCowNodeRef(childRef, ownedSet, c.mptID)
	childGuarded, _, err := childCow.GetTrieNode(cache)
	if err != nil {
		return CowNodeRef{}, err
	}
	newPath := JoinConnectedPaths(thisPath, childIndex, childGuarded.Value.CompressedPath)
	if err := CowSetCompressedPath(&childCow, arena, ownedSet, childGuarded, newPath); err != nil {
		return CowNodeRef{}, err
	}

	c.DeleteNode(arena, ownedSet)
	return childCow, nil
}
