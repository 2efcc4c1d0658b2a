package deltamptdb

import (
	"github.com/ethereum/go-ethereum/common"
)

// ChildrenCount is the trie's fan-out: one slot per nibble value.
const ChildrenCount = 16

// ChildrenTable is the 16-slot array of child references, indexed by nibble
// value. A zero-valued entry (RefEmpty) means no child at that index.
type ChildrenTable [ChildrenCount]NodeRefCompact

// Get returns the child reference at i, or EmptyRef if unset.
func (t *ChildrenTable) Get(i int) NodeRefCompact { return t[i] }

// Set installs ref as the child at i.
func (t *ChildrenTable) Set(i int, ref NodeRefCompact) { t[i] = ref }

// Count returns the number of non-empty children.
func (t *ChildrenTable) Count() int {
	n := 0
	for i := range t {
		if !t[i].IsEmpty() {
			n++
		}
	}
	return n
}

// Iterate calls fn for every non-empty child, skipping empty slots.
func (t *ChildrenTable) Iterate(fn func(index int, ref NodeRefCompact)) {
	for i := range t {
		if !t[i].IsEmpty() {
			fn(i, t[i])
		}
	}
}

// IterateAll calls fn for all 16 slots, empty or not.
func (t *ChildrenTable) IterateAll(fn func(index int, ref NodeRefCompact)) {
	for i := range t {
		fn(i, t[i])
	}
}

// Clone returns an independent copy of t.
func (t *ChildrenTable) Clone() ChildrenTable {
	return *t
}

// TrieNode is the MPT node record: a compressed path, an optional value, a
// 16-way children table, and a cached Merkle hash.
type TrieNode struct {
	CompressedPath CompressedPath
	Value          []byte // nil means "no value"
	Children       ChildrenTable
	merkle         common.Hash
	merkleValid    bool // false until SetMerkle or the node is loaded committed
}

// HasValue reports whether this node carries a value.
func (n *TrieNode) HasValue() bool { return n.Value != nil }

// ValueClone returns a defensive copy of the node's value, or nil if none.
func (n *TrieNode) ValueClone() []byte {
	if n.Value == nil {
		return nil
	}
	out := make([]byte, len(n.Value))
	copy(out, n.Value)
	return out
}

// DeleteValueUnchecked clears the value and returns the old one. The caller
// is responsible for having established that the node is owned (dirty);
// calling this on a committed node would corrupt shared state, hence
// "unchecked".
func (n *TrieNode) DeleteValueUnchecked() []byte {
	old := n.Value
	n.Value = nil
	n.merkleValid = false
	return old
}

// ReplaceOutcome reports what replacing a value actually changed: whether a
// value existed before the replace and, if so, what it was.
type ReplaceOutcome struct {
	Existed bool
	Old     []byte
}

// ReplaceValueValid overwrites the node's value and reports the prior one.
func (n *TrieNode) ReplaceValueValid(value []byte) ReplaceOutcome {
	old := n.Value
	n.Value = value
	n.merkleValid = false
	return ReplaceOutcome{Existed: old != nil, Old: old}
}

// SetCompressedPath overwrites the node's edge path.
func (n *TrieNode) SetCompressedPath(path CompressedPath) {
	n.CompressedPath = path
	n.merkleValid = false
}

// GetMerkle returns the cached hash. It is only valid to call when the node
// is committed, or dirty and hashed since its last mutation.
func (n *TrieNode) GetMerkle() common.Hash { return n.merkle }

// MerkleValid reports whether the cached hash reflects the node's current
// content.
func (n *TrieNode) MerkleValid() bool { return n.merkleValid }

// SetMerkle installs a freshly computed hash as valid.
func (n *TrieNode) SetMerkle(h common.Hash) {
	n.merkle = h
	n.merkleValid = true
}

// CopyAndReplaceFields produces a non-destructive clone of n, optionally
// overriding the value, path, and/or children table. nil pointers mean
// "keep the existing field". This is the operation a CowNodeRef uses to fork
// a committed node into a fresh dirty one without disturbing the original.
func (n *TrieNode) CopyAndReplaceFields(value *[]byte, path *CompressedPath, children *ChildrenTable) *TrieNode {
	out := &TrieNode{
		CompressedPath: n.CompressedPath.Clone(),
		Value:          n.ValueClone(),
		Children:       n.Children.Clone(),
	}
	if value != nil {
		out.Value = *value
	}
	if path != nil {
		out.CompressedPath = path.Clone()
	}
	if children != nil {
		out.Children = children.Clone()
	}
	// The clone's content may legitimately differ from the source (that's
	// the point of cloning), so its hash starts invalid.
	return out
}
