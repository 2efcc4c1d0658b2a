package deltamptdb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// encodedChild is the RLP-friendly form of one ChildrenTable slot: empty
// children encode with Present=false, committed children as their db_key,
// dirty children never reach encoding (every dirty descendant is committed
// first, so by the time a parent is encoded all its children already carry
// a db_key).
type encodedChild struct {
	Present bool
	DBKey   int64
}

// encodedNode is the RLP wire form of a TrieNode. The encoding is a
// length-prefixed recursive RLP struct, driven through go-ethereum/rlp's
// struct (de)serializer rather than a hand-rolled encoder — this module's
// TrieNode always carries an explicit value field and a full 16-slot
// table, so it never needs a short-node/full-node variant dispatch.
type encodedNode struct {
	Path     []byte // compact-encoded nibbles, see path.go
	HasValue bool
	Value    []byte
	Merkle   []byte // always 32 bytes; populated before a node is committed
	Children [ChildrenCount]encodedChild
}

// EncodeTrieNode serializes n for storage under its assigned db_key. The
// commit engine only ever calls this after GetOrComputeMerkle has set n's
// merkle hash: a committed node must return its hash without recomputing it
// on every future read, so the hash survives a reload from disk and is part
// of the wire form along with the rest of a node's content.
func EncodeTrieNode(n *TrieNode) ([]byte, error) {
	if !n.MerkleValid() {
		panic("deltamptdb: encoding node with no valid merkle hash")
	}
	enc := encodedNode{
		Path:     compactEncode(n.CompressedPath.Nibbles),
		HasValue: n.HasValue(),
		Value:    n.Value,
		Merkle:   n.GetMerkle().Bytes(),
	}
	n.Children.IterateAll(func(i int, ref NodeRefCompact) {
		if ref.IsEmpty() {
			return
		}
		if !ref.IsCommitted() {
			// Should be unreachable: commit_dirty_recurse_into_children
			// commits every dirty child before the parent is encoded.
			panic(fmt.Sprintf("deltamptdb: encoding node with uncommitted child at index %d", i))
		}
		enc.Children[i] = encodedChild{Present: true, DBKey: ref.DBKey}
	})
	return rlp.EncodeToBytes(&enc)
}

// DecodeTrieNode parses the RLP encoding produced by EncodeTrieNode,
// including the node's merkle hash, so decode(encode(n)) == n holds for
// every field a committed node carries.
func DecodeTrieNode(blob []byte) (*TrieNode, error) {
	var enc encodedNode
	if err := rlp.DecodeBytes(blob, &enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	n := &TrieNode{
		CompressedPath: CompressedPath{Nibbles: compactDecode(enc.Path)},
	}
	if enc.HasValue {
		n.Value = enc.Value
	}
	for i, c := range enc.Children {
		if c.Present {
			n.Children[i] = Committed(c.DBKey)
		}
	}
	n.SetMerkle(common.BytesToHash(enc.Merkle))
	return n, nil
}

// ChildrenMerkleSidecar is the optional per-node 16-slot array of child
// Merkle hashes persisted next to a node to accelerate later partial
// recomputation.
type ChildrenMerkleSidecar [ChildrenCount]common.Hash

// EncodeChildrenMerkleSidecar serializes a sidecar for storage under
// storage.ChildrenMerkleKey(dbKey).
func EncodeChildrenMerkleSidecar(s *ChildrenMerkleSidecar) ([]byte, error) {
	raw := make([][]byte, ChildrenCount)
	for i, h := range s {
		raw[i] = h.Bytes()
	}
	return rlp.EncodeToBytes(raw)
}

// DecodeChildrenMerkleSidecar parses the blob written by
// EncodeChildrenMerkleSidecar.
func DecodeChildrenMerkleSidecar(blob []byte) (*ChildrenMerkleSidecar, error) {
	var raw [][]byte
	if err := rlp.DecodeBytes(blob, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	if len(raw) != ChildrenCount {
		return nil, fmt.Errorf("%w: children merkle sidecar has %d entries, want %d", ErrDecodeError, len(raw), ChildrenCount)
	}
	var out ChildrenMerkleSidecar
	for i, b := range raw {
		out[i] = common.BytesToHash(b)
	}
	return &out, nil
}

// merklePreimage is the canonical, deterministic input to the node's Merkle
// hash.
type merklePreimage struct {
	PathWithoutFirstNibble bool
	Path                   []byte
	HasValue               bool
	Value                  []byte
	HasChildren            bool
	Children               [ChildrenCount][]byte
}

// ComputeMerkle deterministically hashes the compressed path (with boundary
// bit), value, and child hashes. childMerkles is nil when the node has no
// children at all; nil vs. a populated all-null-hash array are
// distinguishable inputs here so that an empty branch never collides with a
// populated one that happens to hash to the null node everywhere.
func (n *TrieNode) ComputeMerkle(childMerkles *[ChildrenCount]common.Hash, pathWithoutFirstNibble bool) common.Hash {
	pre := merklePreimage{
		PathWithoutFirstNibble: pathWithoutFirstNibble,
		Path:                   compactEncode(n.CompressedPath.Nibbles),
		HasValue:               n.HasValue(),
		Value:                  n.Value,
		HasChildren:            childMerkles != nil,
	}
	if childMerkles != nil {
		for i, h := range childMerkles {
			pre.Children[i] = h.Bytes()
		}
	}
	buf, err := rlp.EncodeToBytes(&pre)
	if err != nil {
		// merklePreimage only contains plain bytes/bools/arrays; encoding
		// it can't fail short of running out of memory.
		panic(fmt.Sprintf("deltamptdb: merkle preimage encoding failed: %v", err))
	}
	return crypto.Keccak256Hash(buf)
}

// MerkleNullNode is the Merkle hash of an empty subtree.
var MerkleNullNode = crypto.Keccak256Hash([]byte("DELTA-MPT-EMPTY"))
