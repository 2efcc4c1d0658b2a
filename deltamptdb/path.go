package deltamptdb

// CompressedPath is the sequence of 4-bit nibbles stored on a trie edge.
// Nibbles may start and/or end mid-byte; the boundary is simply tracked by
// the slice's length being odd or even, since
// (unlike go-ethereum's hex-prefix encoding) TrieNode keeps value presence
// as its own explicit field and doesn't need a terminator nibble to
// distinguish leaves from extensions.
type CompressedPath struct {
	Nibbles []byte // each entry in [0, 15]
}

// PathSteps is the number of nibbles this edge consumes, used by the Merkle
// engine to track depth.
func (p CompressedPath) PathSteps() int { return len(p.Nibbles) }

// HasSecondNibble reports whether p spans at least one full byte, i.e. is
// long enough to have been produced by joining a child index onto a
// non-empty parent prefix.
func (p CompressedPath) HasSecondNibble() bool { return len(p.Nibbles) >= 2 }

// Clone returns an independent copy of p.
func (p CompressedPath) Clone() CompressedPath {
	out := make([]byte, len(p.Nibbles))
	copy(out, p.Nibbles)
	return CompressedPath{Nibbles: out}
}

// JoinConnectedPaths implements the path-join rule used when walking from a
// parent into a child: the full path is the parent's accumulated prefix,
// followed by the nibble naming which child slot was taken, followed by the
// child's own compressed path. Used both when reconstructing full keys
// during subtree deletion/iteration and when merging a parent into its
// sole remaining child.
func JoinConnectedPaths(prefix CompressedPath, childIndex byte, child CompressedPath) CompressedPath {
	out := make([]byte, 0, len(prefix.Nibbles)+1+len(child.Nibbles))
	out = append(out, prefix.Nibbles...)
	out = append(out, childIndex)
	out = append(out, child.Nibbles...)
	return CompressedPath{Nibbles: out}
}

// ToKeyBytes packs a byte-aligned nibble path (even length) back into actual
// key bytes, two nibbles per byte. It panics if the path isn't byte-aligned,
// since only full trie keys (not edge paths) are ever converted this way.
func (p CompressedPath) ToKeyBytes() []byte {
	if len(p.Nibbles)%2 != 0 {
		panic("deltamptdb: ToKeyBytes called on a non-byte-aligned path")
	}
	out := make([]byte, len(p.Nibbles)/2)
	for i := 0; i < len(out); i++ {
		out[i] = p.Nibbles[2*i]<<4 | p.Nibbles[2*i+1]
	}
	return out
}

// KeyBytesToNibbles splits a key into one nibble per byte, high nibble first,
// the representation every trie traversal walks over.
func KeyBytesToNibbles(key []byte) []byte {
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[2*i] = b >> 4
		out[2*i+1] = b & 0x0f
	}
	return out
}

// compactEncode packs nibbles two-per-byte for on-disk/RLP storage, using a
// single leading flag byte: its high nibble is 0x1 when the nibble count is
// odd (in which case it also carries the first, otherwise-unpaired nibble in
// its low bits) and 0x0 when even.
func compactEncode(nibbles []byte) []byte {
	odd := len(nibbles)%2 == 1
	out := make([]byte, 0, len(nibbles)/2+1)
	if odd {
		out = append(out, 0x10|nibbles[0])
		nibbles = nibbles[1:]
	} else {
		out = append(out, 0x00)
	}
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, nibbles[i]<<4|nibbles[i+1])
	}
	return out
}

// compactDecode is the inverse of compactEncode.
func compactDecode(compact []byte) []byte {
	if len(compact) == 0 {
		return nil
	}
	odd := compact[0]&0x10 != 0
	nibbles := make([]byte, 0, 2*len(compact))
	if odd {
		nibbles = append(nibbles, compact[0]&0x0f)
	}
	for _, b := range compact[1:] {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles
}
