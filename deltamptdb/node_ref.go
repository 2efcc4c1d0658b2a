package deltamptdb

// MptID distinguishes multiple concurrent delta-MPT instances that share one
// CacheManager.
type MptID uint16

// Slot is a dense integer index into the Arena.
type Slot uint32

// NodeRef is a tagged union: a node reference is either a Committed node
// addressed by an immutable db_key in the backing KV store, a Dirty node
// addressed by a mutable Arena slot, or Empty (no node). At most one of the
// two fields is meaningful at a time, selected by Kind.
type NodeRef struct {
	Kind   NodeRefKind
	DBKey  int64 // meaningful iff Kind == Committed
	Slot   Slot  // meaningful iff Kind == Dirty
}

// NodeRefKind discriminates the three NodeRef variants.
type NodeRefKind uint8

const (
	// RefEmpty is the reference carried by an empty children-table slot or
	// an empty trie root; it names neither a committed nor a dirty node.
	// It is deliberately the zero value: a zero-valued NodeRef (e.g. inside
	// a freshly allocated ChildrenTable) must mean "no child here", not
	// "committed at db_key 0".
	RefEmpty NodeRefKind = iota
	// RefCommitted addresses an immutable node already written to the KV
	// store under DBKey.
	RefCommitted
	// RefDirty addresses a mutable node owned exclusively by the current
	// update session, living in the Arena at Slot.
	RefDirty
)

// Committed constructs a NodeRef to a persisted node.
func Committed(dbKey int64) NodeRef { return NodeRef{Kind: RefCommitted, DBKey: dbKey} }

// Dirty constructs a NodeRef to an in-arena owned node.
func Dirty(slot Slot) NodeRef { return NodeRef{Kind: RefDirty, Slot: slot} }

// EmptyRef is the null reference.
var EmptyRef = NodeRef{Kind: RefEmpty}

// IsEmpty reports whether r references no node at all.
func (r NodeRef) IsEmpty() bool { return r.Kind == RefEmpty }

// IsDirty reports whether r addresses an arena slot.
func (r NodeRef) IsDirty() bool { return r.Kind == RefDirty }

// IsCommitted reports whether r addresses a persisted db_key.
func (r NodeRef) IsCommitted() bool { return r.Kind == RefCommitted }

// NodeRefCompact is the packed form of NodeRef stored inline in a
// ChildrenTable slot. It is a type alias of NodeRef, not a distinct type:
// the separate name only makes call sites read as "child link" rather than
// "node reference", and no conversion is needed between the two.
type NodeRefCompact = NodeRef
