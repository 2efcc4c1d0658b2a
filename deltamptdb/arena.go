package deltamptdb

import "fmt"

// arenaSlot is one entry in the Arena's backing slice: either vacant (part
// of the free list, Next points at the next free index) or occupied (Node is
// live).
type arenaSlot struct {
	node *TrieNode
	next Slot // meaningful only while vacant; Slot(vacantEnd) terminates the list
}

const vacantEnd = ^Slot(0)

// Arena is a fixed-capacity slab: a dense, stable-index store of in-memory
// trie nodes. Stable indices are what let ChildrenTable hold plain Slot
// values instead of pointers, which in turn makes the on-disk encoding
// trivial.
//
// Arena is not safe for concurrent use; one arena belongs to one
// single-threaded update session.
type Arena struct {
	slots    []arenaSlot
	freeHead Slot
	len      int
	capacity int
}

// NewArena creates an arena with room for at most capacity live nodes. A
// capacity of zero or less leaves the arena unbounded.
func NewArena(capacity int) *Arena {
	return &Arena{
		slots:    make([]arenaSlot, 0, capacity),
		freeHead: vacantEnd,
		capacity: capacity,
	}
}

// VacantEntry is the handle returned by NewNode: the slot is reserved but
// uninitialized until Insert is called, letting a caller hand out a stable
// Slot before it has finished constructing the node to put there.
type VacantEntry struct {
	arena *Arena
	slot  Slot
	used  bool
}

// Slot reports which slot this vacant entry reserves.
func (v *VacantEntry) Slot() Slot { return v.slot }

// Insert fills the reserved slot with node. It must be called exactly once
// before any reader observes the slot.
func (v *VacantEntry) Insert(node *TrieNode) {
	if v.used {
		panic("deltamptdb: VacantEntry.Insert called twice")
	}
	v.arena.slots[v.slot].node = node
	v.used = true
}

// Reserve allocates a fresh arena slot and returns it along with a
// VacantEntry the caller must fill in before any concurrent reader within
// this session can observe it. Reserve is used both for brand-new dirty
// nodes (wrapped as NodeRef Dirty{slot} by CowNodeRef) and,
// internally by the CacheManager, for committed nodes freshly loaded from
// the KV store — the arena doesn't know or care which of the two a slot
// holds; only OwnedNodeSet membership makes that distinction.
func (a *Arena) Reserve() (Slot, *VacantEntry, error) {
	var slot Slot
	if a.freeHead != vacantEnd {
		slot = a.freeHead
		a.freeHead = a.slots[slot].next
	} else {
		if a.capacity > 0 && len(a.slots) >= a.capacity {
			return 0, nil, ErrArenaFull
		}
		a.slots = append(a.slots, arenaSlot{})
		slot = Slot(len(a.slots) - 1)
	}
	a.len++
	return slot, &VacantEntry{arena: a, slot: slot}, nil
}

// NewNode reserves a fresh dirty slot and returns it as a NodeRef, for
// callers (CowNodeRef) that immediately want the Dirty-tagged reference.
func (a *Arena) NewNode() (NodeRef, *VacantEntry, error) {
	slot, entry, err := a.Reserve()
	if err != nil {
		return NodeRef{}, nil, err
	}
	return Dirty(slot), entry, nil
}

// Free releases slot back to the free list. The index may be reused by a
// later NewNode call.
func (a *Arena) Free(slot Slot) {
	if int(slot) >= len(a.slots) || a.slots[slot].node == nil {
		panic(fmt.Sprintf("deltamptdb: Free called on vacant slot %d", slot))
	}
	a.slots[slot] = arenaSlot{next: a.freeHead}
	a.freeHead = slot
	a.len--
}

// Get returns the node at slot. Access is deliberately unchecked here: the
// CowNodeRef layer is what enforces that mutable access only happens while
// the caller holds exclusive logical ownership.
func (a *Arena) Get(slot Slot) *TrieNode {
	return a.slots[slot].node
}

// GetMut is Get, named separately to flag mutable-access call sites; Go has
// no separate mutable-borrow type, so this is identical to Get.
func (a *Arena) GetMut(slot Slot) *TrieNode {
	return a.slots[slot].node
}

// Len reports the number of currently occupied slots.
func (a *Arena) Len() int { return a.len }
