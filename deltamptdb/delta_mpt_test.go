package deltamptdb

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cfxstorage/delta-mpt/deltamptcfg"
	"github.com/cfxstorage/delta-mpt/storage/memorydb"
)

func newTestMpt(t *testing.T) *DeltaMpt {
	t.Helper()
	m, err := NewDeltaMpt(0, deltamptcfg.Default(), memorydb.New())
	if err != nil {
		t.Fatalf("NewDeltaMpt: %v", err)
	}
	return m
}

// S1: insert a single key into an empty trie.
func TestSingleInsertAndCommit(t *testing.T) {
	m := newTestMpt(t)

	if _, err := m.Set([]byte{0x12, 0x34}, []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !m.RootRef().IsDirty() {
		t.Fatalf("expected dirty root after insert, got %+v", m.RootRef())
	}

	v, err := m.Get([]byte{0x12, 0x34})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(v, []byte("v")) {
		t.Fatalf("got %q, want %q", v, "v")
	}

	if _, err := m.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !m.RootRef().IsCommitted() {
		t.Fatalf("expected committed root after commit, got %+v", m.RootRef())
	}
	if m.RootRef().DBKey != 1 {
		t.Fatalf("expected db_key 1, got %d", m.RootRef().DBKey)
	}
}

// S2: two keys sharing a prefix produce a branch, and both survive commit.
func TestTwoKeyInsertAndCommit(t *testing.T) {
	m := newTestMpt(t)

	if _, err := m.Set([]byte{0xAA}, []byte("x")); err != nil {
		t.Fatalf("Set AA: %v", err)
	}
	if _, err := m.Set([]byte{0xAB}, []byte("y")); err != nil {
		t.Fatalf("Set AB: %v", err)
	}

	hashBefore, err := m.RootMerkle()
	if err != nil {
		t.Fatalf("RootMerkle: %v", err)
	}

	hashAfter, err := m.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hashBefore != hashAfter {
		t.Fatalf("commit changed the root hash: %x != %x", hashBefore, hashAfter)
	}

	v, err := m.Get([]byte{0xAA})
	if err != nil || !bytes.Equal(v, []byte("x")) {
		t.Fatalf("Get AA: %q, %v", v, err)
	}
	v, err = m.Get([]byte{0xAB})
	if err != nil || !bytes.Equal(v, []byte("y")) {
		t.Fatalf("Get AB: %q, %v", v, err)
	}
}

// S3: deleting one of two sibling keys triggers cow_merge_path and leaves a
// single-leaf trie whose remaining key is still resolvable.
func TestDeleteTriggersMergePath(t *testing.T) {
	m := newTestMpt(t)

	if _, err := m.Set([]byte{0xAA}, []byte("x")); err != nil {
		t.Fatalf("Set AA: %v", err)
	}
	if _, err := m.Set([]byte{0xAB}, []byte("y")); err != nil {
		t.Fatalf("Set AB: %v", err)
	}

	deleted, err := m.Delete([]byte{0xAA})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected AA to be deleted")
	}

	v, err := m.Get([]byte{0xAA})
	if err != nil {
		t.Fatalf("Get AA: %v", err)
	}
	if v != nil {
		t.Fatalf("AA should be gone, got %q", v)
	}

	v, err = m.Get([]byte{0xAB})
	if err != nil || !bytes.Equal(v, []byte("y")) {
		t.Fatalf("Get AB: %q, %v", v, err)
	}

	// The old branch root merged away: the root is now the surviving leaf
	// itself (carrying "y"), so it must not have collapsed to empty.
	rootRef := m.RootRef()
	if rootRef.IsEmpty() {
		t.Fatalf("root should not be empty, one key remains")
	}
}

// S4: commit, reopen in a new session, overwrite the value — exactly one
// new dirty node is forked from the committed root, and the old db_key
// remains resolvable through a fresh session.
func TestCommitThenUpdateForksExactlyOneNode(t *testing.T) {
	store := memorydb.New()
	m, err := NewDeltaMpt(0, deltamptcfg.Default(), store)
	if err != nil {
		t.Fatalf("NewDeltaMpt: %v", err)
	}
	if _, err := m.Set([]byte{0x12, 0x34}, []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	firstDBKey := m.RootRef().DBKey

	m2, err := OpenDeltaMpt(0, deltamptcfg.Default(), store, firstDBKey)
	if err != nil {
		t.Fatalf("OpenDeltaMpt: %v", err)
	}
	if _, err := m2.Set([]byte{0x12, 0x34}, []byte("v2")); err != nil {
		t.Fatalf("Set v2: %v", err)
	}
	if !m2.RootRef().IsDirty() {
		t.Fatalf("expected exactly one dirty (forked) node after COW update")
	}
	if m2.ownedSet.Len() != 1 {
		t.Fatalf("expected exactly one owned (dirty) node after COW update, got %d", m2.ownedSet.Len())
	}

	if _, err := m2.Commit(); err != nil {
		t.Fatalf("Commit m2: %v", err)
	}
	secondDBKey := m2.RootRef().DBKey
	if secondDBKey != firstDBKey+1 {
		t.Fatalf("expected new db_key %d, got %d", firstDBKey+1, secondDBKey)
	}

	// The old db_key is still resolvable through a brand new session.
	m3, err := OpenDeltaMpt(0, deltamptcfg.Default(), store, firstDBKey)
	if err != nil {
		t.Fatalf("OpenDeltaMpt old: %v", err)
	}
	v, err := m3.Get([]byte{0x12, 0x34})
	if err != nil || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("old root should still read %q, got %q, %v", "v", v, err)
	}

	v, err = m2.Get([]byte{0x12, 0x34})
	if err != nil || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("new root should read %q, got %q, %v", "v2", v, err)
	}
}

// S6: abort — mutate without committing, and the backing store stays
// untouched.
func TestAbortLeavesStoreUntouched(t *testing.T) {
	store := memorydb.New()
	m, err := NewDeltaMpt(0, deltamptcfg.Default(), store)
	if err != nil {
		t.Fatalf("NewDeltaMpt: %v", err)
	}
	if _, err := m.Set([]byte{0x01}, []byte("a")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Set([]byte{0x02}, []byte("b")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Delete([]byte{0x01}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Get([]byte("1")); err == nil {
		t.Fatalf("store should be untouched before commit")
	}

	// The uncommitted dirty slots are still tracked in the owned set, which
	// is what lets a caller reclaim them on abort.
	if m.ownedSet.Len() == 0 {
		t.Fatalf("expected at least one owned slot pre-abort")
	}
}

func TestReplaceOutcomeReportsPriorValue(t *testing.T) {
	m := newTestMpt(t)

	outcome, err := m.Set([]byte{0x01}, []byte("first"))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if outcome.Existed {
		t.Fatalf("first insert should report Existed=false")
	}

	outcome, err = m.Set([]byte{0x01}, []byte("second"))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !outcome.Existed || !bytes.Equal(outcome.Old, []byte("first")) {
		t.Fatalf("expected Existed=true Old=%q, got %+v", "first", outcome)
	}
}

func TestEmptyTrieRootMerkleIsNullNode(t *testing.T) {
	m := newTestMpt(t)
	h, err := m.RootMerkle()
	if err != nil {
		t.Fatalf("RootMerkle: %v", err)
	}
	if h != MerkleNullNode {
		t.Fatalf("expected null-node hash for empty trie, got %x", h)
	}
}

// S5: an interior node six nibbles deep with six children, five of which
// stay untouched (and so "uncached committed") across two further sessions,
// should get its sidecar written on the first recompute that forks it and
// then read back (exactly once, with the five untouched siblings skipped
// entirely) on the next.
func TestSidecarReadOnDeepRecompute(t *testing.T) {
	store := memorydb.New()

	zChildKey := func(c byte) []byte { return []byte{0x01, 0x23, 0x45, c << 4} }
	decoy1 := []byte{0x01, 0x30}
	decoy2 := []byte{0x01, 0x23, 0x49, 0x00}

	m1, err := NewDeltaMpt(0, deltamptcfg.Default(), store)
	if err != nil {
		t.Fatalf("NewDeltaMpt: %v", err)
	}
	for c := byte(0); c <= 5; c++ {
		if _, err := m1.Set(zChildKey(c), []byte(fmt.Sprintf("v%d", c))); err != nil {
			t.Fatalf("Set child %d: %v", c, err)
		}
	}
	if _, err := m1.Set(decoy1, []byte("d1")); err != nil {
		t.Fatalf("Set decoy1: %v", err)
	}
	if _, err := m1.Set(decoy2, []byte("d2")); err != nil {
		t.Fatalf("Set decoy2: %v", err)
	}
	if _, err := m1.Commit(); err != nil {
		t.Fatalf("Commit m1: %v", err)
	}
	firstRoot := m1.RootRef().DBKey

	// Session two mutates the sixth child only. Committing it forks the
	// depth-6 interior node and, since five of its six children are still
	// uncached committed refs, records (and persists) its sidecar.
	m2, err := OpenDeltaMpt(0, deltamptcfg.Default(), store, firstRoot)
	if err != nil {
		t.Fatalf("OpenDeltaMpt m2: %v", err)
	}
	if _, err := m2.Set(zChildKey(5), []byte("v5-take2")); err != nil {
		t.Fatalf("Set v5-take2: %v", err)
	}
	if _, err := m2.Commit(); err != nil {
		t.Fatalf("Commit m2: %v", err)
	}
	secondRoot := m2.RootRef().DBKey

	// Session three mutates the same child again, forking the same interior
	// node from session two's committed (now sidecar-bearing) version.
	m3, err := OpenDeltaMpt(0, deltamptcfg.Default(), store, secondRoot)
	if err != nil {
		t.Fatalf("OpenDeltaMpt m3: %v", err)
	}
	if _, err := m3.Set(zChildKey(5), []byte("v5-take3")); err != nil {
		t.Fatalf("Set v5-take3: %v", err)
	}
	before := m3.Stats().ComputeMerkleDBLoads
	if _, err := m3.Commit(); err != nil {
		t.Fatalf("Commit m3: %v", err)
	}
	delta := m3.Stats().ComputeMerkleDBLoads - before

	const skippedChildren = 5
	if delta < 1 || delta >= skippedChildren {
		t.Fatalf("expected the sidecar read to add between 1 and %d db loads, got %d", skippedChildren-1, delta)
	}

	for c := byte(0); c <= 4; c++ {
		v, err := m3.Get(zChildKey(c))
		if err != nil || !bytes.Equal(v, []byte(fmt.Sprintf("v%d", c))) {
			t.Fatalf("untouched sibling %d: got %q, %v", c, v, err)
		}
	}
	v, err := m3.Get(zChildKey(5))
	if err != nil || !bytes.Equal(v, []byte("v5-take3")) {
		t.Fatalf("mutated child: got %q, %v", v, err)
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	m := newTestMpt(t)
	if _, err := m.Set([]byte{0x01}, []byte("a")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	deleted, err := m.Delete([]byte{0x02})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Fatalf("deleting an absent key should report false")
	}
}
