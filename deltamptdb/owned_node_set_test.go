package deltamptdb

import "testing"

func TestOwnedNodeSetTracksOwnershipAndOriginalKey(t *testing.T) {
	s := NewOwnedNodeSet()

	if s.Contains(3) {
		t.Fatalf("empty set should not contain slot 3")
	}
	if _, ok := s.OriginalDBKey(3); ok {
		t.Fatalf("empty set should report no original db_key")
	}

	s.Insert(3, nil)
	if !s.Contains(3) {
		t.Fatalf("expected slot 3 to be owned after Insert")
	}
	if _, ok := s.OriginalDBKey(3); ok {
		t.Fatalf("brand-new node should have no original db_key")
	}

	original := int64(42)
	s.Insert(7, &original)
	if key, ok := s.OriginalDBKey(7); !ok || key != 42 {
		t.Fatalf("OriginalDBKey(7) = (%d, %v), want (42, true)", key, ok)
	}

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	s.Remove(3)
	if s.Contains(3) {
		t.Fatalf("slot 3 should no longer be owned after Remove")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() after Remove = %d, want 1", s.Len())
	}

	// Remove is idempotent.
	s.Remove(3)
	if s.Len() != 1 {
		t.Fatalf("Len() after double Remove = %d, want 1", s.Len())
	}
}
