package cache

import "testing"

func TestSetTracksMembership(t *testing.T) {
	s, err := NewSet[string](4)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	if s.Seen("a") {
		t.Fatal("expected a to be unseen initially")
	}
	s.Add("a")
	if !s.Seen("a") {
		t.Fatal("expected a to be seen after Add")
	}
	if s.Seen("b") {
		t.Fatal("expected b to be unseen")
	}
	if s.Len() != 1 {
		t.Fatalf("expected len 1, got %d", s.Len())
	}
}

func TestNewSetClampsNonPositiveSize(t *testing.T) {
	if _, err := NewSet[int](0); err != nil {
		t.Fatalf("expected zero size to be clamped, got error: %v", err)
	}
}
