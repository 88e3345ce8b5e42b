package room

import "testing"

func TestSetCodeReplacesWholeDocument(t *testing.T) {
	r := NewRoom("r1", "a")
	if r.Code() != "a" {
		t.Fatalf("expected seed code, got %q", r.Code())
	}

	r.SetCode("b")
	r.SetCode("c")
	if r.Code() != "c" {
		t.Errorf("expected last write to win, got %q", r.Code())
	}
}

func TestTakeDirty(t *testing.T) {
	r := NewRoom("r1", "")
	if _, ok := r.TakeDirty(); ok {
		t.Fatal("fresh room should not be dirty")
	}

	r.SetCode("x")
	code, ok := r.TakeDirty()
	if !ok || code != "x" {
		t.Fatalf("expected dirty x, got %q %v", code, ok)
	}
	if _, ok := r.TakeDirty(); ok {
		t.Error("dirty flag should be cleared")
	}

	r.MarkDirty()
	if code, ok := r.TakeDirty(); !ok || code != "x" {
		t.Errorf("expected re-marked room to flush again, got %q %v", code, ok)
	}
}
