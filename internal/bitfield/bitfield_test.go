package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)

	if bf.Has(3) {
		t.Fatal("fresh bitfield should have no bits set")
	}
	if !bf.Set(3) {
		t.Fatal("Set on unset bit should report change")
	}
	if !bf.Has(3) {
		t.Fatal("bit 3 should be set")
	}
	if bf.Set(3) {
		t.Fatal("Set on already-set bit should report no change")
	}
	if !bf.Clear(3) {
		t.Fatal("Clear on set bit should report change")
	}
	if bf.Has(3) {
		t.Fatal("bit 3 should be clear")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)
	if bf.Has(100) {
		t.Fatal("out-of-range Has should be false")
	}
	if bf.Set(100) {
		t.Fatal("out-of-range Set should report no change")
	}
}

func TestCountAnyNone(t *testing.T) {
	bf := New(16)
	if !bf.None() || bf.Any() {
		t.Fatal("fresh bitfield should be None and not Any")
	}

	bf.Set(0)
	bf.Set(15)
	if bf.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", bf.Count())
	}
	if !bf.Any() || bf.None() {
		t.Fatal("bitfield with bits set should be Any and not None")
	}
}

func TestNewZeroOrNegative(t *testing.T) {
	if New(0) != nil {
		t.Fatal("New(0) should be nil")
	}
	if New(-1) != nil {
		t.Fatal("New(-1) should be nil")
	}
}
