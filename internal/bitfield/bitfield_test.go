package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)

	if bf.Has(3) {
		t.Fatal("expected piece 3 absent")
	}
	if !bf.Set(3) {
		t.Fatal("expected Set to report change")
	}
	if !bf.Has(3) {
		t.Fatal("expected piece 3 present")
	}
	if bf.Set(3) {
		t.Fatal("expected Set to report no change on second call")
	}
	if !bf.Clear(3) {
		t.Fatal("expected Clear to report change")
	}
	if bf.Has(3) {
		t.Fatal("expected piece 3 absent after clear")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)

	if bf.Has(10) || bf.Set(10) || bf.Clear(10) {
		t.Fatal("out-of-range operations must be no-ops returning false")
	}
}

func TestCountAndComplete(t *testing.T) {
	bf := New(4)
	if bf.IsComplete() {
		t.Fatal("empty bitfield must not be complete")
	}

	for i := 0; i < 4; i++ {
		bf.Set(i)
	}

	if bf.CountOnes() != 4 {
		t.Fatalf("expected 4 ones, got %d", bf.CountOnes())
	}
	if !bf.IsComplete() {
		t.Fatal("expected complete bitfield")
	}
}

func TestMissingAvailable(t *testing.T) {
	bf := New(5)
	bf.Set(1)
	bf.Set(3)

	missing := bf.Missing()
	if len(missing) != 3 || missing[0] != 0 || missing[1] != 2 || missing[2] != 4 {
		t.Fatalf("unexpected missing: %v", missing)
	}

	available := bf.Available()
	if len(available) != 2 || available[0] != 1 || available[1] != 3 {
		t.Fatalf("unexpected available: %v", available)
	}
}

func TestFromBytesTruncatesAndExtends(t *testing.T) {
	bf, err := FromBytes([]byte{0xFF, 0xFF}, 4)
	if err == nil {
		t.Fatalf("expected error for non-zero padding, got bitfield %v", bf)
	}

	bf, err = FromBytes([]byte{0xF0}, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bf.CountOnes() != 4 {
		t.Fatalf("expected 4 ones, got %d", bf.CountOnes())
	}

	bf, err = FromBytes([]byte{}, 4)
	if err != nil {
		t.Fatalf("unexpected error zero-extending: %v", err)
	}
	if bf.Len() != 4 || bf.CountOnes() != 0 {
		t.Fatalf("expected zero-extended empty bitfield, got %+v", bf)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	bf := New(12)
	bf.Set(0)
	bf.Set(11)

	raw := bf.Bytes()
	bf2, err := FromBytes(raw, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bf2.Has(0) || !bf2.Has(11) || bf2.CountOnes() != 2 {
		t.Fatalf("round trip mismatch: %+v", bf2)
	}
}

func TestCloneIndependence(t *testing.T) {
	bf := New(4)
	bf.Set(0)

	clone := bf.Clone()
	clone.Set(1)

	if bf.Has(1) {
		t.Fatal("mutating clone must not affect original")
	}
}
