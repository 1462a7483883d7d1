package nodeid

import "testing"

func TestNullIsZeroValue(t *testing.T) {
	var id NodeId
	if !id.IsNull() {
		t.Fatalf("zero value must be Null")
	}
	if !Null.IsNull() {
		t.Fatalf("Null must be Null")
	}
}

func TestEqualStructural(t *testing.T) {
	a := Numeric(1, 42)
	b := Numeric(1, 42)
	c := Numeric(1, 43)
	if !a.Equal(b) {
		t.Fatalf("expected equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected distinct")
	}
	if a.Equal(String(1, "42")) {
		t.Fatalf("different kinds must not be equal")
	}
}

func TestHashStableAndDistinguishing(t *testing.T) {
	a := Numeric(1, 42)
	b := Numeric(1, 42)
	if a.Hash() != b.Hash() {
		t.Fatalf("equal ids must hash equal")
	}
	c := Numeric(1, 43)
	if a.Hash() == c.Hash() {
		t.Fatalf("distinct ids should very likely hash distinct")
	}
}
