package shelfid

import "testing"

func TestPacking(t *testing.T) {
	id := New(3, 7)
	if id != 0x37 {
		t.Fatalf("New(3,7) = %#x, want 0x37", byte(id))
	}
	if id.PoolID() != 3 {
		t.Fatalf("PoolID() = %d, want 3", id.PoolID())
	}
	if id.ShelfIndex() != 7 {
		t.Fatalf("ShelfIndex() = %d, want 7", id.ShelfIndex())
	}
}

func TestInvalidSentinel(t *testing.T) {
	if New(0, 0) != Invalid {
		t.Fatalf("New(0,0) should equal Invalid")
	}
	if Invalid.IsValid() {
		t.Fatalf("Invalid.IsValid() should be false")
	}
}

func TestGlobalPtrNull(t *testing.T) {
	if NullPtr.IsValid() {
		t.Fatalf("NullPtr should not be valid")
	}
	if NewGlobalPtr(Invalid, 0) != NullPtr {
		t.Fatalf("NewGlobalPtr(Invalid, 0) should equal NullPtr")
	}
}

func TestGlobalPtrRoundTrip(t *testing.T) {
	id := New(5, 2)
	gp := NewGlobalPtr(id, 123456)
	if gp.ShelfID() != id {
		t.Fatalf("ShelfID() = %v, want %v", gp.ShelfID(), id)
	}
	if gp.Offset() != 123456 {
		t.Fatalf("Offset() = %d, want 123456", gp.Offset())
	}
	if !gp.IsValid() {
		t.Fatalf("gp should be valid")
	}
}

func TestGlobalPtrZeroOffsetIsNull(t *testing.T) {
	id := New(5, 2)
	gp := NewGlobalPtr(id, 0)
	if gp.IsValid() {
		t.Fatalf("offset-0 pointer should be treated as null regardless of shelf id")
	}
}
