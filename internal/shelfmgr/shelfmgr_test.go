package shelfmgr

import (
	"testing"

	"github.com/fenilsonani/nvmm/internal/shelfid"
)

func TestRegisterSharesMapping(t *testing.T) {
	m := New()
	id := shelfid.New(1, 1)
	data := make([]byte, 64)

	base1, err := m.RegisterShelf(id, data)
	if err != nil {
		t.Fatalf("RegisterShelf: %v", err)
	}
	base2, err := m.RegisterShelf(id, data)
	if err != nil {
		t.Fatalf("second RegisterShelf: %v", err)
	}
	if base1 != base2 {
		t.Fatalf("second RegisterShelf should return the same base address")
	}
}

func TestRefcounting(t *testing.T) {
	m := New()
	id := shelfid.New(2, 3)
	data := make([]byte, 64)
	if _, err := m.RegisterShelf(id, data); err != nil {
		t.Fatalf("RegisterShelf: %v", err)
	}

	if _, ok := m.FindAndOpenShelf(id); !ok {
		t.Fatalf("FindAndOpenShelf should succeed")
	}
	if _, ok := m.FindAndCloseShelf(id); !ok {
		t.Fatalf("FindAndCloseShelf should succeed")
	}
	if _, ok := m.FindAndCloseShelf(id); ok {
		t.Fatalf("FindAndCloseShelf should fail on refcount underflow")
	}
}

func TestFindShelfReverseLookup(t *testing.T) {
	m := New()
	id := shelfid.New(4, 5)
	data := make([]byte, 128)
	base, err := m.RegisterShelf(id, data)
	if err != nil {
		t.Fatalf("RegisterShelf: %v", err)
	}

	gotID, gotBase, ok := m.FindShelf(base)
	if !ok || gotID != id || gotBase != base {
		t.Fatalf("FindShelf(base) = (%v, %v, %v), want (%v, %v, true)", gotID, gotBase, ok, id, base)
	}
}

func TestMarkInvalid(t *testing.T) {
	m := New()
	id := shelfid.New(1, 2)
	data := make([]byte, 8)
	m.RegisterShelf(id, data)

	if m.IsInvalid(id) {
		t.Fatalf("fresh entry should not be invalid")
	}
	m.MarkInvalid(id)
	if !m.IsInvalid(id) {
		t.Fatalf("entry should be invalid after MarkInvalid")
	}
}
