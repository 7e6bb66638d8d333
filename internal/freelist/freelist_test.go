package freelist

import (
	"errors"
	"testing"

	"github.com/fenilsonani/nvmm/internal/lockfree"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelfid"
)

func newRegion(t *testing.T, listCount, nodeCapacity uint64) []byte {
	t.Helper()
	size := nodePoolOffset(0, listCount) + uint64(lockfree.FixedBlockHeaderSize) + nodeCapacity*nodeSize
	return make([]byte, size)
}

func TestPutGetLIFOPerList(t *testing.T) {
	const listCount = 16
	base := newRegion(t, listCount, 10)
	fl := Format(base, 0, listCount, 10)

	for i := uint64(0); i < 10; i++ {
		ptr := shelfid.NewGlobalPtr(shelfid.New(1, 1), i+1)
		if err := fl.PutPointer(3, ptr); err != nil {
			t.Fatalf("PutPointer %d: %v", i, err)
		}
	}

	for i := uint64(10); i >= 1; i-- {
		ptr, err := fl.GetPointer(3)
		if err != nil {
			t.Fatalf("GetPointer at i=%d: %v", i, err)
		}
		if ptr.Offset() != i {
			t.Fatalf("GetPointer offset = %d, want %d (LIFO order)", ptr.Offset(), i)
		}
	}

	if _, err := fl.GetPointer(3); !errors.Is(err, nvmmerr.ErrFreeListsEmpty) {
		t.Fatalf("GetPointer on drained list = %v, want ErrFreeListsEmpty", err)
	}
}

func TestListsAreIndependent(t *testing.T) {
	const listCount = 4
	base := newRegion(t, listCount, 8)
	fl := Format(base, 0, listCount, 8)

	p0 := shelfid.NewGlobalPtr(shelfid.New(2, 2), 1)
	if err := fl.PutPointer(0, p0); err != nil {
		t.Fatalf("PutPointer: %v", err)
	}

	if _, err := fl.GetPointer(1); !errors.Is(err, nvmmerr.ErrFreeListsEmpty) {
		t.Fatalf("list 1 should be empty while only list 0 was pushed to")
	}

	got, err := fl.GetPointer(0)
	if err != nil || got != p0 {
		t.Fatalf("GetPointer(0) = (%v, %v), want (%v, nil)", got, err, p0)
	}
}

func TestOpenValidatesMagic(t *testing.T) {
	base := newRegion(t, 4, 4)
	if _, err := Open(base, 0); err == nil {
		t.Fatalf("Open on unformatted region should fail")
	}

	Format(base, 0, 4, 4)
	fl, err := Open(base, 0)
	if err != nil {
		t.Fatalf("Open after Format: %v", err)
	}
	if fl.ListCount() != 4 {
		t.Fatalf("ListCount = %d, want 4", fl.ListCount())
	}
}

func TestPutPointerFailsWhenNodePoolExhausted(t *testing.T) {
	const listCount = 2
	base := newRegion(t, listCount, 2)
	fl := Format(base, 0, listCount, 2)

	if err := fl.PutPointer(0, shelfid.NewGlobalPtr(shelfid.New(1, 1), 1)); err != nil {
		t.Fatalf("PutPointer: %v", err)
	}
	if err := fl.PutPointer(1, shelfid.NewGlobalPtr(shelfid.New(1, 1), 2)); err != nil {
		t.Fatalf("PutPointer: %v", err)
	}
	if err := fl.PutPointer(0, shelfid.NewGlobalPtr(shelfid.New(1, 1), 3)); !errors.Is(err, nvmmerr.ErrFreeListsFull) {
		t.Fatalf("PutPointer on exhausted node pool = %v, want ErrFreeListsFull", err)
	}
}
