package pool

import (
	"errors"
	"testing"

	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelfid"
)

func newRootRegion() []byte {
	return make([]byte, RootShelfSize)
}

func TestRootShelfFormatAndOpen(t *testing.T) {
	base := newRootRegion()
	FormatRootShelf(base)

	r, err := OpenRootShelf(base)
	if err != nil {
		t.Fatalf("OpenRootShelf: %v", err)
	}
	if r.GetType(3) != TypeNone {
		t.Fatalf("fresh pool id should be TypeNone")
	}
}

func TestRootShelfOpenRejectsBadMagic(t *testing.T) {
	base := newRootRegion()
	if _, err := OpenRootShelf(base); !errors.Is(err, nvmmerr.ErrShelfFileInvalidFormat) {
		t.Fatalf("OpenRootShelf on unformatted region should fail")
	}
}

func TestRootShelfSetTypeRejectsDouble(t *testing.T) {
	base := newRootRegion()
	r := FormatRootShelf(base)

	if err := r.SetType(2, TypeHeap); err != nil {
		t.Fatalf("SetType: %v", err)
	}
	if got := r.GetType(2); got != TypeHeap {
		t.Fatalf("GetType = %v, want TypeHeap", got)
	}
	if err := r.SetType(2, TypeRegion); !errors.Is(err, nvmmerr.ErrIdFound) {
		t.Fatalf("second SetType should fail with ErrIdFound, got %v", err)
	}
}

func TestRootShelfClearTypeThenReclaim(t *testing.T) {
	base := newRootRegion()
	r := FormatRootShelf(base)

	r.SetType(5, TypeRegion)
	if err := r.ClearType(5, TypeRegion); err != nil {
		t.Fatalf("ClearType: %v", err)
	}
	if err := r.SetType(5, TypeHeap); err != nil {
		t.Fatalf("SetType after clear: %v", err)
	}
}

func TestRootShelfLockSerializes(t *testing.T) {
	base := newRootRegion()
	r := FormatRootShelf(base)

	r.Lock(1)
	if r.TryLock(1) {
		t.Fatalf("TryLock should fail while already locked")
	}
	r.Unlock(1)
	if !r.TryLock(1) {
		t.Fatalf("TryLock should succeed once unlocked")
	}
	r.Unlock(1)
}

func TestRootShelfAllocFreeRegionID(t *testing.T) {
	base := newRootRegion()
	r := FormatRootShelf(base)

	seen := map[uint16]bool{}
	for i := 0; i < 16; i++ {
		id, err := r.AllocRegionID()
		if err != nil {
			t.Fatalf("AllocRegionID %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate region id %d", id)
		}
		seen[id] = true
	}
	if _, err := r.AllocRegionID(); !errors.Is(err, nvmmerr.ErrIdFound) {
		t.Fatalf("AllocRegionID should fail once all 16 ids are taken")
	}

	if err := r.FreeRegionID(0); err != nil {
		t.Fatalf("FreeRegionID: %v", err)
	}
	if id, err := r.AllocRegionID(); err != nil || id != 0 {
		t.Fatalf("expected to reclaim id 0, got id=%d err=%v", id, err)
	}
}

func TestRootDictRoundTrip(t *testing.T) {
	base := newRootRegion()
	r := FormatRootShelf(base)
	d := r.Dict()

	want := shelfid.NewGlobalPtr(shelfid.New(2, 3), 128)
	d.SetMetadata(want)
	if got := d.Metadata(); got != want {
		t.Fatalf("Metadata() = %v, want %v", got, want)
	}

	if d.ATL() != shelfid.NullPtr {
		t.Fatalf("ATL should start as NullPtr")
	}
	atl := shelfid.NewGlobalPtr(shelfid.New(1, 1), 64)
	d.SetATL(atl)
	if d.ATL() != atl {
		t.Fatalf("ATL() = %v, want %v", d.ATL(), atl)
	}
}
