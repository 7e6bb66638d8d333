package pool

import (
	"testing"

	"github.com/fenilsonani/nvmm/internal/nvmmconfig"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelf"
	"github.com/fenilsonani/nvmm/internal/shelfmgr"
)

func newTestPool(t *testing.T, poolID uint8) *Pool {
	t.Helper()
	cfg := nvmmconfig.Config{ShelfBase: t.TempDir(), ShelfUser: "test", PageSize: 4096}
	return New(cfg, shelfmgr.New(), poolID)
}

func TestCreateThenExist(t *testing.T) {
	p := newTestPool(t, 3)
	if p.Exist() {
		t.Fatalf("pool should not exist before Create")
	}
	if err := p.Create(8192); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !p.Exist() {
		t.Fatalf("pool should exist after Create")
	}
	if err := p.Create(8192); err == nil {
		t.Fatalf("second Create should fail")
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	p := newTestPool(t, 1)
	if err := p.Create(4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Open(false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.ShelfSize() != 4096 {
		t.Fatalf("ShelfSize = %d, want 4096", p.ShelfSize())
	}
	if err := p.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAddShelfPublishesAfterFormatter(t *testing.T) {
	p := newTestPool(t, 2)
	if err := p.Create(4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Open(false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close(false)

	formatterRan := false
	err := p.AddShelf(1, func(f *shelf.File, size uint64) error {
		formatterRan = true
		if size != 4096 {
			t.Fatalf("formatter got size %d, want 4096", size)
		}
		return nil
	}, false)
	if err != nil {
		t.Fatalf("AddShelf: %v", err)
	}
	if !formatterRan {
		t.Fatalf("formatter should have run")
	}
	if !p.CheckShelf(1) {
		t.Fatalf("shelf 1 should exist after AddShelf")
	}
	if p.CheckShelf(2) {
		t.Fatalf("shelf 2 should not exist")
	}
}

func TestAddShelfRejectsDuplicateIndex(t *testing.T) {
	p := newTestPool(t, 4)
	p.Create(4096)
	p.Open(false)
	defer p.Close(false)

	if err := p.AddShelf(1, func(*shelf.File, uint64) error { return nil }, false); err != nil {
		t.Fatalf("first AddShelf: %v", err)
	}
	if err := p.AddShelf(1, func(*shelf.File, uint64) error { return nil }, false); err == nil {
		t.Fatalf("second AddShelf on the same index should fail")
	}
}

func TestAddShelfRollsBackOnFormatterError(t *testing.T) {
	p := newTestPool(t, 5)
	p.Create(4096)
	p.Open(false)
	defer p.Close(false)

	wantErr := nvmmerr.ErrInvalidPtr
	if err := p.AddShelf(1, func(*shelf.File, uint64) error { return wantErr }, false); err != wantErr {
		t.Fatalf("AddShelf error = %v, want %v", err, wantErr)
	}
	if p.CheckShelf(1) {
		t.Fatalf("shelf should not be published when the formatter fails")
	}
}

func TestRemoveShelf(t *testing.T) {
	p := newTestPool(t, 6)
	p.Create(4096)
	p.Open(false)
	defer p.Close(false)

	p.AddShelf(1, func(*shelf.File, uint64) error { return nil }, false)
	if !p.CheckShelf(1) {
		t.Fatalf("shelf 1 should exist")
	}
	if err := p.RemoveShelf(1); err != nil {
		t.Fatalf("RemoveShelf: %v", err)
	}
	if p.CheckShelf(1) {
		t.Fatalf("shelf 1 should not exist after RemoveShelf")
	}
	// Removing an already-absent index is not an error.
	if err := p.RemoveShelf(1); err != nil {
		t.Fatalf("RemoveShelf on absent index: %v", err)
	}
}

func TestDestroyRemovesEverything(t *testing.T) {
	p := newTestPool(t, 7)
	p.Create(4096)
	p.Open(false)
	p.AddShelf(1, func(*shelf.File, uint64) error { return nil }, false)
	p.AddShelf(2, func(*shelf.File, uint64) error { return nil }, false)
	p.Close(false)

	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if p.Exist() {
		t.Fatalf("pool should not exist after Destroy")
	}
}

func TestGetShelfPathValidatesRange(t *testing.T) {
	p := newTestPool(t, 8)
	if _, err := p.GetShelfPath(MaxShelfCount); err == nil {
		t.Fatalf("GetShelfPath should reject an out-of-range index")
	}
	path, err := p.GetShelfPath(3)
	if err != nil {
		t.Fatalf("GetShelfPath: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a non-empty path")
	}
}
