package shelf

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fenilsonani/nvmm/internal/nvmmerr"
)

func TestCreateDestroyLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shelf0")
	f := New(path, 0644)

	if err := f.Create(4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Create(4096); !errors.Is(err, nvmmerr.ErrShelfFileFound) {
		t.Fatalf("second Create should fail with ErrShelfFileFound, got %v", err)
	}

	if err := f.Open(OpenReadWrite); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Destroy(); !errors.Is(err, nvmmerr.ErrShelfFileOpened) {
		t.Fatalf("Destroy while open should fail with ErrShelfFileOpened, got %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close should be idempotent: %v", err)
	}
	if err := f.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestMapWriteReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shelf1")
	f := New(path, 0644)

	if err := f.Create(4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Open(OpenReadWrite); err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := f.Map(ProtRead|ProtWrite, MapShared)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	binary.LittleEndian.PutUint64(data[0:8], 123)
	if err := f.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := f.Open(OpenReadWrite); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	data2, err := f.Map(ProtRead|ProtWrite, MapShared)
	if err != nil {
		t.Fatalf("remap: %v", err)
	}
	if got := binary.LittleEndian.Uint64(data2[0:8]); got != 123 {
		t.Fatalf("reread = %d, want 123", got)
	}
	f.Unmap()
	f.Close()
}

func TestMarkInvalid(t *testing.T) {
	f := New("/tmp/does-not-matter", 0644)
	if f.IsInvalid() {
		t.Fatalf("fresh handle should not be invalid")
	}
	f.MarkInvalid()
	if !f.IsInvalid() {
		t.Fatalf("handle should be invalid after MarkInvalid")
	}
}

func TestOpenMissingFile(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing"), 0644)
	if err := f.Open(OpenReadWrite); !errors.Is(err, nvmmerr.ErrShelfFileNotFound) {
		t.Fatalf("Open missing file should return ErrShelfFileNotFound, got %v", err)
	}
}
