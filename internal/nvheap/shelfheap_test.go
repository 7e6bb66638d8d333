package nvheap

import (
	"errors"
	"testing"

	"github.com/fenilsonani/nvmm/internal/nvmmerr"
)

func TestShelfHeapAllocBumpsForward(t *testing.T) {
	base := make([]byte, uint64(ShelfHeapMetadataSize)+4096)
	h := FormatShelfHeap(base, 4096)

	off1, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	off2, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if off2 <= off1 {
		t.Fatalf("second Alloc offset %d should be greater than first %d", off2, off1)
	}
	if !h.IsValidOffset(off1) || !h.IsValidOffset(off2) {
		t.Fatalf("allocated offsets should be valid")
	}
}

func TestShelfHeapFreeIsNoop(t *testing.T) {
	base := make([]byte, uint64(ShelfHeapMetadataSize)+128)
	h := FormatShelfHeap(base, 128)
	off, _ := h.Alloc(64)
	before := h.Size()
	if err := h.Free(off); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if h.Size() != before {
		t.Fatalf("Free should not change heap size")
	}
}

func TestShelfHeapExhaustion(t *testing.T) {
	base := make([]byte, uint64(ShelfHeapMetadataSize)+64)
	h := FormatShelfHeap(base, 64)
	if _, err := h.Alloc(64); err != nil {
		t.Fatalf("first Alloc should succeed: %v", err)
	}
	if _, err := h.Alloc(64); err == nil {
		t.Fatalf("second Alloc should fail, arena exhausted")
	}
}

func TestShelfHeapVerifyAndRecover(t *testing.T) {
	base := make([]byte, uint64(ShelfHeapMetadataSize)+64)
	h := FormatShelfHeap(base, 64)
	if err := h.Verify(); err != nil {
		t.Fatalf("Verify after Format: %v", err)
	}
	if err := h.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	reopened, err := OpenShelfHeap(base)
	if err != nil {
		t.Fatalf("OpenShelfHeap: %v", err)
	}
	if reopened.Size() != 64 {
		t.Fatalf("Size after reopen = %d, want 64", reopened.Size())
	}
}

func TestShelfHeapOpenRejectsBadMagic(t *testing.T) {
	base := make([]byte, uint64(ShelfHeapMetadataSize)+64)
	if _, err := OpenShelfHeap(base); !errors.Is(err, nvmmerr.ErrShelfFileInvalidFormat) {
		t.Fatalf("OpenShelfHeap on unformatted region should fail with invalid-format error")
	}
}
