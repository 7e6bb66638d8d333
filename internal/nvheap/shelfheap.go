package nvheap

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/fenilsonani/nvmm/internal/fabric"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
)

// ShelfMagic is the ShelfHeap layout's magic number: 684327, named
// "nvheap" in the comment next to its definition in shelf_heap.h.
const ShelfMagic = uint64(684327)

// NvHeapLayout is the persisted bump-allocator header, three cache lines
// wide (magic, size, next_free each cache-line-aligned per the original),
// plus a trailing checksum cache line this port adds for Verify.
type NvHeapLayout struct {
	MagicNum uint64
	_        [fabric.CacheLineSize - 8]byte
	HeapSize uint64
	_        [fabric.CacheLineSize - 8]byte
	NextFree uint64
	_        [fabric.CacheLineSize - 8]byte
	Checksum uint64
	_        [fabric.CacheLineSize - 8]byte
}

// ShelfHeapMetadataSize is the space NvHeapLayout reserves before the
// allocatable arena starts (shelf_heap.h's kMetadataSize = 3 cache lines;
// this port uses 4 to also fit the checksum).
const ShelfHeapMetadataSize = unsafe.Sizeof(NvHeapLayout{})

// ShelfHeap is a pure bump allocator over one shelf's data region: Alloc
// advances NextFree and never reuses space; Free is a documented no-op
// (shelf_heap.h: "void Free(Offset offset) { return; }").
type ShelfHeap struct {
	base []byte
}

func layoutAt(base []byte) *NvHeapLayout {
	return (*NvHeapLayout)(unsafe.Pointer(&base[0]))
}

// FormatShelfHeap initializes a fresh NvHeapLayout at the start of base.
// heapSize bounds how much of base past the metadata header is allocatable.
func FormatShelfHeap(base []byte, heapSize uint64) *ShelfHeap {
	l := layoutAt(base)
	l.HeapSize = heapSize
	l.NextFree = uint64(ShelfHeapMetadataSize)
	l.Checksum = checksumLayout(l)
	fabric.AtomicStore64(&l.MagicNum, ShelfMagic)
	return &ShelfHeap{base: base}
}

// OpenShelfHeap attaches to an already-formatted ShelfHeap.
func OpenShelfHeap(base []byte) (*ShelfHeap, error) {
	h := &ShelfHeap{base: base}
	if err := h.Verify(); err != nil {
		return nil, err
	}
	return h, nil
}

// checksumLayout hashes the fields Verify cares about surviving intact, so
// a torn write partway through Create is detectable even if the magic
// number itself happened to land correctly.
func checksumLayout(l *NvHeapLayout) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], l.HeapSize)
	binary.LittleEndian.PutUint64(buf[8:16], ShelfMagic)
	return xxhash.Sum64(buf[:])
}

// Alloc bumps NextFree by size rounded up to a cache line, returning the
// offset the caller may write size bytes at, or ErrInvalidPtr if the
// arena is exhausted.
func (h *ShelfHeap) Alloc(size uint64) (uint64, error) {
	l := layoutAt(h.base)
	for {
		cur := fabric.AtomicLoad64(&l.NextFree)
		next := cur + roundUp(size, fabric.CacheLineSize)
		if next-uint64(ShelfHeapMetadataSize) > l.HeapSize {
			return NullOffset, nvmmerr.ErrInvalidPtr
		}
		if fabric.AtomicCAS64(&l.NextFree, cur, next) {
			return cur, nil
		}
	}
}

// Free is a no-op: ShelfHeap never reclaims individual allocations, per
// shelf_heap.h.
func (h *ShelfHeap) Free(offset uint64) error { return nil }

// IsValidOffset reports whether offset falls within the allocatable arena.
func (h *ShelfHeap) IsValidOffset(offset uint64) bool {
	l := layoutAt(h.base)
	if offset < uint64(ShelfHeapMetadataSize) {
		return false
	}
	return offset-uint64(ShelfHeapMetadataSize) < l.HeapSize
}

// Verify checks the layout's magic number and header checksum.
func (h *ShelfHeap) Verify() error {
	l := layoutAt(h.base)
	if fabric.AtomicLoad64(&l.MagicNum) != ShelfMagic {
		return nvmmerr.ErrShelfFileInvalidFormat
	}
	if l.Checksum != checksumLayout(l) {
		return nvmmerr.ErrShelfFileInvalidFormat
	}
	return nil
}

// Recover is a no-op for ShelfHeap: a bump allocator has no split/merge
// state that can be left half-finished by a crash.
func (h *ShelfHeap) Recover() error { return nil }

// Size reports the heap's allocatable capacity (excluding metadata).
func (h *ShelfHeap) Size() uint64 {
	return layoutAt(h.base).HeapSize
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
