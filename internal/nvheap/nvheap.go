// Package nvheap implements the two single-shelf heap variants every
// NVMM heap is ultimately built from: ShelfHeap, a simple bump allocator
// that never reclaims individual blocks, and ZoneHeap, a buddy allocator
// that does.
//
// Grounded on original_source/src/shelf_usage/shelf_heap.h (NvHeapLayout's
// magic number, next_free bump pointer, kMetadataSize) and
// src/shelf_usage/zone_shelf_heap.h / src/shelf_usage/zone.h (the buddy
// Zone's level/bitmap split-merge design and its grow/merge crash-recovery
// flags).
package nvheap

// Offset 0 is never a valid allocation: it collides with GlobalPtr's null
// sentinel offset.
const NullOffset = uint64(0)

// Allocator is the capability every single-shelf heap variant implements:
// allocate/free offsets within one shelf's data region, verify and recover
// its own metadata, and report how much usable space it has.
type Allocator interface {
	Alloc(size uint64) (uint64, error)
	Free(offset uint64) error
	IsValidOffset(offset uint64) bool
	Verify() error
	Recover() error
	Size() uint64
}
