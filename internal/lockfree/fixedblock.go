package lockfree

import (
	"unsafe"

	"github.com/fenilsonani/nvmm/internal/fabric"
)

// FixedBlockHeader is the persisted header of a FixedBlockAllocator: fixed
// size chunks carved from a single shelf, with a lock-free Stack as the
// free list. Field order matches
// original_source/src/shelf_usage/fixed_block_allocator.h.
type FixedBlockHeader struct {
	BlockSize        uint64
	UserMetadataSize uint64
	InitialPoolSize  uint64
	MaxPoolSize      uint64
	NextUnusedOffset uint64
	Free             Stack
}

// FixedBlockHeaderSize is the number of bytes FixedBlockHeader occupies in
// the shelf; callers reserve this much space before the block arena
// starts.
const FixedBlockHeaderSize = unsafe.Sizeof(FixedBlockHeader{})

// FixedBlockAllocator carves blockSize-sized chunks from base[headerOffset
// + FixedBlockHeaderSize:], using a Stack (embedded in the header) as the
// free list.
type FixedBlockAllocator struct {
	base         []byte
	headerOffset uint64
}

// Format initializes a new FixedBlockHeader at headerOffset within base.
// poolSize is the number of blocks the arena can ever hold (spec's
// max_pool_size); blocks are bump-allocated from the arena until it is
// exhausted, then served from the free stack.
func Format(base []byte, headerOffset uint64, blockSize, userMetadataSize, poolSize uint64) *FixedBlockAllocator {
	h := headerAt(base, headerOffset)
	h.BlockSize = blockSize
	h.UserMetadataSize = userMetadataSize
	h.InitialPoolSize = poolSize
	h.MaxPoolSize = poolSize
	h.NextUnusedOffset = headerOffset + uint64(FixedBlockHeaderSize)
	h.Free = Stack{}
	fabric.Persist(unsafe.Pointer(h), FixedBlockHeaderSize)
	return &FixedBlockAllocator{base: base, headerOffset: headerOffset}
}

// Open attaches to an already-formatted FixedBlockAllocator at
// headerOffset.
func Open(base []byte, headerOffset uint64) *FixedBlockAllocator {
	return &FixedBlockAllocator{base: base, headerOffset: headerOffset}
}

func headerAt(base []byte, offset uint64) *FixedBlockHeader {
	return (*FixedBlockHeader)(unsafe.Pointer(&base[offset]))
}

func (a *FixedBlockAllocator) header() *FixedBlockHeader {
	return headerAt(a.base, a.headerOffset)
}

// arenaEnd is the offset one past the last byte the arena may bump into.
func (a *FixedBlockAllocator) arenaEnd() uint64 {
	h := a.header()
	return a.headerOffset + uint64(FixedBlockHeaderSize) + h.MaxPoolSize*h.BlockSize
}

// Alloc pops a block from the free stack if one is available, otherwise
// bumps NextUnusedOffset. Returns (0, false) if the arena and free stack
// are both exhausted.
func (a *FixedBlockAllocator) Alloc() (uint64, bool) {
	h := a.header()
	if off, ok := h.Free.Pop(a.base); ok {
		return off, true
	}
	for {
		cur := fabric.AtomicLoad64(&h.NextUnusedOffset)
		next := cur + h.BlockSize
		if next > a.arenaEnd() {
			return 0, false
		}
		if fabric.AtomicCAS64(&h.NextUnusedOffset, cur, next) {
			return cur, true
		}
	}
}

// Free pushes a previously-allocated block back onto the free stack. The
// block's payload must already be durable if the caller depends on
// surviving a crash: Free does no persist of its own. UnsafeFree is the
// same operation under another name.
func (a *FixedBlockAllocator) Free(offset uint64) {
	a.header().Free.Push(a.base, offset)
}

// UnsafeFree is the variant that skips the "persist payload first"
// requirement description for callers that already persisted it.
func (a *FixedBlockAllocator) UnsafeFree(offset uint64) {
	a.Free(offset)
}

// BlockSize returns the fixed size of blocks this allocator hands out.
func (a *FixedBlockAllocator) BlockSize() uint64 {
	return a.header().BlockSize
}
