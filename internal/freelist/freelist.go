// Package freelist implements FreeLists: a fixed number of independent
// lock-free stacks of GlobalPtrs, backed by a FixedBlockAllocator that
// carves the stack nodes themselves out of one shelf. DistHeap uses it as
// the "remote free" hand-off so one process can return memory a different
// process allocated.
//
// Grounded directly on original_source/src/shelf_usage/freelists.h/.cc: the
// three-part persisted layout (header, N list heads, a FixedBlockAllocator
// region for the node pool) is a straight port of that file's structure.
package freelist

import (
	"unsafe"

	"github.com/fenilsonani/nvmm/internal/lockfree"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelfid"
)

// Magic identifies a formatted FreeLists region; checked by Open.
const Magic = uint64(0x4652454c495354) // "FRELIST" in ASCII, truncated to 7 bytes

// nodeSize is the size of one free-list node: the GlobalPtr payload plus
// the lockfree.Stack bookkeeping word it's chained through.
const nodeSize = 16

// Header is the persisted FreeLists header, laid out at the start of the
// region a caller reserves for it.
type Header struct {
	Magic     uint64
	TotalSize uint64
	ListCount uint64
}

// HeaderSize is the header's on-disk footprint.
const HeaderSize = unsafe.Sizeof(Header{})

// FreeLists is ListCount independent lock-free stacks of GlobalPtr values,
// sharing one FixedBlockAllocator-managed node pool.
type FreeLists struct {
	base      []byte
	headerOff uint64
	listCount uint64
	heads     []lockfree.Stack // mirrors the heads persisted in base, for addressing only
	nodes     *lockfree.FixedBlockAllocator
}

func headerAt(base []byte, off uint64) *Header {
	return (*Header)(unsafe.Pointer(&base[off]))
}

// listHeadsOffset is where the ListCount stack heads begin, right after
// Header.
func listHeadsOffset(headerOff uint64) uint64 {
	return headerOff + uint64(HeaderSize)
}

func nodePoolOffset(headerOff, listCount uint64) uint64 {
	return listHeadsOffset(headerOff) + listCount*uint64(unsafe.Sizeof(lockfree.Stack{}))
}

// Format lays out a fresh FreeLists region at headerOff within base, with
// listCount independent stacks and room for nodeCapacity outstanding nodes.
func Format(base []byte, headerOff, listCount, nodeCapacity uint64) *FreeLists {
	h := headerAt(base, headerOff)
	h.Magic = Magic
	h.ListCount = listCount

	poolOff := nodePoolOffset(headerOff, listCount)
	nodes := lockfree.Format(base, poolOff, nodeSize, 0, nodeCapacity)

	h.TotalSize = (poolOff - headerOff) + uint64(lockfree.FixedBlockHeaderSize) + nodeCapacity*nodeSize

	return &FreeLists{
		base:      base,
		headerOff: headerOff,
		listCount: listCount,
		nodes:     nodes,
	}
}

// Open attaches to a previously formatted FreeLists region, validating its
// magic number.
func Open(base []byte, headerOff uint64) (*FreeLists, error) {
	h := headerAt(base, headerOff)
	if h.Magic != Magic {
		return nil, nvmmerr.ErrShelfFileInvalidFormat
	}
	poolOff := nodePoolOffset(headerOff, h.ListCount)
	return &FreeLists{
		base:      base,
		headerOff: headerOff,
		listCount: h.ListCount,
		nodes:     lockfree.Open(base, poolOff),
	}, nil
}

func (f *FreeLists) stackAt(idx uint64) *lockfree.Stack {
	off := listHeadsOffset(f.headerOff) + idx*uint64(unsafe.Sizeof(lockfree.Stack{}))
	return (*lockfree.Stack)(unsafe.Pointer(&f.base[off]))
}

// PutPointer pushes ptr onto list index idx. DistHeap passes the payload
// shelf's position (shelf index minus its first payload index), giving each
// payload shelf its own free list.
func (f *FreeLists) PutPointer(idx uint64, ptr shelfid.GlobalPtr) error {
	if idx >= f.listCount {
		return nvmmerr.ErrFreeListsEmpty
	}
	off, ok := f.nodes.Alloc()
	if !ok {
		return nvmmerr.ErrFreeListsFull
	}
	putGlobalPtr(f.base, off, ptr)
	f.stackAt(idx).Push(f.base, off)
	return nil
}

// GetPointer pops a GlobalPtr off list index idx, returning
// ErrFreeListsEmpty if that list currently has nothing on it.
func (f *FreeLists) GetPointer(idx uint64) (shelfid.GlobalPtr, error) {
	if idx >= f.listCount {
		return shelfid.NullPtr, nvmmerr.ErrFreeListsEmpty
	}
	off, ok := f.stackAt(idx).Pop(f.base)
	if !ok {
		return shelfid.NullPtr, nvmmerr.ErrFreeListsEmpty
	}
	ptr := getGlobalPtr(f.base, off)
	f.nodes.Free(off)
	return ptr, nil
}

// putGlobalPtr/getGlobalPtr store the GlobalPtr payload in the second half
// of a node; the first 8 bytes are reserved for lockfree.Stack's own "next"
// chaining while the node sits on the free-node pool's free list.
func putGlobalPtr(base []byte, nodeOff uint64, ptr shelfid.GlobalPtr) {
	*(*shelfid.GlobalPtr)(unsafe.Pointer(&base[nodeOff+8])) = ptr
}

func getGlobalPtr(base []byte, nodeOff uint64) shelfid.GlobalPtr {
	return *(*shelfid.GlobalPtr)(unsafe.Pointer(&base[nodeOff+8]))
}

// ListCount reports how many independent stacks this FreeLists manages.
func (f *FreeLists) ListCount() uint64 { return f.listCount }

// TotalSize reports how many bytes past headerOff this FreeLists region
// occupies (header, list heads, and node pool together), so a caller
// laying out more than one structure in a shared region knows where the
// next one may start.
func (f *FreeLists) TotalSize() uint64 { return headerAt(f.base, f.headerOff).TotalSize }
