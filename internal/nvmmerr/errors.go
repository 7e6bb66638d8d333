// Package nvmmerr defines the sentinel errors shared across the memory
// manager, per the error kinds enumerated in the design: id-space, pool,
// shelf file, region, heap, allocator substrates, pointer, and epoch
// failures. Call sites wrap these with fmt.Errorf("...: %w", err) to add
// context; callers compare with errors.Is.
package nvmmerr

import "errors"

// ID-space errors (MemoryManager pool-id dispatch).
var (
	ErrIdFound    = errors.New("nvmm: pool id already in use")
	ErrIdNotFound = errors.New("nvmm: pool id not found")
)

// Pool errors.
var (
	ErrPoolFound    = errors.New("nvmm: pool already exists")
	ErrPoolNotFound = errors.New("nvmm: pool not found")
)

// Shelf file errors.
var (
	ErrShelfFileFound            = errors.New("nvmm: shelf file already exists")
	ErrShelfFileNotFound         = errors.New("nvmm: shelf file not found")
	ErrShelfFileOpened           = errors.New("nvmm: shelf file still opened")
	ErrShelfFileClosed           = errors.New("nvmm: shelf file is closed")
	ErrShelfFileCreateFailed     = errors.New("nvmm: shelf file create failed")
	ErrShelfFileOpenFailed       = errors.New("nvmm: shelf file open failed")
	ErrShelfFileCloseFailed      = errors.New("nvmm: shelf file close failed")
	ErrShelfFileTruncateFailed   = errors.New("nvmm: shelf file truncate failed")
	ErrShelfFileRenameFailed     = errors.New("nvmm: shelf file rename failed")
	ErrShelfFileMapFailed        = errors.New("nvmm: shelf file map failed")
	ErrShelfFileUnmapFailed      = errors.New("nvmm: shelf file unmap failed")
	ErrShelfFileGetPermFailed    = errors.New("nvmm: shelf file get permission failed")
	ErrShelfFileSetPermFailed    = errors.New("nvmm: shelf file set permission failed")
	ErrShelfFileInvalidFormat    = errors.New("nvmm: shelf file invalid format")
	ErrShelfFileAtomicRegFailed  = errors.New("nvmm: shelf file fabric atomic registration failed")
)

// Region errors.
var (
	ErrRegionCreateFailed = errors.New("nvmm: region create failed")
	ErrRegionDestroyFailed = errors.New("nvmm: region destroy failed")
	ErrRegionOpenFailed   = errors.New("nvmm: region open failed")
	ErrRegionCloseFailed  = errors.New("nvmm: region close failed")
	ErrRegionMapFailed    = errors.New("nvmm: region map failed")
	ErrRegionUnmapFailed  = errors.New("nvmm: region unmap failed")
)

// Heap errors.
var (
	ErrHeapCreateFailed = errors.New("nvmm: heap create failed")
	ErrHeapOpenFailed   = errors.New("nvmm: heap open failed")
	ErrHeapCloseFailed  = errors.New("nvmm: heap close failed")
)

// Allocator substrate errors.
var (
	ErrFreeListsCreateFailed = errors.New("nvmm: free lists create failed")
	ErrFreeListsOpenFailed   = errors.New("nvmm: free lists open failed")
	ErrFreeListsCloseFailed  = errors.New("nvmm: free lists close failed")
	ErrFreeListsEmpty        = errors.New("nvmm: free list is empty")
	ErrFreeListsFull         = errors.New("nvmm: free list node pool exhausted")

	ErrOwnershipCreateFailed = errors.New("nvmm: ownership create failed")
	ErrOwnershipOpenFailed   = errors.New("nvmm: ownership open failed")
	ErrOwnershipCloseFailed  = errors.New("nvmm: ownership close failed")
)

// Pointer errors.
var (
	ErrInvalidPtr       = errors.New("nvmm: invalid pointer")
	ErrMapPointerFailed = errors.New("nvmm: map pointer failed")
)

// Distributed heap errors. ErrDistHeapFull means every payload shelf a
// DistHeap could hold already exists and is owned by a live peer, so no
// more can be created.
var (
	ErrDistHeapFull = errors.New("nvmm: dist heap has no shelf available and all shelves are owned")
)

// Epoch errors.
var (
	ErrEpochParticipantsFull = errors.New("nvmm: epoch participant registration overflow")
	ErrEpochVectorCorrupt    = errors.New("nvmm: epoch vector corrupt")
)
