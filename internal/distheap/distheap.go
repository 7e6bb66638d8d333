// Package distheap implements DistHeap: a heap spread across one Pool's
// shelves, where each payload shelf is exclusively writable by whichever
// process currently owns it, coordinated by an Ownership table and a
// remote-free hand-off FreeLists, both installed in the pool's own shelf 0.
//
// Grounded on original_source/src/allocator/pool_region.cc's
// Create/Open/AddShelf sequencing, generalized from PoolRegion's single
// fixed payload shelf to DistHeap's "acquire an unclaimed shelf, or add one"
// protocol.
package distheap

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/hashicorp/go-multierror"

	"github.com/fenilsonani/nvmm/internal/freelist"
	"github.com/fenilsonani/nvmm/internal/metrics"
	"github.com/fenilsonani/nvmm/internal/nvheap"
	"github.com/fenilsonani/nvmm/internal/nvmmconfig"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/ownership"
	"github.com/fenilsonani/nvmm/internal/pool"
	"github.com/fenilsonani/nvmm/internal/shelf"
	"github.com/fenilsonani/nvmm/internal/shelfid"
	"github.com/fenilsonani/nvmm/internal/shelfmgr"
)

// payloadStart is the first Pool shelf index used as a payload shelf: Pool
// shelf index 0 itself holds this package's coordination structures
// (installed into Pool's directory payload), not a per-shelf heap.
const payloadStart = uint8(1)

// MaxPayloadShelves is how many payload shelves one DistHeap can ever hold:
// Pool's 16 shelf indices, minus the coordination shelf at index 0.
const MaxPayloadShelves = uint64(shelfid.MaxShelfCount) - uint64(payloadStart)

// freeListNodeCapacity bounds how many remote-free hand-offs may be
// outstanding at once, across all payload shelves, before PutPointer starts
// failing with ErrFreeListsFull.
const freeListNodeCapacity = 1024

// Mode selects which nvheap.Allocator every payload shelf in a DistHeap
// uses, chosen once at Create and persisted so every later Open agrees.
// Mirrors the original's compile-time bump-vs-zone allocator switch, made a
// per-pool runtime choice instead.
type Mode uint32

const (
	// ModeBump formats every payload shelf as a nvheap.ShelfHeap: fast,
	// never reclaims individual allocations within a shelf.
	ModeBump Mode = iota
	// ModeZone formats every payload shelf as a nvheap.ZoneHeap: a buddy
	// allocator that reclaims and coalesces individual allocations.
	ModeZone
)

const coordMagic = uint64(0x4e564d4d434f4f52) // "NVMMCOOR" truncated

// coordHeader is the first thing installed in Pool's directory payload: the
// Mode and MinAllocSize this DistHeap was created with, so every Open reads
// the same allocator shape back regardless of which process asks.
type coordHeader struct {
	Magic        uint64
	Mode         uint32
	_            [4]byte
	MinAllocSize uint64
}

const coordHeaderSize = unsafe.Sizeof(coordHeader{})

func coordHeaderAt(base []byte, off uint64) *coordHeader {
	return (*coordHeader)(unsafe.Pointer(&base[off]))
}

func ownershipOffset(coordOff uint64) uint64 { return coordOff + uint64(coordHeaderSize) }

func freeListOffset(coordOff uint64) uint64 {
	return ownershipOffset(coordOff) + ownership.RegionSize(MaxPayloadShelves)
}

// DistHeap is a Pool-backed heap whose payload shelves are partitioned
// across processes by an Ownership table.
type DistHeap struct {
	mgr          *shelfmgr.Manager
	poolID       uint8
	p            *pool.Pool
	self         ownership.ProcessID
	mode         Mode
	minAllocSize uint64

	owners *ownership.Table
	remote *freelist.FreeLists

	mu    sync.Mutex
	owned map[uint8]nvheap.Allocator
}

func poolLabel(poolID uint8) string { return fmt.Sprintf("%d", poolID) }

// Create formats a brand-new, empty DistHeap: the pool's own directory
// shelf plus its coordination header, Ownership table, and FreeLists. mode
// and minAllocSize (only meaningful for ModeZone) are fixed for the
// lifetime of the pool; every later Open reads them back from the
// coordination header. Callers creating a pool id other processes might
// race to create too should serialize around this call themselves (see
// pkg/nvmm.MemoryManager, which does so via the root shelf's per-id lock).
func Create(cfg nvmmconfig.Config, mgr *shelfmgr.Manager, poolID uint8, shelfSize uint64, mode Mode, minAllocSize uint64) error {
	p := pool.New(cfg, mgr, poolID)
	if err := p.Create(shelfSize); err != nil {
		return err
	}
	if err := p.Open(false); err != nil {
		return err
	}
	defer p.Close(false)

	base, off, err := p.DirectoryPayload()
	if err != nil {
		return err
	}
	h := coordHeaderAt(base, off)
	h.Mode = uint32(mode)
	h.MinAllocSize = minAllocSize
	h.Magic = coordMagic

	ownership.Format(base, ownershipOffset(off), MaxPayloadShelves)
	freelist.Format(base, freeListOffset(off), MaxPayloadShelves, freeListNodeCapacity)
	return nil
}

// Open opens the DistHeap at poolID (which must already have been Create'd),
// acquires a payload shelf for this process, and drains any remote frees
// queued for it by other processes.
func Open(cfg nvmmconfig.Config, mgr *shelfmgr.Manager, poolID uint8) (*DistHeap, error) {
	p := pool.New(cfg, mgr, poolID)
	if err := p.Open(false); err != nil {
		return nil, err
	}

	self, err := ownership.Self()
	if err != nil {
		p.Close(false)
		return nil, err
	}

	base, off, err := p.DirectoryPayload()
	if err != nil {
		p.Close(false)
		return nil, err
	}
	h := coordHeaderAt(base, off)
	if h.Magic != coordMagic {
		p.Close(false)
		return nil, nvmmerr.ErrShelfFileInvalidFormat
	}

	owners, err := ownership.Open(base, ownershipOffset(off))
	if err != nil {
		p.Close(false)
		return nil, err
	}
	owners.SetPoolLabel(poolLabel(poolID))

	remote, err := freelist.Open(base, freeListOffset(off))
	if err != nil {
		p.Close(false)
		return nil, err
	}

	d := &DistHeap{
		mgr: mgr, poolID: poolID, p: p, self: self,
		mode: Mode(h.Mode), minAllocSize: h.MinAllocSize,
		owners: owners, remote: remote,
		owned: make(map[uint8]nvheap.Allocator),
	}

	if err := d.recover(); err != nil {
		p.Close(false)
		return nil, err
	}
	idx, heap, err := d.acquireOrCreateShelf()
	if err != nil {
		p.Close(false)
		return nil, err
	}
	d.owned[idx] = heap
	d.drainRemote(idx)

	return d, nil
}

// recover runs Ownership.CheckAndRevokeItem over every payload slot,
// rebuilding whatever a dead owner's shelf needs rebuilt (idempotent for
// both allocator modes: ShelfHeap has no split/merge state, and ZoneHeap's
// Recover only clears its grow/merge-in-progress flags) while the slot is
// stolen, then releasing the slot so a later acquireOrCreateShelf can reuse
// it.
func (d *DistHeap) recover() error {
	for i := uint64(0); i < d.owners.ItemCount(); i++ {
		idx := i
		revoked, err := d.owners.CheckAndRevokeItem(idx, d.self, ownership.IsAlive, func(dead ownership.ProcessID) error {
			heap, err := d.openHeap(payloadStart + uint8(idx))
			if err != nil {
				// Shelf was never created by its owner; nothing to recover.
				return nil
			}
			return heap.Recover()
		})
		if err != nil {
			return err
		}
		if revoked {
			if _, err := d.owners.ReleaseItem(idx, d.self); err != nil {
				return err
			}
		}
	}
	return nil
}

// acquireOrCreateShelf claims the first unowned payload shelf slot,
// creating a new payload shelf if every existing one is owned by a live
// peer. Returns ErrDistHeapFull once every payload shelf both exists and is
// owned.
func (d *DistHeap) acquireOrCreateShelf() (uint8, nvheap.Allocator, error) {
	for i := uint64(0); i < d.owners.ItemCount(); i++ {
		shelfIdx := payloadStart + uint8(i)
		if !d.p.CheckShelf(shelfIdx) {
			continue
		}
		ok, err := d.owners.AcquireItem(i, d.self)
		if err != nil {
			return 0, nil, err
		}
		if ok {
			heap, err := d.openHeap(shelfIdx)
			if err != nil {
				d.owners.ReleaseItem(i, d.self)
				return 0, nil, err
			}
			return shelfIdx, heap, nil
		}
	}

	for i := uint64(0); i < d.owners.ItemCount(); i++ {
		shelfIdx := payloadStart + uint8(i)
		if d.p.CheckShelf(shelfIdx) {
			continue
		}
		err := d.p.AddShelf(shelfIdx, func(f *shelf.File, size uint64) error {
			data, err := f.Map(shelf.ProtRead|shelf.ProtWrite, shelf.MapShared)
			if err != nil {
				return err
			}
			if d.mode == ModeZone {
				nvheap.FormatZoneHeap(data, 0, d.minAllocSize, size)
			} else {
				nvheap.FormatShelfHeap(data, size-uint64(nvheap.ShelfHeapMetadataSize))
			}
			return nil
		}, false)
		if err != nil {
			if err == nvmmerr.ErrShelfFileFound {
				continue // another process just added this index; try the next
			}
			return 0, nil, err
		}

		ok, err := d.owners.AcquireItem(i, d.self)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			// Lost the acquire race to whoever added it; try the next slot.
			continue
		}
		heap, err := d.openHeap(shelfIdx)
		if err != nil {
			d.owners.ReleaseItem(i, d.self)
			return 0, nil, err
		}
		return shelfIdx, heap, nil
	}

	return 0, nil, nvmmerr.ErrDistHeapFull
}

func (d *DistHeap) openHeap(shelfIdx uint8) (nvheap.Allocator, error) {
	path, err := d.p.GetShelfPath(shelfIdx)
	if err != nil {
		return nil, err
	}
	id := shelfid.New(d.poolID, shelfIdx)
	if _, err := d.mgr.FindBase(id, path); err != nil {
		return nil, err
	}
	d.mgr.FindAndOpenShelf(id)
	data, ok := d.mgr.ShelfBytes(id)
	if !ok {
		return nil, nvmmerr.ErrShelfFileInvalidFormat
	}
	if d.mode == ModeZone {
		return nvheap.OpenZoneHeap(data, 0)
	}
	return nvheap.OpenShelfHeap(data)
}

// drainRemote pops every GlobalPtr queued for shelfIdx's owner and frees
// each one against the now-owned heap.
func (d *DistHeap) drainRemote(shelfIdx uint8) {
	idx := uint64(shelfIdx - payloadStart)
	heap := d.owned[shelfIdx]
	for {
		ptr, err := d.remote.GetPointer(idx)
		if err != nil {
			return
		}
		heap.Free(ptr.Offset())
	}
}

func (d *DistHeap) ownedIndices() []uint8 {
	out := make([]uint8, 0, len(d.owned))
	for idx := range d.owned {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Alloc allocates size bytes from one of this process's owned payload
// shelves, draining its remote free list and retrying before falling back
// to acquiring or creating another shelf.
func (d *DistHeap) Alloc(size uint64) (shelfid.GlobalPtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, idx := range d.ownedIndices() {
		heap := d.owned[idx]
		if off, err := heap.Alloc(size); err == nil {
			return shelfid.NewGlobalPtr(shelfid.New(d.poolID, idx), off), nil
		}
		d.drainRemote(idx)
		if off, err := heap.Alloc(size); err == nil {
			return shelfid.NewGlobalPtr(shelfid.New(d.poolID, idx), off), nil
		}
	}

	idx, heap, err := d.acquireOrCreateShelf()
	if err != nil {
		metrics.AllocExhausted.WithLabelValues(poolLabel(d.poolID)).Inc()
		return shelfid.NullPtr, err
	}
	d.owned[idx] = heap
	off, err := heap.Alloc(size)
	if err != nil {
		metrics.AllocExhausted.WithLabelValues(poolLabel(d.poolID)).Inc()
		return shelfid.NullPtr, err
	}
	return shelfid.NewGlobalPtr(shelfid.New(d.poolID, idx), off), nil
}

// Free releases ptr. If its shelf belongs to this process, it is freed
// locally; otherwise it is handed off via the target shelf's remote
// FreeList for its owner to drain.
func (d *DistHeap) Free(ptr shelfid.GlobalPtr) error {
	if !ptr.IsValid() {
		return nil
	}
	shelfIdx := ptr.ShelfID().ShelfIndex()

	d.mu.Lock()
	heap, owned := d.owned[shelfIdx]
	d.mu.Unlock()
	if owned {
		return heap.Free(ptr.Offset())
	}
	if shelfIdx < payloadStart || uint64(shelfIdx-payloadStart) >= d.owners.ItemCount() {
		return nvmmerr.ErrInvalidPtr
	}
	return d.remote.PutPointer(uint64(shelfIdx-payloadStart), ptr)
}

// Close releases every payload shelf this process owns and closes the
// underlying pool.
func (d *DistHeap) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result *multierror.Error
	for idx := range d.owned {
		i := uint64(idx - payloadStart)
		if ok, err := d.owners.ReleaseItem(i, d.self); err != nil {
			result = multierror.Append(result, err)
		} else if !ok {
			result = multierror.Append(result, nvmmerr.ErrHeapCloseFailed)
		}
		d.mgr.FindAndCloseShelf(shelfid.New(d.poolID, idx))
	}
	d.owned = make(map[uint8]nvheap.Allocator)

	if err := d.p.Close(false); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
