package pool

import (
	"unsafe"

	"github.com/fenilsonani/nvmm/internal/fabric"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelfid"
)

// RootShelfSize is shelf 0 of pool 0: a fixed 128 MiB reservation, most of
// which is unused padding past the fixed-size header below.
const RootShelfSize = 128 << 20

const rootMagic = uint64(0x4e564d4d524f4f54) // "NVMMROOT" truncated

// poolTypeSlot is one cache-line-aligned entry in the root shelf's
// PoolTypeEntry array, so concurrently-updated neighbors don't false-share.
type poolTypeSlot struct {
	Type uint32
	_    [fabric.CacheLineSize - 4]byte
}

// DictSlotCount is the number of named root global pointers RootDict holds.
const DictSlotCount = 4

// rootLayout is the persisted layout of the root shelf: one spinlock and
// one PoolTypeEntry per pool id, a region-id bitmap, and a small fixed
// dictionary of root global pointers.
type rootLayout struct {
	Magic        uint64
	_            [fabric.CacheLineSize - 8]byte
	Locks        [shelfid.MaxPoolCount]fabric.SpinLock
	Types        [shelfid.MaxPoolCount]poolTypeSlot
	RegionBitmap uint64
	_            [fabric.CacheLineSize - 8]byte
	Dict         [DictSlotCount]uint64
}

// RootShelfLayoutSize is the header's on-disk footprint, well under
// RootShelfSize.
const RootShelfLayoutSize = unsafe.Sizeof(rootLayout{})

// RootShelf is pool 0's shelf 0: the process-table MemoryManager uses to
// serialize pool create/destroy by id, track each id's declared Type, hand
// out region ids, and publish a handful of well-known root pointers.
type RootShelf struct {
	base []byte
}

func rootAt(base []byte) *rootLayout {
	return (*rootLayout)(unsafe.Pointer(&base[0]))
}

// FormatRootShelf initializes a fresh root shelf at the start of base.
func FormatRootShelf(base []byte) *RootShelf {
	r := rootAt(base)
	*r = rootLayout{}
	fabric.Persist(unsafe.Pointer(r), RootShelfLayoutSize)
	fabric.AtomicStore64(&r.Magic, rootMagic)
	fabric.Persist(unsafe.Pointer(r), RootShelfLayoutSize)
	return &RootShelf{base: base}
}

// OpenRootShelf attaches to an already-formatted root shelf.
func OpenRootShelf(base []byte) (*RootShelf, error) {
	r := rootAt(base)
	if fabric.AtomicLoad64(&r.Magic) != rootMagic {
		return nil, nvmmerr.ErrShelfFileInvalidFormat
	}
	return &RootShelf{base: base}, nil
}

// Lock acquires pool id's slot in the spinlock table, serializing
// create/destroy races on that id across every process holding the root
// shelf mapped.
func (r *RootShelf) Lock(poolID uint8) {
	rootAt(r.base).Locks[poolID].Lock()
}

// Unlock releases pool id's spinlock.
func (r *RootShelf) Unlock(poolID uint8) {
	rootAt(r.base).Locks[poolID].Unlock()
}

// TryLock attempts to acquire pool id's spinlock without blocking.
func (r *RootShelf) TryLock(poolID uint8) bool {
	return rootAt(r.base).Locks[poolID].TryLock()
}

// GetType reports the declared Type of pool id.
func (r *RootShelf) GetType(poolID uint8) Type {
	t := &rootAt(r.base).Types[poolID]
	return Type(fabric.AtomicLoad32(&t.Type))
}

// SetType declares pool id's Type, failing with ErrIdFound if it is already
// claimed. Callers hold the id's spinlock across the surrounding
// create-or-fail sequence; SetType itself only performs the CAS.
func (r *RootShelf) SetType(poolID uint8, want Type) error {
	t := &rootAt(r.base).Types[poolID]
	if !fabric.AtomicCAS32(&t.Type, uint32(TypeNone), uint32(want)) {
		return nvmmerr.ErrIdFound
	}
	return nil
}

// ClearType releases pool id back to TypeNone, failing with ErrIdNotFound
// if its current Type is not have.
func (r *RootShelf) ClearType(poolID uint8, have Type) error {
	t := &rootAt(r.base).Types[poolID]
	if !fabric.AtomicCAS32(&t.Type, uint32(have), uint32(TypeNone)) {
		return nvmmerr.ErrIdNotFound
	}
	return nil
}

// AllocRegionID claims the lowest free bit in the 16-entry region-id
// bitmap, returning ErrIdFound if every id is already in use.
func (r *RootShelf) AllocRegionID() (uint16, error) {
	l := rootAt(r.base)
	for {
		cur := fabric.AtomicLoad64(&l.RegionBitmap)
		var id uint16
		for id = 0; id < 16; id++ {
			if cur&(uint64(1)<<id) == 0 {
				break
			}
		}
		if id == 16 {
			return 0, nvmmerr.ErrIdFound
		}
		if fabric.AtomicCAS64(&l.RegionBitmap, cur, cur|(uint64(1)<<id)) {
			return id, nil
		}
	}
}

// FreeRegionID releases a region id obtained from AllocRegionID.
func (r *RootShelf) FreeRegionID(id uint16) error {
	if id >= 16 {
		return nvmmerr.ErrIdNotFound
	}
	l := rootAt(r.base)
	bit := uint64(1) << id
	for {
		cur := fabric.AtomicLoad64(&l.RegionBitmap)
		if cur&bit == 0 {
			return nvmmerr.ErrIdNotFound
		}
		if fabric.AtomicCAS64(&l.RegionBitmap, cur, cur&^bit) {
			return nil
		}
	}
}

// Dict returns the root shelf's fixed dictionary of named root pointers.
func (r *RootShelf) Dict() *RootDict {
	return &RootDict{base: r.base}
}

// Dictionary slot indices, named rather than left as raw integers.
const (
	dictMetadata = iota
	dictATL
	dictReserved0
	dictReserved1
)

// RootDict is the root shelf's small fixed-size dictionary of root global
// pointers: one for the metadata store, one for the address translation
// layer, and two reserved for future use.
type RootDict struct {
	base []byte
}

func (d *RootDict) slot(i int) *uint64 {
	return &rootAt(d.base).Dict[i]
}

// Metadata returns the metadata-store root pointer.
func (d *RootDict) Metadata() shelfid.GlobalPtr {
	return shelfid.GlobalPtr(fabric.AtomicLoad64(d.slot(dictMetadata)))
}

// SetMetadata sets the metadata-store root pointer.
func (d *RootDict) SetMetadata(p shelfid.GlobalPtr) {
	fabric.AtomicStore64(d.slot(dictMetadata), uint64(p))
}

// ATL returns the address-translation-layer root pointer.
func (d *RootDict) ATL() shelfid.GlobalPtr {
	return shelfid.GlobalPtr(fabric.AtomicLoad64(d.slot(dictATL)))
}

// SetATL sets the address-translation-layer root pointer.
func (d *RootDict) SetATL(p shelfid.GlobalPtr) {
	fabric.AtomicStore64(d.slot(dictATL), uint64(p))
}

// Reserved0 and Reserved1 are unused root pointer slots reserved for
// future root-level structures, exposed so a caller can claim one without
// a layout change.
func (d *RootDict) Reserved0() shelfid.GlobalPtr {
	return shelfid.GlobalPtr(fabric.AtomicLoad64(d.slot(dictReserved0)))
}

func (d *RootDict) SetReserved0(p shelfid.GlobalPtr) {
	fabric.AtomicStore64(d.slot(dictReserved0), uint64(p))
}

func (d *RootDict) Reserved1() shelfid.GlobalPtr {
	return shelfid.GlobalPtr(fabric.AtomicLoad64(d.slot(dictReserved1)))
}

func (d *RootDict) SetReserved1(p shelfid.GlobalPtr) {
	fabric.AtomicStore64(d.slot(dictReserved1), uint64(p))
}
