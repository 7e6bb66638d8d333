// Package pool implements Pool: a named, persistent directory of shelves
// sharing one pool id. Shelf index 0 of every pool is reserved as that
// pool's own directory shelf (tracking which other indices exist); indices
// 1..15 are the pool's payload shelves, created on demand via AddShelf.
//
// Grounded on original_source/src/allocator/pool_region.cc's Create/
// Destroy/Open/Close/AddShelf call sequence, generalized from "exactly one
// payload shelf" (PoolRegion) to N payload shelves tracked by a bitmap, the
// way internal/core/objects/storage.go's Init lays out a fixed on-disk
// substructure under one deterministic naming scheme.
package pool

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"github.com/fenilsonani/nvmm/internal/fabric"
	"github.com/fenilsonani/nvmm/internal/nvmmconfig"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelf"
	"github.com/fenilsonani/nvmm/internal/shelfid"
	"github.com/fenilsonani/nvmm/internal/shelfmgr"
)

// Type identifies what kind of payload a pool id was created for, recorded
// in the root shelf's PoolTypeEntry table so a second CreateHeap/CreateRegion
// on the same id is rejected regardless of which process asks.
type Type uint32

const (
	TypeNone Type = iota
	TypeRegion
	TypeHeap
)

// MaxShelfCount bounds how many shelf indices (including the directory
// shelf at index 0) one pool may hold.
const MaxShelfCount = shelfid.MaxShelfCount

const directoryMagic = uint64(0x504f4f4c444952) // "POOLDIR" truncated

// directoryLayout is shelf index 0's payload: which other shelf indices in
// this pool exist, and the shelf size every AddShelf call truncates to.
type directoryLayout struct {
	Magic       uint64
	ShelfSize   uint64
	ShelfBitmap uint64 // bit i set => shelf index i exists (bit 0 always set)
}

const directoryLayoutSize = unsafe.Sizeof(directoryLayout{})

// Formatter installs a payload (Region, Heap, ...) into a freshly created
// shelf file, after the file exists but before AddShelf publishes it by
// setting its bit in the directory bitmap.
type Formatter func(f *shelf.File, size uint64) error

// Pool is a directory of shelves sharing one pool id.
type Pool struct {
	cfg    nvmmconfig.Config
	mgr    *shelfmgr.Manager
	poolID uint8

	mu      sync.Mutex
	dirFile *shelf.File
	dirBase []byte
	opened  bool

	group singleflight.Group
}

// New returns a handle for the pool identified by poolID. It performs no
// I/O; call Create or Open next.
func New(cfg nvmmconfig.Config, mgr *shelfmgr.Manager, poolID uint8) *Pool {
	return &Pool{cfg: cfg, mgr: mgr, poolID: poolID}
}

func (p *Pool) shelfID(idx uint8) shelfid.ID { return shelfid.New(p.poolID, idx) }

func (p *Pool) shelfPath(idx uint8) string { return p.cfg.ShelfPath(p.poolID, idx) }

func directoryAt(base []byte) *directoryLayout {
	return (*directoryLayout)(unsafe.Pointer(&base[0]))
}

// Exist reports whether this pool's directory shelf (index 0) is present
// on the backing store.
func (p *Pool) Exist() bool {
	f := shelf.New(p.shelfPath(0), 0644)
	if err := f.Open(shelf.OpenReadOnly); err != nil {
		return false
	}
	f.Close()
	return true
}

// Create formats a new, empty pool: just its directory shelf, bit 0 set and
// every other bit clear. shelfSize is the default size AddShelf truncates
// subsequent payload shelves to.
func (p *Pool) Create(shelfSize uint64) error {
	if shelfSize < uint64(directoryLayoutSize) {
		return fmt.Errorf("%w: shelf size must be at least %d bytes", nvmmerr.ErrPoolFound, directoryLayoutSize)
	}
	if p.Exist() {
		return nvmmerr.ErrPoolFound
	}

	// Shelf 0 is truncated to the same shelfSize every other shelf in this
	// pool gets, not just enough for directoryLayout: the bytes past the
	// header are this pool's "directory payload", available to whichever
	// consumer treats shelf 0 as special (DistHeap installs its
	// coordination FreeLists/Ownership tables there).
	dirSize := p.cfg.AlignToPage(shelfSize)
	f := shelf.New(p.shelfPath(0), 0644)
	if err := f.Create(int64(dirSize)); err != nil {
		return err
	}
	h, err := shelf.OpenHandle(p.shelfPath(0), 0644, false, 0, shelf.OpenReadWrite, shelf.ProtRead|shelf.ProtWrite, shelf.MapShared)
	if err != nil {
		f.Destroy()
		return err
	}
	defer h.Close()

	d := directoryAt(h.Bytes())
	d.ShelfSize = shelfSize
	d.ShelfBitmap = 1 // bit 0: the directory shelf itself
	fabric.Persist(unsafe.Pointer(d), directoryLayoutSize)
	fabric.AtomicStore64(&d.Magic, directoryMagic)
	fabric.Persist(unsafe.Pointer(d), directoryLayoutSize)

	return nil
}

// Destroy removes every shelf this pool still holds, then its directory
// shelf. The pool must not be open.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	opened := p.opened
	p.mu.Unlock()
	if opened {
		return nvmmerr.ErrShelfFileOpened
	}
	if !p.Exist() {
		return nvmmerr.ErrPoolNotFound
	}

	if err := p.Open(false); err != nil {
		return err
	}
	for idx := uint8(1); idx < MaxShelfCount; idx++ {
		if p.CheckShelf(idx) {
			if err := p.RemoveShelf(idx); err != nil {
				p.Close(false)
				return err
			}
		}
	}
	if err := p.Close(false); err != nil {
		return err
	}

	f := shelf.New(p.shelfPath(0), 0644)
	return f.Destroy()
}

// Open maps this pool's directory shelf. exclusive is accepted for call-
// site symmetry with the original API; this port has no separate shared/
// exclusive open mode since every mutation already goes through CAS.
func (p *Pool) Open(exclusive bool) error {
	_, err, _ := p.group.Do("open", func() (interface{}, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.opened {
			return nil, nil
		}

		h, err := shelf.OpenHandle(p.shelfPath(0), 0644, false, 0, shelf.OpenReadWrite, shelf.ProtRead|shelf.ProtWrite, shelf.MapShared)
		if err != nil {
			return nil, err
		}
		if directoryAt(h.Bytes()).Magic != directoryMagic {
			h.Close()
			return nil, nvmmerr.ErrShelfFileInvalidFormat
		}

		f, data := h.File(), h.Bytes()
		p.mgr.RegisterShelf(p.shelfID(0), data)
		p.mgr.RegisterFile(p.shelfID(0), f)
		p.mgr.FindAndOpenShelf(p.shelfID(0))
		p.dirFile = f
		p.dirBase = data
		p.opened = true
		return nil, nil
	})
	return err
}

// Close unmaps this pool's directory shelf.
func (p *Pool) Close(exclusive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	p.mgr.FindAndCloseShelf(p.shelfID(0))
	p.dirFile = nil
	p.dirBase = nil
	p.opened = false
	return nil
}

// AddShelf creates shelf index idx (1..MaxShelfCount-1), invokes formatter
// to install its payload, then publishes it by setting its bit in the
// directory bitmap. If idx is already set, returns ErrShelfFileFound and
// leaves the new file in place only if formatter never ran (concurrent
// callers racing on the same idx are collapsed via singleflight so at most
// one formatter runs).
func (p *Pool) AddShelf(idx uint8, formatter Formatter, exclusive bool) error {
	if idx == 0 || idx >= MaxShelfCount {
		return fmt.Errorf("%w: shelf index %d out of range", nvmmerr.ErrShelfFileInvalidFormat, idx)
	}

	key := fmt.Sprintf("add:%d", idx)
	_, err, _ := p.group.Do(key, func() (interface{}, error) {
		p.mu.Lock()
		if !p.opened {
			p.mu.Unlock()
			return nil, nvmmerr.ErrShelfFileClosed
		}
		d := directoryAt(p.dirBase)
		bit := uint64(1) << idx
		if fabric.AtomicLoad64(&d.ShelfBitmap)&bit != 0 {
			p.mu.Unlock()
			return nil, nvmmerr.ErrShelfFileFound
		}
		shelfSize := d.ShelfSize
		p.mu.Unlock()

		f := shelf.New(p.shelfPath(idx), 0644)
		if err := f.Create(int64(p.cfg.AlignToPage(shelfSize))); err != nil {
			return nil, err
		}
		if err := f.Open(shelf.OpenReadWrite); err != nil {
			f.Destroy()
			return nil, err
		}
		if formatter != nil {
			if err := formatter(f, shelfSize); err != nil {
				f.Close()
				f.Destroy()
				return nil, err
			}
		}
		f.Close()

		p.mu.Lock()
		defer p.mu.Unlock()
		for {
			cur := fabric.AtomicLoad64(&d.ShelfBitmap)
			if fabric.AtomicCAS64(&d.ShelfBitmap, cur, cur|bit) {
				break
			}
		}
		fabric.Persist(unsafe.Pointer(d), directoryLayoutSize)
		return nil, nil
	})
	return err
}

// RemoveShelf destroys shelf index idx and clears its bit. Idempotent:
// removing an index that was never added is not an error.
func (p *Pool) RemoveShelf(idx uint8) error {
	if idx == 0 || idx >= MaxShelfCount {
		return fmt.Errorf("%w: shelf index %d out of range", nvmmerr.ErrShelfFileInvalidFormat, idx)
	}

	p.mu.Lock()
	if !p.opened {
		p.mu.Unlock()
		return nvmmerr.ErrShelfFileClosed
	}
	d := directoryAt(p.dirBase)
	bit := uint64(1) << idx
	for {
		cur := fabric.AtomicLoad64(&d.ShelfBitmap)
		if cur&bit == 0 {
			p.mu.Unlock()
			return nil
		}
		if fabric.AtomicCAS64(&d.ShelfBitmap, cur, cur&^bit) {
			break
		}
	}
	fabric.Persist(unsafe.Pointer(d), directoryLayoutSize)
	p.mu.Unlock()

	p.mgr.FindAndCloseShelf(p.shelfID(idx))
	f := shelf.New(p.shelfPath(idx), 0644)
	return f.Destroy()
}

// CheckShelf reports whether shelf index idx currently exists in this pool.
func (p *Pool) CheckShelf(idx uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return false
	}
	d := directoryAt(p.dirBase)
	return fabric.AtomicLoad64(&d.ShelfBitmap)&(uint64(1)<<idx) != 0
}

// GetShelfPath returns the backing-store path of shelf index idx, whether
// or not it currently exists.
func (p *Pool) GetShelfPath(idx uint8) (string, error) {
	if idx >= MaxShelfCount {
		return "", fmt.Errorf("%w: shelf index %d out of range", nvmmerr.ErrShelfFileInvalidFormat, idx)
	}
	return p.shelfPath(idx), nil
}

// Size returns how many shelf index slots this pool has, including index 0.
func (p *Pool) Size() uint8 { return MaxShelfCount }

// ShelfSize returns the default shelf size recorded at Create time.
func (p *Pool) ShelfSize() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return 0
	}
	return directoryAt(p.dirBase).ShelfSize
}

// DirectoryPayload returns shelf index 0's full mapped bytes together with
// the byte offset past directoryLayout where a caller may format its own
// structures. The pool must be open.
func (p *Pool) DirectoryPayload() ([]byte, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil, 0, nvmmerr.ErrShelfFileClosed
	}
	return p.dirBase, uint64(directoryLayoutSize), nil
}
