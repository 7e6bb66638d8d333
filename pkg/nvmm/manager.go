// Package nvmm is the public entry point: MemoryManager dispatches pool ids
// to either a Region or a Heap, translates GlobalPtrs to process-local
// addresses and back, and owns the root shelf's per-pool-id type table that
// keeps two processes from racing to create the same id as both a Region
// and a Heap.
//
// Grounded directly on original_source/src/memory_manager.cc:
// MemoryManager::Impl_::{CreateRegion,DestroyRegion,FindRegion,CreateHeap,
// DestroyHeap,FindHeap,MapPointer,UnmapPointer,GlobalToLocal,LocalToGlobal}
// and the StartNVMM/ResetNVMM/RestartNVMM process-lifecycle functions.
package nvmm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/fenilsonani/nvmm/internal/distheap"
	"github.com/fenilsonani/nvmm/internal/epoch"
	"github.com/fenilsonani/nvmm/internal/nvmmconfig"
	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/nvmmlog"
	"github.com/fenilsonani/nvmm/internal/ownership"
	"github.com/fenilsonani/nvmm/internal/pool"
	"github.com/fenilsonani/nvmm/internal/shelf"
	"github.com/fenilsonani/nvmm/internal/shelfid"
	"github.com/fenilsonani/nvmm/internal/shelfmgr"
)

// epochParticipantSlots bounds how many processes may register with one
// MemoryManager's EpochVector at once.
const epochParticipantSlots = 256

// MemoryManager is the process-wide root object: one per process, created
// by StartNVMM (or directly via New, for tests that want a fresh instance
// instead of the process-wide singleton).
type MemoryManager struct {
	cfg nvmmconfig.Config
	mgr *shelfmgr.Manager

	mu      sync.Mutex
	ready   bool
	rootF   *shelf.File
	root    *pool.RootShelf
	epochF  *shelf.File
	epochV  *epoch.Vector
	epochM  *epoch.Manager
}

// New returns an unstarted MemoryManager for cfg. Call Start before using
// it.
func New(cfg nvmmconfig.Config) *MemoryManager {
	return &MemoryManager{cfg: cfg, mgr: shelfmgr.New()}
}

var (
	instanceMu sync.Mutex
	instance   *MemoryManager
)

// GetInstance returns the process-wide MemoryManager, creating one from
// nvmmconfig.FromEnv if StartNVMM was never called. Tests that want
// isolation from the process-wide singleton should use New directly
// instead.
func GetInstance() *MemoryManager {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = New(nvmmconfig.FromEnv())
	}
	return instance
}

func setInstance(m *MemoryManager) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = m
}

// Start ensures the backing store directory, root shelf, and epoch shelf
// exist, opens both, and registers this process with the epoch vector.
// Creating the backing directory and both shelves on demand mirrors
// StartNVMM's "create if it does not exist" checks; a pre-existing root or
// epoch shelf is opened as-is, never reformatted.
func (m *MemoryManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}

	if err := os.MkdirAll(m.cfg.ShelfBase, 0755); err != nil {
		return fmt.Errorf("nvmm: failed to create shelf base dir %q: %w", m.cfg.ShelfBase, err)
	}

	rootF, root, err := openOrFormat(m.cfg.RootShelfPath(), int64(pool.RootShelfSize),
		func(base []byte) { pool.FormatRootShelf(base) },
		func(base []byte) (*pool.RootShelf, error) { return pool.OpenRootShelf(base) })
	if err != nil {
		return fmt.Errorf("nvmm: root shelf: %w", err)
	}

	epochSize := int64(m.cfg.AlignToPage(uint64(epoch.HeaderSize) + epochParticipantSlots*128))
	epochF, epochV, err := openOrFormat(m.cfg.EpochShelfPath(), epochSize,
		func(base []byte) { epoch.Format(base, 0, epochParticipantSlots) },
		func(base []byte) (*epoch.Vector, error) { return epoch.Open(base, 0) })
	if err != nil {
		rootF.Unmap()
		rootF.Close()
		return fmt.Errorf("nvmm: epoch shelf: %w", err)
	}

	self, err := ownership.Self()
	if err != nil {
		rootF.Unmap()
		rootF.Close()
		epochF.Unmap()
		epochF.Close()
		return err
	}
	epochM, err := epoch.NewManager(epochV, self.Pid, m.cfg.ShelfUser, nil)
	if err != nil {
		rootF.Unmap()
		rootF.Close()
		epochF.Unmap()
		epochF.Close()
		return err
	}

	epochM.Start(context.Background())

	m.rootF, m.root = rootF, root
	m.epochF, m.epochV, m.epochM = epochF, epochV, epochM
	m.ready = true
	return nil
}

// openOrFormat opens path, creating and formatting it first if it doesn't
// exist yet, and returns the mapped file alongside the typed handle format/
// open produced.
func openOrFormat[T any](path string, size int64, format func(base []byte), open func(base []byte) (T, error)) (*shelf.File, T, error) {
	var zero T
	f := shelf.New(path, 0644)
	if err := f.Create(size); err != nil && err != nvmmerr.ErrShelfFileFound {
		return nil, zero, err
	}
	if err := f.Open(shelf.OpenReadWrite); err != nil {
		return nil, zero, err
	}
	data, err := f.Map(shelf.ProtRead|shelf.ProtWrite, shelf.MapShared)
	if err != nil {
		f.Close()
		return nil, zero, err
	}
	handle, err := open(data)
	if err != nil {
		// Freshly created file never formatted by a concurrent Start; format
		// it ourselves rather than fail.
		format(data)
		handle, err = open(data)
		if err != nil {
			f.Unmap()
			f.Close()
			return nil, zero, err
		}
	}
	return f, handle, nil
}

// Stop stops the epoch manager's background loops, unregisters this
// process, and unmaps both shelves. Does not delete any shelf file.
func (m *MemoryManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil
	}
	if m.epochM != nil {
		if err := m.epochM.Stop(); err != nil {
			nvmmlog.L().Warn("nvmm: epoch manager stop failed", zap.Error(err))
		}
	}
	m.epochF.Unmap()
	m.epochF.Close()
	m.rootF.Unmap()
	m.rootF.Close()
	m.ready = false
	return nil
}

func (m *MemoryManager) checkReady() error {
	if !m.ready {
		return nvmmerr.ErrShelfFileClosed
	}
	return nil
}

// CreateRegion formats a new Region at pool id, failing with ErrIdFound if
// the id is already a Region or a Heap.
func (m *MemoryManager) CreateRegion(poolID uint8, size uint64) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	m.root.Lock(poolID)
	defer m.root.Unlock(poolID)

	if m.root.GetType(poolID) != pool.TypeNone {
		return nvmmerr.ErrIdFound
	}
	if err := createRegion(m.cfg, m.mgr, poolID, size); err != nil {
		if err == nvmmerr.ErrPoolFound {
			return nvmmerr.ErrIdFound
		}
		return err
	}
	if err := m.root.SetType(poolID, pool.TypeRegion); err != nil {
		return err
	}
	return nil
}

// DestroyRegion destroys the Region at pool id, failing with ErrIdNotFound
// if it is not a Region.
func (m *MemoryManager) DestroyRegion(poolID uint8) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	m.root.Lock(poolID)
	defer m.root.Unlock(poolID)

	if m.root.GetType(poolID) != pool.TypeRegion {
		return nvmmerr.ErrIdNotFound
	}
	if err := destroyRegion(m.cfg, m.mgr, poolID); err != nil {
		if err == nvmmerr.ErrPoolNotFound {
			return nvmmerr.ErrIdNotFound
		}
		return err
	}
	if err := m.root.ClearType(poolID, pool.TypeRegion); err != nil {
		return err
	}
	return nil
}

// FindRegion returns an unopened handle to the Region at pool id, failing
// with ErrIdNotFound if it is not a Region.
func (m *MemoryManager) FindRegion(poolID uint8) (*Region, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.root.Lock(poolID)
	typ := m.root.GetType(poolID)
	m.root.Unlock(poolID)
	if typ != pool.TypeRegion {
		return nil, nvmmerr.ErrIdNotFound
	}
	return &Region{cfg: m.cfg, mgr: m.mgr, poolID: poolID}, nil
}

// CreateHeap formats a new Heap at pool id with the given default shelf
// size, allocator mode, and (for ModeZone) minimum object size. Fails with
// ErrIdFound if the id is already a Region or a Heap.
func (m *MemoryManager) CreateHeap(poolID uint8, shelfSize uint64, mode distheap.Mode, minAllocSize uint64) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	m.root.Lock(poolID)
	defer m.root.Unlock(poolID)

	if m.root.GetType(poolID) != pool.TypeNone {
		return nvmmerr.ErrIdFound
	}
	if err := distheap.Create(m.cfg, m.mgr, poolID, shelfSize, mode, minAllocSize); err != nil {
		if err == nvmmerr.ErrPoolFound {
			return nvmmerr.ErrIdFound
		}
		return err
	}
	if err := m.root.SetType(poolID, pool.TypeHeap); err != nil {
		return err
	}
	return nil
}

// DestroyHeap destroys the Heap at pool id, failing with ErrIdNotFound if
// it is not a Heap.
func (m *MemoryManager) DestroyHeap(poolID uint8) error {
	if err := m.checkReady(); err != nil {
		return err
	}
	m.root.Lock(poolID)
	defer m.root.Unlock(poolID)

	if m.root.GetType(poolID) != pool.TypeHeap {
		return nvmmerr.ErrIdNotFound
	}
	p := pool.New(m.cfg, m.mgr, poolID)
	if err := p.Destroy(); err != nil {
		if err == nvmmerr.ErrPoolNotFound {
			return nvmmerr.ErrIdNotFound
		}
		return err
	}
	if err := m.root.ClearType(poolID, pool.TypeHeap); err != nil {
		return err
	}
	return nil
}

// FindHeap returns an unopened handle to the Heap at pool id, failing with
// ErrIdNotFound if it is not a Heap.
func (m *MemoryManager) FindHeap(poolID uint8) (*Heap, error) {
	if err := m.checkReady(); err != nil {
		return nil, err
	}
	m.root.Lock(poolID)
	typ := m.root.GetType(poolID)
	m.root.Unlock(poolID)
	if typ != pool.TypeHeap {
		return nil, nvmmerr.ErrIdNotFound
	}
	return &Heap{cfg: m.cfg, mgr: m.mgr, poolID: poolID}, nil
}

// MapPointer resolves ptr into a byte slice of size bytes starting at ptr's
// offset, opening the backing pool and shelf if this process has not
// already mapped it. The whole shelf is mapped once (via the shared
// shelfmgr registry) and the result is a slice into it; prot is not
// consulted.
func (m *MemoryManager) MapPointer(ptr shelfid.GlobalPtr, size uint64, prot shelf.Prot) ([]byte, error) {
	if !ptr.IsValid() {
		return nil, nvmmerr.ErrInvalidPtr
	}
	id := ptr.ShelfID()
	if id.PoolID() == 0 {
		return nil, nvmmerr.ErrInvalidPtr
	}
	offset := ptr.Offset()

	p := pool.New(m.cfg, m.mgr, id.PoolID())
	if err := p.Open(false); err != nil {
		return nil, nvmmerr.ErrMapPointerFailed
	}
	defer p.Close(false)

	path, err := p.GetShelfPath(id.ShelfIndex())
	if err != nil {
		return nil, nvmmerr.ErrMapPointerFailed
	}
	if _, err := m.mgr.FindBase(id, path); err != nil {
		return nil, nvmmerr.ErrMapPointerFailed
	}
	m.mgr.FindAndOpenShelf(id)
	data, ok := m.mgr.ShelfBytes(id)
	if !ok || offset+size > uint64(len(data)) {
		m.mgr.FindAndCloseShelf(id)
		return nil, nvmmerr.ErrMapPointerFailed
	}
	return data[offset : offset+size], nil
}

// UnmapPointer releases the reference MapPointer acquired for ptr.
func (m *MemoryManager) UnmapPointer(ptr shelfid.GlobalPtr) error {
	if !ptr.IsValid() {
		return nvmmerr.ErrInvalidPtr
	}
	if _, ok := m.mgr.FindAndCloseShelf(ptr.ShelfID()); !ok {
		return nvmmerr.ErrInvalidPtr
	}
	return nil
}

// GlobalToLocal resolves ptr to a process-local byte slice starting at its
// offset, opening the backing pool and shelf on first access (mirroring
// Impl_::GlobalToLocal's "first time accessing this shelf" slow path). The
// fast path costs only a registry lookup once the shelf has been touched by
// this process before, via a Heap/Region Open or an earlier GlobalToLocal.
func (m *MemoryManager) GlobalToLocal(ptr shelfid.GlobalPtr) ([]byte, error) {
	if !ptr.IsValid() {
		return nil, nvmmerr.ErrInvalidPtr
	}
	id := ptr.ShelfID()

	if data, ok := m.mgr.ShelfBytes(id); ok {
		return sliceFrom(data, ptr.Offset())
	}

	if id.PoolID() == 0 {
		return nil, nvmmerr.ErrInvalidPtr
	}
	p := pool.New(m.cfg, m.mgr, id.PoolID())
	if err := p.Open(false); err != nil {
		return nil, err
	}
	path, err := p.GetShelfPath(id.ShelfIndex())
	if err != nil {
		p.Close(false)
		return nil, err
	}
	if _, err := m.mgr.FindBase(id, path); err != nil {
		p.Close(false)
		return nil, err
	}
	p.Close(false)

	data, ok := m.mgr.ShelfBytes(id)
	if !ok {
		return nil, nvmmerr.ErrInvalidPtr
	}
	return sliceFrom(data, ptr.Offset())
}

func sliceFrom(data []byte, offset uint64) ([]byte, error) {
	if offset > uint64(len(data)) {
		return nil, nvmmerr.ErrInvalidPtr
	}
	return data[offset:], nil
}

// LocalToGlobal is the inverse of GlobalToLocal: it finds which registered
// shelf local falls within and returns the GlobalPtr for that offset, or
// ErrInvalidPtr if local does not point into any shelf this process has
// mapped.
func (m *MemoryManager) LocalToGlobal(local []byte) (shelfid.GlobalPtr, error) {
	if len(local) == 0 {
		return shelfid.NullPtr, nvmmerr.ErrInvalidPtr
	}
	id, base, ok := m.mgr.FindShelf(unsafe.Pointer(&local[0]))
	if !ok {
		return shelfid.NullPtr, nvmmerr.ErrInvalidPtr
	}
	offset := uintptr(unsafe.Pointer(&local[0])) - uintptr(base)
	return shelfid.NewGlobalPtr(id, uint64(offset)), nil
}

// StartNVMM creates the backing directory, root shelf, and epoch shelf for
// cfg if they don't already exist, opens a MemoryManager over them, and
// makes it the process-wide instance returned by GetInstance.
func StartNVMM(cfg nvmmconfig.Config) (*MemoryManager, error) {
	m := New(cfg)
	if err := m.Start(); err != nil {
		return nil, err
	}
	setInstance(m)
	return m, nil
}

// ResetNVMM stops the current instance (if any) and removes every shelf
// file under cfg's backing store, root and epoch shelves included, so a
// subsequent StartNVMM begins from a clean slate. Intended for tests.
func ResetNVMM(cfg nvmmconfig.Config) error {
	instanceMu.Lock()
	cur := instance
	instance = nil
	instanceMu.Unlock()
	if cur != nil {
		cur.Stop()
	}

	os.Remove(cfg.RootShelfPath())
	os.Remove(cfg.EpochShelfPath())
	matches, _ := filepath.Glob(cfg.ShelfBase + "/" + cfg.ShelfUser + "_NVMM_Shelf*")
	for _, p := range matches {
		os.Remove(p)
	}
	return nil
}

// RestartNVMM stops the current process-wide instance without deleting any
// shelf, then starts a fresh one over cfg, reattaching to whatever
// persistent state is already on the backing store.
func RestartNVMM(cfg nvmmconfig.Config) (*MemoryManager, error) {
	instanceMu.Lock()
	cur := instance
	instanceMu.Unlock()
	if cur != nil {
		cur.Stop()
	}
	return StartNVMM(cfg)
}
