// Package shelfmgr implements ShelfManager: the process-local registry
// ensuring a shelf is mapped at exactly one address per process, with a
// refcount so closes only unmap when the last user leaves.
//
// Grounded on internal/hyperdrive/memory_allocator.go's
// UltraFastAllocator.pools registry (there keyed by goroutine id, here by
// shelf id), generalized to a single mutex-guarded slice: the registry is
// bounded by kMaxPoolCount*kMaxShelfCount (256 entries), small enough that
// an O(n) reverse lookup is acceptable.
package shelfmgr

import (
	"os"
	"sync"
	"unsafe"

	"github.com/fenilsonani/nvmm/internal/nvmmerr"
	"github.com/fenilsonani/nvmm/internal/shelf"
	"github.com/fenilsonani/nvmm/internal/shelfid"
)

type entry struct {
	id       shelfid.ID
	base     unsafe.Pointer
	length   uintptr
	refcount int
	invalid  bool
	file     *shelf.File
	data     []byte
}

// Manager is the process-local shelf registry. One instance exists per
// process (see pkg/nvmm.MemoryManager, which owns the singleton); tests may
// construct additional instances freely.
type Manager struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty shelf registry.
func New() *Manager { return &Manager{} }

func (m *Manager) find(id shelfid.ID) int {
	for i := range m.entries {
		if m.entries[i].id == id {
			return i
		}
	}
	return -1
}

// RegisterShelf records that id is mapped at base..base+len. If id is
// already registered, returns the existing base (len must match) instead
// of creating a second mapping, so multiple heaps in the same process
// share one mapping.
func (m *Manager) RegisterShelf(id shelfid.ID, data []byte) (unsafe.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.find(id); i >= 0 {
		if uintptr(len(data)) != m.entries[i].length {
			return nil, nvmmerr.ErrShelfFileInvalidFormat
		}
		return m.entries[i].base, nil
	}

	var base unsafe.Pointer
	if len(data) > 0 {
		base = unsafe.Pointer(&data[0])
	}
	m.entries = append(m.entries, entry{
		id:     id,
		base:   base,
		length: uintptr(len(data)),
		data:   data,
	})
	return base, nil
}

// RegisterFile attaches the owning *shelf.File to an already-registered
// entry, so a later Close can unmap it when the refcount reaches zero.
func (m *Manager) RegisterFile(id shelfid.ID, f *shelf.File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(id); i >= 0 {
		m.entries[i].file = f
	}
}

// FindAndOpenShelf increments id's refcount and returns its base address,
// or (nil, false) if id is not registered.
func (m *Manager) FindAndOpenShelf(id shelfid.ID) (unsafe.Pointer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 {
		return nil, false
	}
	m.entries[i].refcount++
	return m.entries[i].base, true
}

// FindAndCloseShelf decrements id's refcount, unmapping and removing the
// entry when it reaches zero. Returns the base address that was released,
// or (nil, false) on underflow (closing more times than opened) or if id
// is not registered.
func (m *Manager) FindAndCloseShelf(id shelfid.ID) (unsafe.Pointer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 || m.entries[i].refcount <= 0 {
		return nil, false
	}
	m.entries[i].refcount--
	base := m.entries[i].base
	if m.entries[i].refcount == 0 {
		if m.entries[i].file != nil {
			_ = m.entries[i].file.Unmap()
			_ = m.entries[i].file.Close()
		}
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
	}
	return base, true
}

// LookupShelf returns id's base address without mutating its refcount.
func (m *Manager) LookupShelf(id shelfid.ID) (unsafe.Pointer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 {
		return nil, false
	}
	return m.entries[i].base, true
}

// FindBase returns id's base address, opening and mapping the shelf file at
// path on demand if it is not already registered.
func (m *Manager) FindBase(id shelfid.ID, path string) (unsafe.Pointer, error) {
	if base, ok := m.LookupShelf(id); ok {
		return base, nil
	}

	f := shelf.New(path, os.FileMode(0644))
	if err := f.Open(shelf.OpenReadWrite); err != nil {
		return nil, err
	}
	data, err := f.Map(shelf.ProtRead|shelf.ProtWrite, shelf.MapShared)
	if err != nil {
		f.Close()
		return nil, err
	}
	base, err := m.RegisterShelf(id, data)
	if err != nil {
		f.Unmap()
		f.Close()
		return nil, err
	}
	m.RegisterFile(id, f)
	return base, nil
}

// FindShelf is the reverse lookup: given a local address within some
// registered shelf's mapped range, return its shelf id and base address.
// O(n) over the registry, acceptable since n is bounded by
// kMaxPoolCount*kMaxShelfCount.
func (m *Manager) FindShelf(localPtr unsafe.Pointer) (shelfid.ID, unsafe.Pointer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := uintptr(localPtr)
	for i := range m.entries {
		start := uintptr(m.entries[i].base)
		end := start + m.entries[i].length
		if addr >= start && addr < end {
			return m.entries[i].id, m.entries[i].base, true
		}
	}
	return shelfid.Invalid, nil, false
}

// ShelfBytes returns a []byte view over id's mapped memory, or false if id
// is not registered. DistHeap (for the bytes it hands its nvheap
// allocators), Region and MemoryManager work on this view;
// FindBase/FindShelf deal in unsafe.Pointer only because the reverse
// lookup needs a bare address to range-test against.
func (m *Manager) ShelfBytes(id shelfid.ID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id)
	if i < 0 || m.entries[i].data == nil {
		return nil, false
	}
	return m.entries[i].data, true
}

// MarkInvalid sets a per-entry poison bit, read back by IsInvalid. Mirrors
// the poisoning ShelfFile.MarkInvalid performs on a single handle, but
// keyed by shelf id so every holder of that id's base address observes it.
func (m *Manager) MarkInvalid(id shelfid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(id); i >= 0 {
		m.entries[i].invalid = true
	}
}

// IsInvalid reports whether MarkInvalid was called for id.
func (m *Manager) IsInvalid(id shelfid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.find(id); i >= 0 {
		return m.entries[i].invalid
	}
	return false
}
